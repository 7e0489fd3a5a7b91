package repository

import (
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
)

type DeliveryRecordEntity struct {
	ID                int64      `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID        int64      `db:"campaign_id"         gorm:"column:campaign_id;not null;uniqueIndex:idx_campaign_contact"`
	ContactID         int64      `db:"contact_id"          gorm:"column:contact_id;not null;uniqueIndex:idx_campaign_contact"`
	Email             string     `db:"email"               gorm:"column:email;not null"`
	ProviderMessageID string     `db:"provider_message_id" gorm:"column:provider_message_id;index"`
	Status            string     `db:"status"              gorm:"column:status;not null;index"`
	ErrorMessage      string     `db:"error_message"       gorm:"column:error_message"`
	SentAt            *time.Time `db:"sent_at"             gorm:"column:sent_at"`
	OpenedAt          *time.Time `db:"opened_at"           gorm:"column:opened_at"`
	ClickedAt         *time.Time `db:"clicked_at"          gorm:"column:clicked_at"`
	CreatedAt         time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (DeliveryRecordEntity) TableName() string {
	return "delivery_records"
}

func toDeliveryRecordEntity(m *model.DeliveryRecord) *DeliveryRecordEntity {
	if m == nil {
		return nil
	}
	return &DeliveryRecordEntity{
		ID:                m.ID,
		CampaignID:        m.CampaignID,
		ContactID:         m.ContactID,
		Email:             m.Email,
		ProviderMessageID: m.ProviderMessageID,
		Status:            string(m.Status),
		ErrorMessage:      m.ErrorMessage,
		SentAt:            m.SentAt,
		OpenedAt:          m.OpenedAt,
		ClickedAt:         m.ClickedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toDeliveryRecordModel(e *DeliveryRecordEntity) *model.DeliveryRecord {
	if e == nil {
		return nil
	}
	return &model.DeliveryRecord{
		ID:                e.ID,
		CampaignID:        e.CampaignID,
		ContactID:         e.ContactID,
		Email:             e.Email,
		ProviderMessageID: e.ProviderMessageID,
		Status:            model.DeliveryStatus(e.Status),
		ErrorMessage:      e.ErrorMessage,
		SentAt:            e.SentAt,
		OpenedAt:          e.OpenedAt,
		ClickedAt:         e.ClickedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toDeliveryRecordModels(entities []*DeliveryRecordEntity) []*model.DeliveryRecord {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryRecord, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryRecordModel(e)
	}
	return models
}
