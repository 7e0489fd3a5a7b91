package repository

import (
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
)

type CampaignEntity struct {
	ID           int64      `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	Name         string     `db:"name"          gorm:"column:name;not null"`
	Subject      string     `db:"subject"       gorm:"column:subject;not null"`
	SenderName   string     `db:"sender_name"   gorm:"column:sender_name;not null"`
	SenderEmail  string     `db:"sender_email"  gorm:"column:sender_email;not null"`
	BodyHTML     string     `db:"body_html"     gorm:"column:body_html;not null"`
	GroupID      int64      `db:"group_id"      gorm:"column:group_id;not null;index"`
	CredentialID int64      `db:"credential_id" gorm:"column:credential_id;not null"`
	Status       string     `db:"status"        gorm:"column:status;not null;index"`
	ScheduledAt  *time.Time `db:"scheduled_at"  gorm:"column:scheduled_at"`
	CreatedAt    time.Time  `db:"created_at"    gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `db:"updated_at"    gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(m *model.Campaign) *CampaignEntity {
	if m == nil {
		return nil
	}
	return &CampaignEntity{
		ID:           m.ID,
		Name:         m.Name,
		Subject:      m.Subject,
		SenderName:   m.SenderName,
		SenderEmail:  m.SenderEmail,
		BodyHTML:     m.BodyHTML,
		GroupID:      m.GroupID,
		CredentialID: m.CredentialID,
		Status:       string(m.Status),
		ScheduledAt:  m.ScheduledAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:           e.ID,
		Name:         e.Name,
		Subject:      e.Subject,
		SenderName:   e.SenderName,
		SenderEmail:  e.SenderEmail,
		BodyHTML:     e.BodyHTML,
		GroupID:      e.GroupID,
		CredentialID: e.CredentialID,
		Status:       model.CampaignStatus(e.Status),
		ScheduledAt:  e.ScheduledAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toCampaignModels(entities []*CampaignEntity) []*model.Campaign {
	if entities == nil {
		return nil
	}
	models := make([]*model.Campaign, len(entities))
	for i, e := range entities {
		models[i] = toCampaignModel(e)
	}
	return models
}
