package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryRepository struct {
	*pg.DB
}

func NewDeliveryRepository(db *pg.DB) *DeliveryRepository {
	return &DeliveryRepository{
		db,
	}
}

// BulkCreatePending inserts one pending record per contact, ignoring
// conflicts on (campaign_id, contact_id). This is what makes the
// fan-out idempotent: a redelivered send message re-runs the insert and
// touches nothing that already exists.
func (r *DeliveryRepository) BulkCreatePending(ctx context.Context, campaignID int64, contacts []*model.Contact) (int64, error) {
	if len(contacts) == 0 {
		return 0, nil
	}

	entities := make([]*DeliveryRecordEntity, len(contacts))
	for i, c := range contacts {
		entities[i] = &DeliveryRecordEntity{
			CampaignID: campaignID,
			ContactID:  c.ID,
			Email:      c.Email,
			Status:     string(model.DeliveryStatusPending),
		}
	}

	res := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "contact_id"}},
			DoNothing: true,
		}).
		Create(&entities)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListPending returns the records the worker still has to attempt.
// Records already moved past pending by a previous (crashed) run are
// excluded, so retries never double-send.
func (r *DeliveryRepository) ListPending(ctx context.Context, campaignID int64) ([]*model.DeliveryRecord, error) {
	var entities []*DeliveryRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, string(model.DeliveryStatusPending)).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryRecordModels(entities), nil
}

func (r *DeliveryRepository) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status = ?", id, string(model.DeliveryStatusPending)).
		Updates(map[string]any{
			"status":              string(model.DeliveryStatusSent),
			"provider_message_id": providerMessageID,
			"sent_at":             sentAt,
			"error_message":       "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	res := r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status = ?", id, string(model.DeliveryStatusPending)).
		Updates(map[string]any{
			"status":        string(model.DeliveryStatusFailed),
			"error_message": errorMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DeliveryRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryRecord, error) {
	var entity DeliveryRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		First(&entity, "provider_message_id = ?", providerMessageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toDeliveryRecordModel(&entity), nil
}

// Save writes back a record mutated by ApplyEvent. Webhook writes are
// always scoped to this one row, so concurrent ingestors never contend
// beyond row level.
func (r *DeliveryRepository) Save(ctx context.Context, rec *model.DeliveryRecord) error {
	entity := toDeliveryRecordEntity(rec)
	return r.Write(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ?", entity.ID).
		Updates(map[string]any{
			"status":        entity.Status,
			"error_message": entity.ErrorMessage,
			"opened_at":     entity.OpenedAt,
			"clicked_at":    entity.ClickedAt,
		}).Error
}

func (r *DeliveryRepository) CountByStatus(ctx context.Context, campaignID int64) (model.DeliveryCounts, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.Read(ctx).WithContext(ctx).Model(&DeliveryRecordEntity{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(model.DeliveryCounts, len(rows))
	for _, r := range rows {
		counts[model.DeliveryStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (r *DeliveryRepository) DeleteByCampaign(ctx context.Context, campaignID int64) error {
	return r.Write(ctx).WithContext(ctx).
		Delete(&DeliveryRecordEntity{}, "campaign_id = ?", campaignID).Error
}
