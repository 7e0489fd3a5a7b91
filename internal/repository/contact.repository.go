package repository

import (
	"context"
	"errors"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"gorm.io/gorm"
)

type ContactRepository struct {
	*pg.DB
}

func NewContactRepository(db *pg.DB) *ContactRepository {
	return &ContactRepository{
		db,
	}
}

// ListByGroup resolves the membership of a contact group. The worker
// calls this at send time, not at campaign creation, so membership
// changes up to the send moment are honored.
func (r *ContactRepository) ListByGroup(ctx context.Context, groupID int64) ([]*model.Contact, error) {
	var entities []*ContactEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toContactModels(entities), nil
}

func (r *ContactRepository) GetGroup(ctx context.Context, groupID int64) (*model.ContactGroup, error) {
	var entity ContactGroupEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", groupID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &model.ContactGroup{
		ID:        entity.ID,
		Name:      entity.Name,
		CreatedAt: entity.CreatedAt,
	}, nil
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	entity := toContactEntity(c)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toContactModel(entity), nil
}
