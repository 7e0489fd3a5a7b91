package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"gorm.io/gorm"
)

// ErrCredentialInactive is returned when the referenced credential
// exists but has been revoked.
var ErrCredentialInactive = errors.New("credential is not active")

type CredentialEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	UserID    int64     `db:"user_id"    gorm:"column:user_id;not null;index"`
	APIKey    string    `db:"api_key"    gorm:"column:api_key;not null"`
	Active    bool      `db:"active"     gorm:"column:active;not null"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (CredentialEntity) TableName() string {
	return "credentials"
}

type CredentialRepository struct {
	*pg.DB
}

func NewCredentialRepository(db *pg.DB) *CredentialRepository {
	return &CredentialRepository{
		db,
	}
}

// GetActive returns the credential only when it is still active. A
// revoked key is a dispatch-time failure, not something to send with.
func (r *CredentialRepository) GetActive(ctx context.Context, id int64) (*model.Credential, error) {
	var entity CredentialEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !entity.Active {
		return nil, ErrCredentialInactive
	}
	return &model.Credential{
		ID:        entity.ID,
		UserID:    entity.UserID,
		APIKey:    entity.APIKey,
		Active:    entity.Active,
		CreatedAt: entity.CreatedAt,
	}, nil
}
