package repository

import (
	"encoding/json"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
)

type ContactEntity struct {
	ID         int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	GroupID    int64     `db:"group_id"   gorm:"column:group_id;not null;index"`
	Email      string    `db:"email"      gorm:"column:email;not null"`
	Name       string    `db:"name"       gorm:"column:name"`
	Attributes string    `db:"attributes" gorm:"column:attributes"` // JSON object
	CreatedAt  time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (ContactEntity) TableName() string {
	return "contacts"
}

type ContactGroupEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	Name      string    `db:"name"       gorm:"column:name;not null"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (ContactGroupEntity) TableName() string {
	return "contact_groups"
}

func toContactEntity(m *model.Contact) *ContactEntity {
	if m == nil {
		return nil
	}
	attrs := ""
	if len(m.Attributes) > 0 {
		if b, err := json.Marshal(m.Attributes); err == nil {
			attrs = string(b)
		}
	}
	return &ContactEntity{
		ID:         m.ID,
		GroupID:    m.GroupID,
		Email:      m.Email,
		Name:       m.Name,
		Attributes: attrs,
		CreatedAt:  m.CreatedAt,
	}
}

func toContactModel(e *ContactEntity) *model.Contact {
	if e == nil {
		return nil
	}
	var attrs map[string]string
	if e.Attributes != "" {
		// A malformed attributes blob degrades to no personalization
		// rather than failing the whole fan-out.
		_ = json.Unmarshal([]byte(e.Attributes), &attrs)
	}
	return &model.Contact{
		ID:         e.ID,
		GroupID:    e.GroupID,
		Email:      e.Email,
		Name:       e.Name,
		Attributes: attrs,
		CreatedAt:  e.CreatedAt,
	}
}

func toContactModels(entities []*ContactEntity) []*model.Contact {
	if entities == nil {
		return nil
	}
	models := make([]*model.Contact, len(entities))
	for i, e := range entities {
		models[i] = toContactModel(e)
	}
	return models
}
