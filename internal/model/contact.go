package model

import "time"

// Contact is one member of a contact group. Attributes carries the
// free-form personalization fields ({{first_name}} and friends) the
// template renderer substitutes at send time.
type Contact struct {
	ID         int64             `json:"id"         db:"id"`
	GroupID    int64             `json:"group_id"   db:"group_id"`
	Email      string            `json:"email"      db:"email"`
	Name       string            `json:"name"       db:"name"`
	Attributes map[string]string `json:"attributes" db:"attributes"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

type ContactGroup struct {
	ID        int64     `json:"id"         db:"id"`
	Name      string    `json:"name"       db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Credential holds a provider API key. A user may rotate keys; only the
// active one is used for sending.
type Credential struct {
	ID        int64     `json:"id"         db:"id"`
	UserID    int64     `json:"user_id"    db:"user_id"`
	APIKey    string    `json:"-"          db:"api_key"`
	Active    bool      `json:"active"     db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
