package model

import (
	"errors"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusSent      CampaignStatus = "sent"
	CampaignStatusFailed    CampaignStatus = "failed"
)

type Campaign struct {
	ID           int64          `json:"id"            db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	Name         string         `json:"name"          db:"name"          gorm:"column:name;not null"`
	Subject      string         `json:"subject"       db:"subject"       gorm:"column:subject;not null"`
	SenderName   string         `json:"sender_name"   db:"sender_name"   gorm:"column:sender_name;not null"`
	SenderEmail  string         `json:"sender_email"  db:"sender_email"  gorm:"column:sender_email;not null"`
	BodyHTML     string         `json:"body_html"     db:"body_html"     gorm:"column:body_html;not null"`
	GroupID      int64          `json:"group_id"      db:"group_id"      gorm:"column:group_id;not null;index"`
	CredentialID int64          `json:"credential_id" db:"credential_id" gorm:"column:credential_id;not null"`
	Status       CampaignStatus `json:"status"        db:"status"        gorm:"column:status;not null;index"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at" gorm:"column:scheduled_at"`
	CreatedAt    time.Time      `json:"created_at"    db:"created_at"    gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at"    db:"updated_at"    gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName() string { return "campaigns" }

// CanMutate reports whether campaign attributes may still be edited.
// Once a campaign has left draft its content is frozen.
func (c *Campaign) CanMutate() bool {
	return c.Status == CampaignStatusDraft
}

// CanDelete reports whether the campaign may be deleted. Deleting a
// sending campaign would race the worker fan-out, so only draft and
// scheduled campaigns qualify.
func (c *Campaign) CanDelete() bool {
	return c.Status == CampaignStatusDraft || c.Status == CampaignStatusScheduled
}

// Sendable reports whether a worker may start (or resume) the fan-out.
// Sending is included so a redelivered send message can resume a run
// that crashed midway.
func (c *Campaign) Sendable() bool {
	switch c.Status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending:
		return true
	}
	return false
}

// CampaignCreateRequest is the input for creating a campaign.
type CampaignCreateRequest struct {
	Name         string
	Subject      string
	SenderName   string
	SenderEmail  string
	BodyHTML     string
	GroupID      int64
	CredentialID int64
	ScheduledAt  *time.Time
}

func (p CampaignCreateRequest) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Subject == "" {
		return errors.New("subject is required")
	}
	if p.SenderEmail == "" {
		return errors.New("sender_email is required")
	}
	if p.BodyHTML == "" {
		return errors.New("body_html is required")
	}
	if p.GroupID == 0 {
		return errors.New("group_id is required")
	}
	if p.CredentialID == 0 {
		return errors.New("credential_id is required")
	}
	return nil
}

// CampaignFilter controls List queries.
type CampaignFilter struct {
	Statuses []CampaignStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	Desc     bool
}

// DeriveCampaignStatus computes the campaign status implied by its
// delivery record counts after a fan-out run. Every component that
// needs to recompute campaign state goes through this one function.
//
// The rule: a run is complete when no record is still pending, and a
// complete run counts as sent even when individual recipients bounced
// or failed. Campaign-level failure is reserved for a bad credential or
// sender, which the worker detects during the run (every attempt
// rejected with the same auth error) and writes directly; per-recipient
// failures never add up to a failed campaign here.
func DeriveCampaignStatus(counts map[DeliveryStatus]int64) CampaignStatus {
	if counts[DeliveryStatusPending] > 0 {
		return CampaignStatusSending
	}
	return CampaignStatusSent
}
