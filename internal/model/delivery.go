package model

import "time"

// DeliveryStatus is the lifecycle state of a single delivery record.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusOpened    DeliveryStatus = "opened"
	DeliveryStatusClicked   DeliveryStatus = "clicked"
	DeliveryStatusBounced   DeliveryStatus = "bounced"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// statusRank orders the happy-path statuses so transitions stay
// monotonic: a record never moves from clicked back to opened when the
// provider retries an older webhook event.
var statusRank = map[DeliveryStatus]int{
	DeliveryStatusPending:   0,
	DeliveryStatusSent:      1,
	DeliveryStatusDelivered: 2,
	DeliveryStatusOpened:    3,
	DeliveryStatusClicked:   4,
}

// Terminal reports whether the status can never change again.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusBounced || s == DeliveryStatusFailed
}

// DeliveryRecord tracks one (campaign, contact) send attempt and the
// provider events that follow it. It is the single source of truth for
// per-recipient state; the worker and the webhook ingestor both write
// here and nowhere else.
type DeliveryRecord struct {
	ID                int64          `json:"id"                  db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID        int64          `json:"campaign_id"         db:"campaign_id"         gorm:"column:campaign_id;not null;uniqueIndex:idx_campaign_contact"`
	ContactID         int64          `json:"contact_id"          db:"contact_id"          gorm:"column:contact_id;not null;uniqueIndex:idx_campaign_contact"`
	Email             string         `json:"email"               db:"email"               gorm:"column:email;not null"`
	ProviderMessageID string         `json:"provider_message_id" db:"provider_message_id" gorm:"column:provider_message_id;index"`
	Status            DeliveryStatus `json:"status"              db:"status"              gorm:"column:status;not null;index"`
	ErrorMessage      string         `json:"error_message,omitempty" db:"error_message"   gorm:"column:error_message"`
	SentAt            *time.Time     `json:"sent_at,omitempty"   db:"sent_at"             gorm:"column:sent_at"`
	OpenedAt          *time.Time     `json:"opened_at,omitempty" db:"opened_at"           gorm:"column:opened_at"`
	ClickedAt         *time.Time     `json:"clicked_at,omitempty" db:"clicked_at"         gorm:"column:clicked_at"`
	CreatedAt         time.Time      `json:"created_at"          db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at"          db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (DeliveryRecord) TableName() string { return "delivery_records" }

// WebhookEventType is the provider's event vocabulary. Providers add
// event types over time, so anything not listed here is ignored.
type WebhookEventType string

const (
	EventDelivered WebhookEventType = "delivered"
	EventOpened    WebhookEventType = "opened"
	EventClicked   WebhookEventType = "clicked"
	EventBounced   WebhookEventType = "bounced"
	EventComplaint WebhookEventType = "complaint"
	EventBlocked   WebhookEventType = "blocked"
)

// eventTarget maps provider events to the status they move a record to.
var eventTarget = map[WebhookEventType]DeliveryStatus{
	EventDelivered: DeliveryStatusDelivered,
	EventOpened:    DeliveryStatusOpened,
	EventClicked:   DeliveryStatusClicked,
	EventBounced:   DeliveryStatusBounced,
	EventComplaint: DeliveryStatusFailed,
	EventBlocked:   DeliveryStatusFailed,
}

// ApplyEvent folds a provider webhook event into the record. It returns
// false when the event changes nothing, either because it is unknown,
// arrives out of order, repeats an event already applied, or hits a
// terminal record. Timestamps are set exactly once, on the transition
// into the corresponding status, so redelivered webhooks are harmless.
func (r *DeliveryRecord) ApplyEvent(event WebhookEventType, reason string, now time.Time) bool {
	target, ok := eventTarget[event]
	if !ok {
		return false
	}
	if r.Status.Terminal() {
		return false
	}
	// Open/click tracking only makes sense for mail that actually went
	// out through the provider.
	if (target == DeliveryStatusOpened || target == DeliveryStatusClicked) && r.ProviderMessageID == "" {
		return false
	}

	switch target {
	case DeliveryStatusBounced:
		r.Status = DeliveryStatusBounced
		r.ErrorMessage = reason
		return true
	case DeliveryStatusFailed:
		r.Status = DeliveryStatusFailed
		r.ErrorMessage = "suppressed by provider: " + string(event)
		return true
	}

	if statusRank[target] <= statusRank[r.Status] {
		return false
	}

	r.Status = target
	switch target {
	case DeliveryStatusOpened:
		if r.OpenedAt == nil {
			t := now
			r.OpenedAt = &t
		}
	case DeliveryStatusClicked:
		if r.ClickedAt == nil {
			t := now
			r.ClickedAt = &t
		}
		// A click implies an open even when the open pixel was blocked.
		if r.OpenedAt == nil {
			t := now
			r.OpenedAt = &t
		}
	}
	return true
}

// DeliveryCounts is the per-status breakdown behind the progress query.
type DeliveryCounts map[DeliveryStatus]int64

// Total sums all statuses.
func (c DeliveryCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Attempted counts records the worker has resolved one way or the other.
func (c DeliveryCounts) Attempted() int64 {
	return c.Total() - c[DeliveryStatusPending]
}
