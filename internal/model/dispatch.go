package model

import "time"

// Queue names used across producer and workers. Both queues are durable
// and carry JSON payloads with the persistent delivery flag.
const (
	QueueSend     = "campaign.send"
	QueueSchedule = "campaign.schedule"
)

// SendMessage triggers an immediate fan-out for a campaign. All mutable
// state lives in the delivery record store, so the payload is just the
// id and safe to redeliver.
type SendMessage struct {
	CampaignID int64 `json:"campaignId"`
}

// ScheduleMessage defers a campaign until ScheduledTime. The scheduler
// worker holds it and republishes a SendMessage when the time arrives.
type ScheduleMessage struct {
	CampaignID    int64     `json:"campaignId"`
	ScheduledTime time.Time `json:"scheduledTime"`
}

// WebhookPayload is the provider's delivery event callback body.
type WebhookPayload struct {
	Event     WebhookEventType `json:"event"`
	Email     string           `json:"email"`
	MessageID string           `json:"message_id"`
	Reason    string           `json:"reason,omitempty"`
}

// CampaignProgress is the UI polling response: per-status counts plus
// an integer attempted/total percentage.
type CampaignProgress struct {
	Progress     int              `json:"progress"`
	TotalCount   int64            `json:"totalCount"`
	StatusCounts map[string]int64 `json:"statusCounts"`
}

// NewCampaignProgress derives the progress response from raw counts.
func NewCampaignProgress(counts DeliveryCounts) CampaignProgress {
	total := counts.Total()
	progress := 0
	if total > 0 {
		progress = int(counts.Attempted() * 100 / total)
	}

	statusCounts := make(map[string]int64, len(counts))
	for status, n := range counts {
		statusCounts[string(status)] = n
	}

	return CampaignProgress{
		Progress:     progress,
		TotalCount:   total,
		StatusCounts: statusCounts,
	}
}
