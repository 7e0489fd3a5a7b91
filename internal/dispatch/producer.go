package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
)

var (
	ErrConflictingDispatch = errors.New("exactly one of send-now and schedule may be set")
	ErrScheduleInPast      = errors.New("schedule time is in the past")
	ErrNotDispatchable     = errors.New("campaign is not in a dispatchable status")
	ErrPublishRejected     = errors.New("broker did not confirm the publish")
)

type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Producer turns a campaign transition out of draft into exactly one
// queue publish. The status write and the publish run inside one
// transaction: a failed or unconfirmed publish rolls the status back,
// so a campaign never reads sending or scheduled with no queued work
// behind it.
type Producer struct {
	campaigns CampaignStore
	publisher broker.Publisher
	now       func() time.Time
}

func NewProducer(campaigns CampaignStore, publisher broker.Publisher) *Producer {
	return &Producer{
		campaigns: campaigns,
		publisher: publisher,
		now:       time.Now,
	}
}

// Dispatch publishes the campaign for sending. sendNow publishes to the
// send queue immediately; scheduleAt publishes to the schedule queue.
// Setting both is an error. Setting neither is a no-op: the campaign
// stays draft and nothing is published.
func (p *Producer) Dispatch(ctx context.Context, campaignID int64, sendNow bool, scheduleAt *time.Time) error {
	if sendNow && scheduleAt != nil {
		return ErrConflictingDispatch
	}
	if !sendNow && scheduleAt == nil {
		return nil
	}

	campaign, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.CanMutate() {
		return ErrNotDispatchable
	}

	if sendNow {
		return p.dispatchNow(ctx, campaignID)
	}
	return p.dispatchScheduled(ctx, campaignID, *scheduleAt)
}

func (p *Producer) dispatchNow(ctx context.Context, campaignID int64) error {
	err := p.campaigns.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := p.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusSending); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return p.publish(ctx, model.QueueSend, model.SendMessage{CampaignID: campaignID})
	})
	if err != nil {
		return err
	}

	logger.Info("campaign dispatched", "campaign_id", campaignID, "queue", model.QueueSend)
	return nil
}

func (p *Producer) dispatchScheduled(ctx context.Context, campaignID int64, scheduleAt time.Time) error {
	// A past timestamp is a caller mistake, not an implicit "now".
	if !scheduleAt.After(p.now()) {
		return ErrScheduleInPast
	}

	err := p.campaigns.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := p.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusScheduled); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return p.publish(ctx, model.QueueSchedule, model.ScheduleMessage{
			CampaignID:    campaignID,
			ScheduledTime: scheduleAt,
		})
	})
	if err != nil {
		return err
	}

	logger.Info("campaign scheduled",
		"campaign_id", campaignID, "queue", model.QueueSchedule, "scheduled_at", scheduleAt)
	return nil
}

func (p *Producer) publish(ctx context.Context, queue string, payload any) error {
	ok, err := p.publisher.Publish(ctx, queue, payload)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	if !ok {
		return ErrPublishRejected
	}
	return nil
}
