package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
)

type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
}

// Scheduler consumes the schedule queue. Each message is held on a
// timer until its scheduled time, re-checked against the campaign's
// current status and republished to the send queue. The original
// message is acknowledged only after the republish is confirmed, so a
// crash between timer expiry and republish just means redelivery.
//
// With prefetch 1 a scheduler process holds at most one pending
// campaign at a time; run more processes to hold more.
type Scheduler struct {
	broker    broker.Broker
	campaigns CampaignStore
	now       func() time.Time
	stopCh    chan struct{}
}

func New(b broker.Broker, campaigns CampaignStore) *Scheduler {
	return &Scheduler{
		broker:    b,
		campaigns: campaigns,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Run registers the consumer and returns. Deliveries are handled on the
// broker's consumer goroutine until Stop is called.
func (s *Scheduler) Run() error {
	return s.broker.Consume(model.QueueSchedule, s.handle)
}

// Stop interrupts any in-progress timer wait. The interrupted delivery
// is requeued for the next scheduler process.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) handle(d *broker.Delivery) {
	var msg model.ScheduleMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Malformed payloads would fail identically on every
		// redelivery. Ack and drop.
		logger.Error("dropping malformed schedule message", "error", err, "message_id", d.MessageID)
		d.Ack()
		return
	}

	if !s.waitUntil(msg.ScheduledTime) {
		logger.Info("scheduler stopping, requeueing schedule message", "campaign_id", msg.CampaignID)
		d.Nack(true)
		return
	}

	ctx := context.Background()
	campaign, err := s.campaigns.GetByID(ctx, msg.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("scheduled campaign no longer exists, dropping", "campaign_id", msg.CampaignID)
			d.Ack()
			return
		}
		logger.Error("failed to load scheduled campaign, requeueing", "campaign_id", msg.CampaignID, "error", err)
		d.Nack(true)
		return
	}

	// A redelivered message may race a campaign that was already
	// released, sent or deleted. Only a still-scheduled campaign gets
	// republished.
	if campaign.Status != model.CampaignStatusScheduled {
		logger.Info("campaign no longer scheduled, dropping",
			"campaign_id", msg.CampaignID, "status", string(campaign.Status))
		d.Ack()
		return
	}

	ok, err := s.broker.Publish(ctx, model.QueueSend, model.SendMessage{CampaignID: msg.CampaignID})
	if err != nil || !ok {
		logger.Error("failed to release scheduled campaign, requeueing",
			"campaign_id", msg.CampaignID, "confirmed", ok, "error", err)
		d.Nack(true)
		return
	}

	logger.Info("scheduled campaign released to send queue", "campaign_id", msg.CampaignID)
	d.Ack()
}

// waitUntil blocks until t (or returns immediately when t already
// passed, e.g. the worker was down over the due time). Returns false
// when the scheduler was stopped first.
func (s *Scheduler) waitUntil(t time.Time) bool {
	delay := t.Sub(s.now())
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}
