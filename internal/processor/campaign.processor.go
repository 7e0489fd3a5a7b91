package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	gateway "github.com/pulsemail/campaign-gateway/internal/gateways"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/internal/services"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/prom"
	"github.com/pulsemail/campaign-gateway/pkg/worker"
)

// errCampaignAborted signals that the send message is finished even
// though no fan-out happened (campaign gone, already sent, credential
// dead). The message is acknowledged, not requeued.
var errCampaignAborted = errors.New("campaign aborted")

type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	UpdateStatusFrom(ctx context.Context, id int64, from, to model.CampaignStatus) (bool, error)
}

type DeliveryStore interface {
	BulkCreatePending(ctx context.Context, campaignID int64, contacts []*model.Contact) (int64, error)
	ListPending(ctx context.Context, campaignID int64) ([]*model.DeliveryRecord, error)
	MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	CountByStatus(ctx context.Context, campaignID int64) (model.DeliveryCounts, error)
}

type ContactStore interface {
	ListByGroup(ctx context.Context, groupID int64) ([]*model.Contact, error)
}

type CredentialStore interface {
	GetActive(ctx context.Context, id int64) (*model.Credential, error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, apiKey string, req *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error)
}

// CampaignProcessor consumes send messages and performs the fan-out:
// resolve the recipient group at send time, create pending delivery
// records (idempotently), send each pending record through the provider
// on the bounded pool, then recompute the campaign status from the
// record counts. The send message is acknowledged only after the status
// recompute, so a crash mid-fan-out redelivers the whole campaign and
// the pending-only guards skip everything already attempted.
type CampaignProcessor struct {
	campaigns   CampaignStore
	deliveries  DeliveryStore
	contacts    ContactStore
	credentials CredentialStore
	sender      EmailSender
	lock        *CampaignLock
	pool        *worker.Pool
	metrics     *ServiceMetrics
	now         func() time.Time
}

func NewCampaignProcessor(
	campaigns CampaignStore,
	deliveries DeliveryStore,
	contacts ContactStore,
	credentials CredentialStore,
	sender EmailSender,
	lock *CampaignLock,
	pool *worker.Pool,
) *CampaignProcessor {
	return &CampaignProcessor{
		campaigns:   campaigns,
		deliveries:  deliveries,
		contacts:    contacts,
		credentials: credentials,
		sender:      sender,
		lock:        lock,
		pool:        pool,
		metrics:     NewServiceMetrics(),
		now:         time.Now,
	}
}

func (p *CampaignProcessor) Metrics() *ServiceMetrics {
	return p.metrics
}

// Handle processes one send message end to end.
func (p *CampaignProcessor) Handle(d *broker.Delivery) {
	var msg model.SendMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("dropping malformed send message", "error", err, "message_id", d.MessageID)
		d.Ack()
		return
	}

	if err := p.lock.Acquire(msg.CampaignID); err != nil {
		if errors.Is(err, ErrLockHeld) {
			logger.Info("campaign locked by another worker, requeueing", "campaign_id", msg.CampaignID)
		} else {
			logger.Error("campaign lock error, requeueing", "campaign_id", msg.CampaignID, "error", err)
		}
		d.Nack(true)
		return
	}
	defer p.lock.Release(msg.CampaignID)

	start := time.Now()
	err := p.fanOut(context.Background(), msg.CampaignID)
	switch {
	case err == nil:
		duration := time.Since(start)
		p.metrics.RecordCampaign(duration)
		prom.ObserveCampaignFanoutDuration(duration.Seconds())
		d.Ack()
	case errors.Is(err, errCampaignAborted):
		d.Ack()
	default:
		p.metrics.RecordCampaignFailure()
		logger.Error("campaign fan-out failed, requeueing",
			"campaign_id", msg.CampaignID, "redelivered", d.Redelivered, "error", err)
		d.Nack(true)
	}
}

func (p *CampaignProcessor) fanOut(ctx context.Context, campaignID int64) error {
	campaign, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("campaign no longer exists, dropping", "campaign_id", campaignID)
			return errCampaignAborted
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.Sendable() {
		logger.Info("campaign not sendable, dropping",
			"campaign_id", campaignID, "status", string(campaign.Status))
		return errCampaignAborted
	}

	if campaign.Status != model.CampaignStatusSending {
		swapped, err := p.campaigns.UpdateStatusFrom(ctx, campaignID, campaign.Status, model.CampaignStatusSending)
		if err != nil {
			return fmt.Errorf("mark sending: %w", err)
		}
		if !swapped {
			return fmt.Errorf("campaign %d changed status during dispatch", campaignID)
		}
	}

	cred, err := p.credentials.GetActive(ctx, campaign.CredentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrCredentialInactive) {
			logger.Error("campaign has no usable credential, marking failed",
				"campaign_id", campaignID, "credential_id", campaign.CredentialID, "error", err)
			if updErr := p.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusFailed); updErr != nil {
				return fmt.Errorf("mark failed: %w", updErr)
			}
			return errCampaignAborted
		}
		return fmt.Errorf("load credential: %w", err)
	}

	// Membership is resolved now, not at creation time, so contacts
	// added to the group up to this moment are included.
	contacts, err := p.contacts.ListByGroup(ctx, campaign.GroupID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	created, err := p.deliveries.BulkCreatePending(ctx, campaignID, contacts)
	if err != nil {
		return fmt.Errorf("create delivery records: %w", err)
	}
	prom.AddCampaignRecipients(float64(created))

	pending, err := p.deliveries.ListPending(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}

	logger.Info("campaign fan-out starting",
		"campaign_id", campaignID,
		"group_size", len(contacts),
		"new_records", created,
		"pending", len(pending))

	contactByID := make(map[int64]*model.Contact, len(contacts))
	for _, c := range contacts {
		contactByID[c.ID] = c
	}

	var wg sync.WaitGroup
	var sent, failed, authFailed atomic.Int64
	for _, rec := range pending {
		rec := rec
		contact := contactByID[rec.ContactID]
		wg.Add(1)
		p.pool.Submit(func(_ int) {
			defer wg.Done()
			p.sendOne(ctx, campaign, cred, rec, contact, &sent, &failed, &authFailed)
		})
	}
	wg.Wait()

	attempted := sent.Load() + failed.Load()

	// Every attempt rejected for auth means the credential is bad, not
	// the recipients. The campaign as a whole failed.
	if attempted > 0 && authFailed.Load() == attempted {
		logger.Error("all sends failed authentication, marking campaign failed",
			"campaign_id", campaignID, "attempts", attempted)
		if err := p.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusFailed); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	counts, err := p.deliveries.CountByStatus(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("count delivery records: %w", err)
	}
	status := model.DeriveCampaignStatus(counts)
	if err := p.campaigns.UpdateStatus(ctx, campaignID, status); err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}

	logger.Info("campaign fan-out complete",
		"campaign_id", campaignID,
		"status", string(status),
		"sent", sent.Load(),
		"failed", failed.Load())
	return nil
}

func (p *CampaignProcessor) sendOne(
	ctx context.Context,
	campaign *model.Campaign,
	cred *model.Credential,
	rec *model.DeliveryRecord,
	contact *model.Contact,
	sent, failed, authFailed *atomic.Int64,
) {
	if contact == nil {
		// The contact left the group between record creation and now.
		p.markFailed(ctx, rec, "contact no longer in group", failed)
		return
	}

	req := &gateway.SendEmailRequest{
		To:          rec.Email,
		FromName:    campaign.SenderName,
		FromEmail:   campaign.SenderEmail,
		Subject:     services.RenderTemplate(campaign.Subject, contact),
		BodyHTML:    services.RenderTemplate(campaign.BodyHTML, contact),
		CampaignRef: strconv.FormatInt(campaign.ID, 10),
	}

	resp, err := p.sender.SendEmail(ctx, cred.APIKey, req)
	if err != nil {
		var sendErr *gateway.SendError
		if errors.As(err, &sendErr) && sendErr.Kind == gateway.ErrorAuth {
			authFailed.Add(1)
		}
		logger.Warn("recipient send failed",
			"campaign_id", campaign.ID, "delivery_id", rec.ID, "error", err)
		p.markFailed(ctx, rec, err.Error(), failed)
		return
	}

	if err := p.deliveries.MarkSent(ctx, rec.ID, resp.MessageID, p.now()); err != nil {
		// Accepted by the provider but not recorded; the provider
		// message id is lost for webhook correlation.
		logger.Error("failed to record sent delivery",
			"campaign_id", campaign.ID, "delivery_id", rec.ID,
			"provider_message_id", resp.MessageID, "error", err)
	}
	sent.Add(1)
	p.metrics.RecordDelivery()
	prom.IncDeliveryAttempt("sent")
}

func (p *CampaignProcessor) markFailed(ctx context.Context, rec *model.DeliveryRecord, reason string, failed *atomic.Int64) {
	if err := p.deliveries.MarkFailed(ctx, rec.ID, reason); err != nil {
		logger.Error("failed to record failed delivery", "delivery_id", rec.ID, "error", err)
	}
	failed.Add(1)
	p.metrics.RecordDeliveryFailure()
	prom.IncDeliveryAttempt("failed")
}
