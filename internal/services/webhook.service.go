package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/prom"
)

var (
	ErrUnknownMessage = errors.New("no delivery record for provider message id")
	ErrMissingID      = errors.New("provider message id is required")
)

type WebhookDeliveryRepository interface {
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryRecord, error)
	Save(ctx context.Context, rec *model.DeliveryRecord) error
}

// WebhookService applies provider delivery events to delivery records.
// Providers retry webhooks, so Apply is idempotent: re-applying an
// already-applied event changes nothing and writes nothing.
type WebhookService struct {
	deliveries WebhookDeliveryRepository
	now        func() time.Time
}

func NewWebhookService(deliveries WebhookDeliveryRepository) *WebhookService {
	return &WebhookService{
		deliveries: deliveries,
		now:        time.Now,
	}
}

func (s *WebhookService) Apply(ctx context.Context, payload model.WebhookPayload) error {
	if payload.MessageID == "" {
		return ErrMissingID
	}

	rec, err := s.deliveries.GetByProviderMessageID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Expected for provider test pings and events for deleted
			// campaigns.
			return ErrUnknownMessage
		}
		return fmt.Errorf("load delivery record: %w", err)
	}

	changed := rec.ApplyEvent(payload.Event, payload.Reason, s.now())
	prom.IncWebhookEvent(string(payload.Event))

	if !changed {
		logger.Debug("webhook event applied with no state change",
			"event", string(payload.Event),
			"provider_message_id", payload.MessageID,
			"status", string(rec.Status))
		return nil
	}

	if err := s.deliveries.Save(ctx, rec); err != nil {
		return fmt.Errorf("save delivery record: %w", err)
	}

	logger.Info("delivery event recorded",
		"event", string(payload.Event),
		"provider_message_id", payload.MessageID,
		"delivery_id", rec.ID,
		"status", string(rec.Status))
	return nil
}
