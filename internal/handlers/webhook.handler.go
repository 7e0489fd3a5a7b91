package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/services"
	xhttp "github.com/pulsemail/campaign-gateway/pkg/http"
)

type WebhookService interface {
	Apply(ctx context.Context, payload model.WebhookPayload) error
}

type WebhookHandler struct {
	svc WebhookService
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/email", h.ReceiveEvent)
}

func NewWebhookHandler(webhookService WebhookService) *WebhookHandler {
	return &WebhookHandler{
		svc: webhookService,
	}
}

// ReceiveEvent ingests a provider delivery event. Unknown message ids
// still answer 200: providers retry non-2xx webhooks indefinitely, and
// they replay events and send test pings for messages we never
// dispatched, so a mismatch is acknowledged rather than bounced.
func (h *WebhookHandler) ReceiveEvent(ctx *xhttp.RequestCtx) {
	var payload model.WebhookPayload
	if err := readJSON(ctx, &payload); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	err := h.svc.Apply(ctx, payload)
	switch {
	case err == nil:
		writeJSON(ctx, 200, map[string]string{"status": "accepted"})
	case errors.Is(err, services.ErrMissingID):
		writeError(ctx, 400, err.Error())
	case errors.Is(err, services.ErrUnknownMessage):
		writeJSON(ctx, 200, map[string]string{"status": "ignored", "reason": err.Error()})
	default:
		writeError(ctx, 500, err.Error())
	}
}
