package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) Apply(ctx context.Context, payload model.WebhookPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func TestWebhookHandler_ReceiveEvent(t *testing.T) {
	t.Run("known message id", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := model.WebhookPayload{
			Event:     model.EventDelivered,
			Email:     "alice@acme.test",
			MessageID: "prov-123",
		}
		bodyBytes, _ := json.Marshal(payload)

		svc.On("Apply", mock.Anything, mock.MatchedBy(func(p model.WebhookPayload) bool {
			return p.MessageID == "prov-123" && p.Event == model.EventDelivered
		})).Return(nil)

		ctx := setupTestContext("POST", "/webhooks/email", bodyBytes)
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("unknown message id is acknowledged", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := model.WebhookPayload{Event: model.EventDelivered, MessageID: "never-sent"}
		bodyBytes, _ := json.Marshal(payload)

		svc.On("Apply", mock.Anything, mock.Anything).Return(services.ErrUnknownMessage)

		ctx := setupTestContext("POST", "/webhooks/email", bodyBytes)
		handler.ReceiveEvent(ctx)

		// A non-2xx here would make the provider retry the event forever.
		assert.Equal(t, 200, ctx.Response.StatusCode())
		assert.Contains(t, string(ctx.Response.Body()), "ignored")
	})

	t.Run("missing message id", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := model.WebhookPayload{Event: model.EventBounced}
		bodyBytes, _ := json.Marshal(payload)

		svc.On("Apply", mock.Anything, mock.Anything).Return(services.ErrMissingID)

		ctx := setupTestContext("POST", "/webhooks/email", bodyBytes)
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("bounce with reason is forwarded", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := model.WebhookPayload{
			Event:     model.EventBounced,
			Email:     "bob@acme.test",
			MessageID: "prov-456",
			Reason:    "mailbox full",
		}
		bodyBytes, _ := json.Marshal(payload)

		svc.On("Apply", mock.Anything, mock.MatchedBy(func(p model.WebhookPayload) bool {
			return p.Reason == "mailbox full"
		})).Return(nil)

		ctx := setupTestContext("POST", "/webhooks/email", bodyBytes)
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		ctx := setupTestContext("POST", "/webhooks/email", []byte("{broken"))
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())

		var response map[string]string
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Contains(t, response["error"], "invalid JSON")
		svc.AssertNotCalled(t, "Apply")
	})

	t.Run("store failure maps to 500", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := model.WebhookPayload{Event: model.EventOpened, MessageID: "prov-789"}
		bodyBytes, _ := json.Marshal(payload)

		svc.On("Apply", mock.Anything, mock.Anything).Return(errors.New("db down"))

		ctx := setupTestContext("POST", "/webhooks/email", bodyBytes)
		handler.ReceiveEvent(ctx)

		assert.Equal(t, 500, ctx.Response.StatusCode())
	})
}
