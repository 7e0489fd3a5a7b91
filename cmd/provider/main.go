package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mock transactional email provider for local development. Accepts the
// same send API the gateway talks to and, when a webhook URL is
// configured, plays back a plausible delivery event sequence against
// the gateway's ingest endpoint.

// SendEmailRequest is the inbound send payload.
type SendEmailRequest struct {
	To          string `json:"to" binding:"required"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email" binding:"required"`
	Subject     string `json:"subject" binding:"required"`
	BodyHTML    string `json:"body_html" binding:"required"`
	CampaignRef string `json:"campaign_ref"`
}

// SendEmailResponse is returned on accepted sends.
type SendEmailResponse struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// WebhookEvent is the callback body posted to the gateway.
type WebhookEvent struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status       string    `json:"status"`
	ProviderID   string    `json:"provider_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
}

// MockProvider simulates a sending provider: random accept latency,
// a tunable delivery rate and asynchronous webhook playback.
type MockProvider struct {
	deliveryRate float64
	openRate     float64
	clickRate    float64
	minDelay     time.Duration
	maxDelay     time.Duration
	providerID   string
	apiKey       string
	webhookURL   string
	rng          *rand.Rand
	httpClient   *http.Client
}

func NewMockProvider(deliveryRate float64, minDelay, maxDelay time.Duration, apiKey, webhookURL string) *MockProvider {
	return &MockProvider{
		deliveryRate: deliveryRate,
		openRate:     0.4,
		clickRate:    0.1,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		providerID:   "MOCK_PROVIDER_" + uuid.New().String()[:8],
		apiKey:       apiKey,
		webhookURL:   webhookURL,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *MockProvider) accept(req *SendEmailRequest) *SendEmailResponse {
	time.Sleep(m.randomDelay())

	resp := &SendEmailResponse{
		MessageID:  uuid.New().String(),
		AcceptedAt: time.Now(),
	}

	log.Info().
		Str("message_id", resp.MessageID).
		Str("to", req.To).
		Str("campaign_ref", req.CampaignRef).
		Msg("email accepted")

	if m.webhookURL != "" {
		go m.playback(resp.MessageID, req.To)
	}
	return resp
}

// playback fires the delivery event sequence a real provider would:
// delivered (or bounced), then possibly opened, then possibly clicked.
func (m *MockProvider) playback(messageID, email string) {
	time.Sleep(m.randomDelay())

	if m.rng.Float64() >= m.deliveryRate {
		m.postEvent(WebhookEvent{
			Event:     "bounced",
			Email:     email,
			MessageID: messageID,
			Reason:    m.randomBounceReason(),
		})
		return
	}

	m.postEvent(WebhookEvent{Event: "delivered", Email: email, MessageID: messageID})

	if m.rng.Float64() < m.openRate {
		time.Sleep(m.randomDelay())
		m.postEvent(WebhookEvent{Event: "opened", Email: email, MessageID: messageID})

		if m.rng.Float64() < m.clickRate {
			time.Sleep(m.randomDelay())
			m.postEvent(WebhookEvent{Event: "clicked", Email: email, MessageID: messageID})
		}
	}
}

func (m *MockProvider) postEvent(ev WebhookEvent) {
	body, _ := json.Marshal(ev)
	resp, err := m.httpClient.Post(m.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().
			Str("message_id", ev.MessageID).
			Str("event", ev.Event).
			Err(err).
			Msg("webhook post failed")
		return
	}
	resp.Body.Close()

	log.Info().
		Str("message_id", ev.MessageID).
		Str("event", ev.Event).
		Int("status", resp.StatusCode).
		Msg("webhook posted")
}

func (m *MockProvider) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProvider) randomBounceReason() string {
	reasons := []string{
		"mailbox does not exist",
		"mailbox full",
		"message rejected by recipient server",
		"domain not found",
	}
	return reasons[m.rng.Intn(len(reasons))]
}

// Handler holds the mock provider and its routes.
type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

// SendEmail handles send requests the way the real API does: bad
// bearer token gets 401, malformed payloads 400, everything else is
// accepted with a message id.
func (h *Handler) SendEmail(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if h.provider.apiKey != "" && auth != "Bearer "+h.provider.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
		return
	}

	// Simulate occasional rate limiting.
	if h.provider.rng.Float64() < 0.02 {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	c.JSON(http.StatusOK, h.provider.accept(&req))
}

// HealthCheck reports provider health with a simulated 5% downtime.
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.provider.rng.Float64() < 0.05 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  "provider temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		ProviderID:   h.provider.providerID,
		Timestamp:    time.Now(),
		DeliveryRate: h.provider.deliveryRate,
	})
}

// UpdateConfig changes the delivery rate at runtime so failure paths
// can be exercised without restarting.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		DeliveryRate *float64 `json:"delivery_rate"`
		OpenRate     *float64 `json:"open_rate"`
		ClickRate    *float64 `json:"click_rate"`
	}

	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
		return
	}

	if cfg.DeliveryRate != nil && *cfg.DeliveryRate >= 0 && *cfg.DeliveryRate <= 1.0 {
		h.provider.deliveryRate = *cfg.DeliveryRate
		log.Info().Float64("rate", *cfg.DeliveryRate).Msg("updated delivery rate")
	}
	if cfg.OpenRate != nil && *cfg.OpenRate >= 0 && *cfg.OpenRate <= 1.0 {
		h.provider.openRate = *cfg.OpenRate
	}
	if cfg.ClickRate != nil && *cfg.ClickRate >= 0 && *cfg.ClickRate <= 1.0 {
		h.provider.clickRate = *cfg.ClickRate
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := envOr("MOCK_PROVIDER_PORT", "9200")
	apiKey := envOr("MOCK_PROVIDER_API_KEY", "")
	webhookURL := envOr("MOCK_PROVIDER_WEBHOOK_URL", "")
	deliveryRate := 0.92

	provider := NewMockProvider(deliveryRate, 50*time.Millisecond, 400*time.Millisecond, apiKey, webhookURL)
	handler := NewHandler(provider)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/email/send", handler.SendEmail)
	r.GET("/health", handler.HealthCheck)
	r.PUT("/config", handler.UpdateConfig)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		log.Info().
			Str("port", port).
			Str("provider_id", provider.providerID).
			Float64("delivery_rate", deliveryRate).
			Bool("webhooks", webhookURL != "").
			Msg("mock email provider listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	fmt.Println("mock provider stopped")
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
