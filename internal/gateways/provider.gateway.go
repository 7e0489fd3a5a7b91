package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

var ErrCircuitOpen = errors.New("provider circuit open")

// ErrorKind classifies a rejected send so callers can decide between
// giving up on one recipient, retrying, or aborting the whole campaign.
type ErrorKind string

const (
	// ErrorAuth means the credential was rejected. Every send of the
	// campaign would fail the same way.
	ErrorAuth ErrorKind = "auth"
	// ErrorRate means the provider throttled us. Retryable.
	ErrorRate ErrorKind = "rate_limited"
	// ErrorRejected means the provider refused this recipient
	// permanently (bad address, suppression list).
	ErrorRejected ErrorKind = "rejected"
	// ErrorTransient covers network errors and provider 5xx.
	ErrorTransient ErrorKind = "transient"
)

type SendError struct {
	Kind       ErrorKind
	StatusCode int
	Reason     string
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider send failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("provider send failed (%s): %s", e.Kind, e.Reason)
}

func (e *SendError) Retryable() bool {
	return e.Kind == ErrorRate || e.Kind == ErrorTransient
}

type SendEmailRequest struct {
	To          string `json:"to"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	Subject     string `json:"subject"`
	BodyHTML    string `json:"body_html"`
	CampaignRef string `json:"campaign_ref,omitempty"`
}

type SendEmailResponse struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type Config struct {
	URL              string
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	MaxConns         int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type clientMetrics struct {
	totalRequests    atomic.Int64
	successfulReqs   atomic.Int64
	failedReqs       atomic.Int64
	totalLatencyMs   atomic.Int64
	consecutiveFails atomic.Int32
}

func (m *clientMetrics) recordSuccess(latencyMs int64) {
	m.totalRequests.Add(1)
	m.successfulReqs.Add(1)
	m.totalLatencyMs.Add(latencyMs)
	m.consecutiveFails.Store(0)
}

func (m *clientMetrics) recordFailure() {
	m.totalRequests.Add(1)
	m.failedReqs.Add(1)
	m.consecutiveFails.Add(1)
}

func (m *clientMetrics) avgLatencyMs() int64 {
	total := m.successfulReqs.Load()
	if total == 0 {
		return 0
	}
	return m.totalLatencyMs.Load() / total
}

// EmailClient talks to the transactional email provider's HTTP API.
// A send that keeps failing with transport errors or 5xx trips a
// circuit; while the circuit is open every send fails fast with
// ErrCircuitOpen so a stuck provider does not hold worker slots.
type EmailClient struct {
	config           *Config
	client           *fasthttp.Client
	metrics          *clientMetrics
	circuitOpenUntil atomic.Int64
}

func NewEmailClient(config *Config) (*EmailClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.URL == "" {
		return nil, errors.New("provider url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 256
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = time.Minute
	}

	c := &EmailClient{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		metrics: &clientMetrics{},
	}

	logger.Info("email provider client initialized", "url", config.URL, "timeout", config.Timeout)

	return c, nil
}

// SendEmail submits one message. Rate-limited and transient failures
// are retried up to MaxRetries times; auth and rejection errors are
// returned immediately.
func (c *EmailClient) SendEmail(ctx context.Context, apiKey string, req *SendEmailRequest) (*SendEmailResponse, error) {
	if !c.Available() {
		return nil, ErrCircuitOpen
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		startTime := time.Now()
		resp, err := c.doSend(ctx, apiKey, reqBody)
		latency := time.Since(startTime).Milliseconds()

		if err == nil {
			c.metrics.recordSuccess(latency)
			logger.Debug("email accepted by provider",
				"to", req.To, "provider_message_id", resp.MessageID, "latency_ms", latency)
			return resp, nil
		}

		var sendErr *SendError
		if errors.As(err, &sendErr) && sendErr.Kind == ErrorTransient {
			c.metrics.recordFailure()
			c.checkCircuitBreaker()
		}

		if !errors.As(err, &sendErr) || !sendErr.Retryable() {
			return nil, err
		}

		logger.Warn("provider send failed, retrying",
			"error", err, "to", req.To, "attempt", attempt+1)
		lastErr = err
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *EmailClient) doSend(ctx context.Context, apiKey string, body []byte) (*SendEmailResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL + "/v1/email/send")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, &SendError{Kind: ErrorTransient, Reason: err.Error()}
	}

	statusCode := resp.StatusCode()
	if statusCode == fasthttp.StatusOK || statusCode == fasthttp.StatusAccepted {
		var out SendEmailResponse
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, &SendError{Kind: ErrorTransient, StatusCode: statusCode,
				Reason: "malformed provider response: " + err.Error()}
		}
		if out.MessageID == "" {
			return nil, &SendError{Kind: ErrorTransient, StatusCode: statusCode,
				Reason: "provider response missing message_id"}
		}
		return &out, nil
	}

	return nil, classifyStatus(statusCode, resp.Body())
}

func classifyStatus(statusCode int, body []byte) *SendError {
	reason := providerReason(body)

	switch {
	case statusCode == fasthttp.StatusUnauthorized || statusCode == fasthttp.StatusForbidden:
		return &SendError{Kind: ErrorAuth, StatusCode: statusCode, Reason: reason}
	case statusCode == fasthttp.StatusTooManyRequests:
		return &SendError{Kind: ErrorRate, StatusCode: statusCode, Reason: reason}
	case statusCode >= 400 && statusCode < 500:
		return &SendError{Kind: ErrorRejected, StatusCode: statusCode, Reason: reason}
	default:
		return &SendError{Kind: ErrorTransient, StatusCode: statusCode, Reason: reason}
	}
}

func providerReason(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	reason := string(body)
	if len(reason) > 200 {
		reason = reason[:200]
	}
	if reason == "" {
		reason = "no response body"
	}
	return reason
}

// Available reports whether the circuit allows sends. An expired
// cooldown closes the circuit on the next call.
func (c *EmailClient) Available() bool {
	openUntil := c.circuitOpenUntil.Load()
	if openUntil == 0 {
		return true
	}
	if time.Now().Unix() > openUntil {
		c.circuitOpenUntil.Store(0)
		c.metrics.consecutiveFails.Store(0)
		logger.Info("provider circuit closed after cooldown")
		return true
	}
	return false
}

func (c *EmailClient) checkCircuitBreaker() {
	consecutiveFails := c.metrics.consecutiveFails.Load()
	if consecutiveFails >= int32(c.config.BreakerThreshold) {
		openUntil := time.Now().Add(c.config.BreakerCooldown).Unix()
		c.circuitOpenUntil.Store(openUntil)
		logger.Warn("provider circuit opened",
			"consecutive_fails", consecutiveFails, "cooldown", c.config.BreakerCooldown)
	}
}

// Healthy probes the provider's health endpoint.
func (c *EmailClient) Healthy(ctx context.Context) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return false
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return false
	}
	return health.Status == "healthy"
}

type ClientStats struct {
	TotalRequests    int64
	SuccessfulReqs   int64
	FailedReqs       int64
	AvgLatencyMs     int64
	ConsecutiveFails int32
	CircuitOpen      bool
}

func (c *EmailClient) Stats() ClientStats {
	return ClientStats{
		TotalRequests:    c.metrics.totalRequests.Load(),
		SuccessfulReqs:   c.metrics.successfulReqs.Load(),
		FailedReqs:       c.metrics.failedReqs.Load(),
		AvgLatencyMs:     c.metrics.avgLatencyMs(),
		ConsecutiveFails: c.metrics.consecutiveFails.Load(),
		CircuitOpen:      !c.Available(),
	}
}
