package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantKind   ErrorKind
		retryable  bool
	}{
		{"unauthorized is auth", fasthttp.StatusUnauthorized, `{"error":"bad api key"}`, ErrorAuth, false},
		{"forbidden is auth", fasthttp.StatusForbidden, "", ErrorAuth, false},
		{"too many requests is rate", fasthttp.StatusTooManyRequests, "", ErrorRate, true},
		{"bad request is rejected", fasthttp.StatusBadRequest, `{"error":"invalid recipient"}`, ErrorRejected, false},
		{"unprocessable is rejected", fasthttp.StatusUnprocessableEntity, "", ErrorRejected, false},
		{"server error is transient", fasthttp.StatusInternalServerError, "", ErrorTransient, true},
		{"bad gateway is transient", fasthttp.StatusBadGateway, "", ErrorTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.statusCode, []byte(tt.body))
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.statusCode, err.StatusCode)
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestProviderReason(t *testing.T) {
	t.Run("json error field wins", func(t *testing.T) {
		assert.Equal(t, "invalid recipient", providerReason([]byte(`{"error":"invalid recipient"}`)))
	})

	t.Run("plain body falls through", func(t *testing.T) {
		assert.Equal(t, "gateway timeout", providerReason([]byte("gateway timeout")))
	})

	t.Run("empty body gets placeholder", func(t *testing.T) {
		assert.Equal(t, "no response body", providerReason(nil))
	})

	t.Run("long body is truncated", func(t *testing.T) {
		long := make([]byte, 500)
		for i := range long {
			long[i] = 'x'
		}
		assert.Len(t, providerReason(long), 200)
	})
}

func TestSendError_Error(t *testing.T) {
	err := &SendError{Kind: ErrorAuth, StatusCode: 401, Reason: "bad api key"}
	assert.Contains(t, err.Error(), "auth")
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad api key")

	err = &SendError{Kind: ErrorTransient, Reason: "connection refused"}
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClientMetrics(t *testing.T) {
	m := &clientMetrics{}

	m.recordSuccess(100)
	m.recordSuccess(200)

	assert.Equal(t, int64(2), m.totalRequests.Load())
	assert.Equal(t, int64(2), m.successfulReqs.Load())
	assert.Equal(t, int64(150), m.avgLatencyMs())

	m.recordFailure()
	m.recordFailure()
	assert.Equal(t, int32(2), m.consecutiveFails.Load())

	m.recordSuccess(300)
	assert.Equal(t, int32(0), m.consecutiveFails.Load())
}

func TestEmailClient_CircuitBreaker(t *testing.T) {
	client, err := NewEmailClient(&Config{
		URL:              "http://provider.test",
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
	})
	require.NoError(t, err)

	t.Run("stays closed below threshold", func(t *testing.T) {
		client.metrics.recordFailure()
		client.metrics.recordFailure()
		client.checkCircuitBreaker()
		assert.True(t, client.Available())
	})

	t.Run("opens at threshold", func(t *testing.T) {
		client.metrics.recordFailure()
		client.checkCircuitBreaker()
		assert.False(t, client.Available())
		assert.True(t, client.Stats().CircuitOpen)
	})

	t.Run("open circuit fails fast", func(t *testing.T) {
		_, err := client.SendEmail(context.Background(), "key", &SendEmailRequest{To: "a@b.test"})
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("closes after cooldown", func(t *testing.T) {
		client.circuitOpenUntil.Store(time.Now().Add(-time.Second).Unix())
		assert.True(t, client.Available())
		assert.Zero(t, client.metrics.consecutiveFails.Load())
	})
}

func TestNewEmailClient_Validation(t *testing.T) {
	_, err := NewEmailClient(nil)
	assert.Error(t, err)

	_, err = NewEmailClient(&Config{})
	assert.Error(t, err)

	client, err := NewEmailClient(&Config{URL: "http://provider.test"})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, client.config.Timeout)
	assert.Equal(t, 5, client.config.BreakerThreshold)
}
