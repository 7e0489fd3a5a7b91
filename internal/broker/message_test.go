package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubDelivery() (*Delivery, *int, *int) {
	acks := 0
	nacks := 0
	d := &Delivery{
		Body: []byte(`{}`),
		ack:  func() error { acks++; return nil },
		nack: func(requeue bool) error { nacks++; return nil },
	}
	return d, &acks, &nacks
}

func TestDelivery_AckOnce(t *testing.T) {
	d, acks, _ := stubDelivery()

	require.NoError(t, d.Ack())
	assert.Equal(t, 1, *acks)

	// Second ack is a programming error, not a second broker call.
	assert.Error(t, d.Ack())
	assert.Equal(t, 1, *acks)
}

func TestDelivery_NackAfterAck(t *testing.T) {
	d, _, nacks := stubDelivery()

	require.NoError(t, d.Ack())
	assert.Error(t, d.Nack(true))
	assert.Equal(t, 0, *nacks)
}

func TestDelivery_NackOnce(t *testing.T) {
	d, acks, nacks := stubDelivery()

	require.NoError(t, d.Nack(true))
	assert.Equal(t, 1, *nacks)
	assert.Error(t, d.Nack(false))
	assert.Error(t, d.Ack())
	assert.Equal(t, 0, *acks)
}

func TestClient_FatalReportsExhaustedReconnect(t *testing.T) {
	c := &Client{
		done:  make(chan struct{}),
		fatal: make(chan error, 1),
	}

	c.fail(errors.New("broker unreachable after 5 attempts"))

	select {
	case err := <-c.Fatal():
		assert.ErrorContains(t, err, "unreachable")
	default:
		t.Fatal("expected a fatal error after reconnect gave up")
	}
	assert.True(t, c.closed)

	// A second failure must not block even though nobody read it.
	c.fail(errors.New("still unreachable"))
}
