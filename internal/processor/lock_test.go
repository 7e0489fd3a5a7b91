package processor

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pulsemail/campaign-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (redis.RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name(), "test:", &redis.Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return adapter, mr
}

func TestCampaignLock_AcquireRelease(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	lock := NewCampaignLock(adapter, time.Minute)

	require.NoError(t, lock.Acquire(1))

	t.Run("second acquire blocked", func(t *testing.T) {
		assert.ErrorIs(t, lock.Acquire(1), ErrLockHeld)
	})

	t.Run("other campaign unaffected", func(t *testing.T) {
		require.NoError(t, lock.Acquire(2))
		lock.Release(2)
	})

	t.Run("release frees the lock", func(t *testing.T) {
		lock.Release(1)
		assert.NoError(t, lock.Acquire(1))
	})
}

func TestCampaignLock_TTLExpiry(t *testing.T) {
	adapter, mr := newTestAdapter(t)
	lock := NewCampaignLock(adapter, time.Minute)

	require.NoError(t, lock.Acquire(1))
	assert.ErrorIs(t, lock.Acquire(1), ErrLockHeld)

	// A crashed worker never releases; the TTL does.
	mr.FastForward(2 * time.Minute)
	assert.NoError(t, lock.Acquire(1))
}

func TestCampaignLock_DefaultTTL(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	lock := NewCampaignLock(adapter, 0)
	assert.Equal(t, 10*time.Minute, lock.ttl)
}
