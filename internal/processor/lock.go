package processor

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/redis"
)

var ErrLockHeld = errors.New("campaign is being processed by another worker")

// CampaignLock serializes fan-out per campaign across worker processes.
// The database guards (conflict-ignored inserts, pending-only updates)
// already make concurrent fan-out safe; the lock just keeps two workers
// from burning provider quota on the same campaign at the same time.
//
// The TTL bounds how long a crashed worker can block a campaign. Fan-out
// for a large campaign must finish inside it, so it is configured well
// above the expected worst case rather than close to the average.
type CampaignLock struct {
	redis  redis.RedisAdapter
	ttl    time.Duration
	prefix string
}

func NewCampaignLock(adapter redis.RedisAdapter, ttl time.Duration) *CampaignLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CampaignLock{
		redis:  adapter,
		ttl:    ttl,
		prefix: "campaign:lock:",
	}
}

func (l *CampaignLock) key(campaignID int64) string {
	return l.prefix + strconv.FormatInt(campaignID, 10)
}

// Acquire takes the lock for campaignID. Returns ErrLockHeld when
// another worker holds it.
func (l *CampaignLock) Acquire(campaignID int64) error {
	value := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))

	acquired, err := l.redis.SetNX(l.key(campaignID), value, l.ttl)
	if err != nil {
		return fmt.Errorf("acquire campaign lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}

	logger.Debug("campaign lock acquired", "campaign_id", campaignID, "ttl", l.ttl)
	return nil
}

// Release frees the lock. Failing to release is logged but not fatal:
// the TTL collects leaked locks.
func (l *CampaignLock) Release(campaignID int64) {
	if err := l.redis.Del(l.key(campaignID)); err != nil {
		logger.Warn("failed to release campaign lock", "campaign_id", campaignID, "error", err)
	}
}
