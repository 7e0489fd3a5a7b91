package processor

import (
	"sync/atomic"
	"time"
)

// ServiceMetrics is the worker's in-process view of its own throughput,
// cheap enough to read from a stats endpoint on every poll. The
// authoritative counters live in the prometheus registry.
type ServiceMetrics struct {
	campaignsProcessed int64
	campaignsFailed    int64
	deliveriesSent     int64
	deliveriesFailed   int64
	fanoutDurationNs   int64
	startedNs          int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		startedNs: time.Now().UnixNano(),
	}
}

func (m *ServiceMetrics) RecordCampaign(duration time.Duration) {
	atomic.AddInt64(&m.campaignsProcessed, 1)
	atomic.AddInt64(&m.fanoutDurationNs, int64(duration))
}

func (m *ServiceMetrics) RecordCampaignFailure() {
	atomic.AddInt64(&m.campaignsFailed, 1)
}

func (m *ServiceMetrics) RecordDelivery() {
	atomic.AddInt64(&m.deliveriesSent, 1)
}

func (m *ServiceMetrics) RecordDeliveryFailure() {
	atomic.AddInt64(&m.deliveriesFailed, 1)
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	campaigns := atomic.LoadInt64(&m.campaignsProcessed)
	campaignsFailed := atomic.LoadInt64(&m.campaignsFailed)
	sent := atomic.LoadInt64(&m.deliveriesSent)
	failed := atomic.LoadInt64(&m.deliveriesFailed)
	durationNs := atomic.LoadInt64(&m.fanoutDurationNs)
	startedNs := atomic.LoadInt64(&m.startedNs)

	elapsed := time.Since(time.Unix(0, startedNs)).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(sent) / elapsed
	}

	avgFanout := time.Duration(0)
	if campaigns > 0 {
		avgFanout = time.Duration(durationNs / campaigns)
	}

	return map[string]interface{}{
		"campaigns_processed": campaigns,
		"campaigns_failed":    campaignsFailed,
		"deliveries_sent":     sent,
		"deliveries_failed":   failed,
		"sends_per_second":    rate,
		"avg_fanout_ms":       avgFanout.Milliseconds(),
		"uptime_seconds":      elapsed,
	}
}
