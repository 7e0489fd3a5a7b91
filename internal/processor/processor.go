package processor

import (
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/pulsemail/campaign-gateway/pkg/worker"
)

const metricsReportInterval = 30 * time.Second

// Service ties the campaign processor to the broker: one consumer on
// the send queue, a shared bounded pool for per-recipient sends, and a
// periodic throughput log.
type Service struct {
	broker    broker.Broker
	processor *CampaignProcessor
	pool      *worker.Pool
	stopCh    chan struct{}
}

func NewService(b broker.Broker, processor *CampaignProcessor, pool *worker.Pool) *Service {
	return &Service{
		broker:    b,
		processor: processor,
		pool:      pool,
		stopCh:    make(chan struct{}),
	}
}

func (s *Service) Start() error {
	s.pool.Start()

	if err := s.broker.Consume(model.QueueSend, s.processor.Handle); err != nil {
		return err
	}

	go s.metricsReporter()

	logger.Info("campaign worker started", "send_concurrency", s.pool.Size())
	return nil
}

// Stop drains the pool and stops the reporter. The broker connection is
// closed by the caller that created it.
func (s *Service) Stop() {
	close(s.stopCh)
	s.pool.Stop()
	logger.Info("campaign worker stopped")
}

func (s *Service) metricsReporter() {
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.processor.Metrics().GetStats()
			logger.Info("worker throughput",
				"campaigns_processed", stats["campaigns_processed"],
				"campaigns_failed", stats["campaigns_failed"],
				"deliveries_sent", stats["deliveries_sent"],
				"deliveries_failed", stats["deliveries_failed"],
				"sends_per_second", stats["sends_per_second"])
		case <-s.stopCh:
			return
		}
	}
}
