package services

import (
	"context"
	"time"

	"github.com/pulsemail/campaign-gateway/pkg/pg"
)

type HealthService struct {
	db *pg.DB
}

func NewHealthService(db *pg.DB) *HealthService {
	return &HealthService{db: db}
}

// Get pings the read replica. The broker reconnects on its own, so the
// database is the only dependency worth failing the health check over.
func (s *HealthService) Get() error {
	if s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var one int
	return s.db.Read(ctx).Raw("SELECT 1").Scan(&one).Error
}
