package ranking

import (
	"context"
	"time"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

const DefaultInterval = 5 * time.Minute

// Scheduler recomputes the current season on a fixed interval. A failed
// run is logged and the previous rows stay in place.
type Scheduler struct {
	agg      *Aggregator
	interval time.Duration
}

func NewScheduler(agg *Aggregator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{agg: agg, interval: interval}
}

// Run recomputes once immediately, then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info("ranking scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.agg.RecomputeCurrent(ctx, TriggerSchedule); err != nil && ctx.Err() == nil {
			log.Error("scheduled recompute failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("ranking scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
