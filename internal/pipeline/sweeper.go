package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
)

// Sweeper returns claims abandoned by crashed workers to pending, or to
// failed once their attempt budget is spent.
type Sweeper struct {
	store       Store
	enqueuer    *Enqueuer
	staleAfter  time.Duration
	maxAttempts int
	now         func() time.Time
}

type SweepStats struct {
	Released   int
	Failed     int
	Requeued   int
	EnqueueErr int
}

func NewSweeper(store Store, enqueuer *Enqueuer, staleAfter time.Duration, maxAttempts int) *Sweeper {
	return &Sweeper{
		store:       store,
		enqueuer:    enqueuer,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (*SweepStats, error) {
	log := logger.FromContext(ctx)
	now := s.now()

	released, err := s.store.ReleaseStaleClaims(ctx, db.ReleaseStaleParams{
		StartedBefore: now.Add(-s.staleAfter),
		MaxAttempts:   s.maxAttempts,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}

	stats := &SweepStats{Released: len(released)}
	for _, rc := range released {
		if rc.Failed {
			stats.Failed++
			metrics.StaleClaimsReleased.WithLabelValues("failed").Inc()
			log.Warn("stale claim exhausted its attempts", "video_id", rc.VideoID, "attempts", rc.Attempts)
			continue
		}
		metrics.StaleClaimsReleased.WithLabelValues("pending").Inc()

		if s.enqueuer == nil {
			continue
		}
		v, err := s.store.GetVideo(ctx, rc.VideoID)
		if err != nil {
			stats.EnqueueErr++
			log.Warn("reloading released video", "video_id", rc.VideoID, "error", err)
			continue
		}
		if _, err := s.enqueuer.EnqueueProcessing(ctx, v.ID, v.PlayerID, v.OriginalKey, v.Title); err != nil {
			stats.EnqueueErr++
			log.Warn("re-enqueue of released claim failed", "video_id", rc.VideoID, "error", err)
			continue
		}
		stats.Requeued++
	}

	if stats.Released > 0 {
		log.Info("stale claims released",
			"released", stats.Released,
			"failed", stats.Failed,
			"requeued", stats.Requeued,
			"enqueue_errors", stats.EnqueueErr,
		)
	}
	return stats, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx).Error("sweep failed", "error", err)
			}
		}
	}
}
