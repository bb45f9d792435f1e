package ranking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/cache"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

const (
	TriggerSchedule = "schedule"
	TriggerVote     = "vote"
	TriggerManual   = "manual"
)

// Store is the slice of the database the aggregator writes through.
type Store interface {
	AggregateScores(ctx context.Context) ([]db.PlayerScore, error)
	ReplaceSeasonRankings(ctx context.Context, season string, entries []db.RankingEntry) error
}

type RecomputeResult struct {
	Season         string
	EntriesWritten int
	TopPlayer      *db.PlayerScore
}

// Aggregator is the only writer of ranking rows. Each run replaces the
// whole season.
type Aggregator struct {
	store Store
	cache cache.Cache
	now   func() time.Time
	mu    sync.Mutex
}

func NewAggregator(store Store, c cache.Cache) *Aggregator {
	return &Aggregator{store: store, cache: c, now: time.Now}
}

// Recompute scores every player from votes on processed public videos and
// replaces the season's rows with contiguous positions. With no votes the
// season is left as it was.
func (a *Aggregator) Recompute(ctx context.Context, season, trigger string) (*RecomputeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := tracing.StartRecomputeSpan(ctx, season, trigger)
	defer span.End()

	log := logger.FromContext(ctx).With("season", season, "trigger", trigger)
	start := time.Now()

	res, err := a.recompute(ctx, season)
	metrics.RecordRecompute(trigger, season, resultEntries(res), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		log.Error("ranking recompute failed", "error", err)
		return nil, err
	}

	if res.EntriesWritten == 0 {
		log.Debug("no votes to rank")
		return res, nil
	}

	if a.cache != nil {
		n, err := a.cache.InvalidatePrefix(ctx, cache.RankingsPrefix)
		metrics.RecordCacheInvalidation(err)
		if err != nil {
			log.Warn("ranking cache invalidation failed", "error", err)
		} else {
			log.Debug("ranking cache invalidated", "keys", n)
		}
	}

	log.Info("ranking recomputed",
		"entries", res.EntriesWritten,
		"top_player", res.TopPlayer.PlayerName,
		"top_score", res.TopPlayer.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (a *Aggregator) recompute(ctx context.Context, season string) (*RecomputeResult, error) {
	scores, err := a.store.AggregateScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	if len(scores) == 0 {
		return &RecomputeResult{Season: season}, nil
	}

	now := a.now().UTC()
	entries := make([]db.RankingEntry, len(scores))
	for i, s := range scores {
		entries[i] = db.RankingEntry{
			ID:        uuid.New(),
			PlayerID:  s.PlayerID,
			CityID:    s.CityID,
			Score:     s.Score,
			Position:  i + 1,
			Season:    season,
			UpdatedAt: now,
		}
	}

	if err := a.store.ReplaceSeasonRankings(ctx, season, entries); err != nil {
		return nil, fmt.Errorf("replace season %s: %w", season, err)
	}

	top := scores[0]
	return &RecomputeResult{Season: season, EntriesWritten: len(entries), TopPlayer: &top}, nil
}

// RecomputeCurrent recomputes the season containing the current time.
func (a *Aggregator) RecomputeCurrent(ctx context.Context, trigger string) (*RecomputeResult, error) {
	return a.Recompute(ctx, SeasonFor(a.now()), trigger)
}

func resultEntries(r *RecomputeResult) int {
	if r == nil {
		return 0
	}
	return r.EntriesWritten
}
