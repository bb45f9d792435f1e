package ranking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/apperror"
	"github.com/abdul-hamid-achik/skillclips/internal/cache"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
	DefaultTTL   = 300 * time.Second

	recomputeTimeout = time.Minute
)

// ReadStore serves ranking pages and accepts votes.
type ReadStore interface {
	ListRankings(ctx context.Context, arg db.ListRankingsParams) ([]db.RankingRow, error)
	ListLiveRankings(ctx context.Context, arg db.ListRankingsParams) ([]db.RankingRow, error)
	CastVote(ctx context.Context, arg db.CastVoteParams) (db.Vote, error)
}

type Query struct {
	City  string
	Skip  int
	Limit int
}

func (q Query) normalize() Query {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// Service fronts ranking reads with the cache and runs the vote side
// effects.
type Service struct {
	store ReadStore
	cache cache.Cache
	agg   *Aggregator
	ttl   time.Duration
	now   func() time.Time

	wg sync.WaitGroup
}

func NewService(store ReadStore, c cache.Cache, agg *Aggregator, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, cache: c, agg: agg, ttl: ttl, now: time.Now}
}

// GetRankings serves a page from the cache when possible. Cache failures
// degrade to a database read.
func (s *Service) GetRankings(ctx context.Context, q Query) ([]db.RankingRow, error) {
	q = q.normalize()
	log := logger.FromContext(ctx)
	key := cache.RankingsKey(q.City, q.Skip, q.Limit)

	if s.cache != nil {
		var rows []db.RankingRow
		err := cache.GetJSON(ctx, s.cache, key, &rows)
		switch {
		case err == nil && len(rows) > 0:
			metrics.RecordCacheLookup("hit")
			return rows, nil
		case err == nil, errors.Is(err, cache.ErrMiss):
			metrics.RecordCacheLookup("miss")
		default:
			metrics.RecordCacheLookup("error")
			log.Warn("ranking cache read failed", "key", key, "error", err)
		}
	}

	rows, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && len(rows) > 0 {
		if err := cache.SetJSON(ctx, s.cache, key, rows, s.ttl); err != nil {
			log.Warn("ranking cache write failed", "key", key, "error", err)
		}
	}
	return rows, nil
}

func (s *Service) load(ctx context.Context, q Query) ([]db.RankingRow, error) {
	arg := db.ListRankingsParams{
		Season: SeasonFor(s.now()),
		City:   q.City,
		Skip:   q.Skip,
		Limit:  q.Limit,
	}

	rows, err := s.store.ListRankings(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("list rankings: %w", err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	rows, err = s.store.ListLiveRankings(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("list live rankings: %w", err)
	}
	if rows == nil {
		rows = []db.RankingRow{}
	}
	return rows, nil
}

// CastVote records one vote and triggers the ranking side effects.
func (s *Service) CastVote(ctx context.Context, videoID, voterID uuid.UUID) (db.Vote, error) {
	vote, err := s.store.CastVote(ctx, db.CastVoteParams{
		ID:        uuid.New(),
		VideoID:   videoID,
		VoterID:   voterID,
		Weight:    1,
		CreatedAt: s.now().UTC(),
	})
	switch {
	case errors.Is(err, db.ErrDuplicate):
		metrics.RecordVote("duplicate")
		return db.Vote{}, apperror.Wrap(err, apperror.ErrDuplicateVote)
	case errors.Is(err, db.ErrNotVotable), errors.Is(err, db.ErrNotFound):
		metrics.RecordVote("not_votable")
		return db.Vote{}, apperror.Wrap(err, apperror.ErrVideoNotVotable)
	case err != nil:
		metrics.RecordVote("error")
		return db.Vote{}, fmt.Errorf("cast vote: %w", err)
	}

	metrics.RecordVote("accepted")
	logger.FromContext(ctx).Info("vote accepted", "video_id", videoID, "voter_id", voterID)
	s.OnVoteAccepted(ctx, videoID)
	return vote, nil
}

// OnVoteAccepted drops every cached rankings page and starts a
// best-effort recompute in the background. Nothing here fails the vote.
func (s *Service) OnVoteAccepted(ctx context.Context, videoID uuid.UUID) {
	log := logger.FromContext(ctx).With("video_id", videoID)

	if s.cache != nil {
		n, err := s.cache.InvalidatePrefix(ctx, cache.RankingsPrefix)
		metrics.RecordCacheInvalidation(err)
		if err != nil {
			log.Warn("ranking cache invalidation failed", "error", err)
		} else {
			log.Debug("ranking cache invalidated", "keys", n)
		}
	}

	if s.agg == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recomputeTimeout)
		defer cancel()
		if _, err := s.agg.RecomputeCurrent(rctx, TriggerVote); err != nil {
			log.Warn("recompute after vote failed", "error", err)
		}
	}()
}

// Wait blocks until background recomputes started by votes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
