package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to TEST_DATABASE_URL and truncates every table.
// Tests are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE ranking_entries, votes, processing_attempts, videos, players, cities CASCADE`)
	require.NoError(t, err)
	return store
}

func seedPostgresVideo(t *testing.T, s *PostgresStore) (Player, Video) {
	t.Helper()
	ctx := context.Background()
	city := City{ID: uuid.New(), Name: "Medellín"}
	player := Player{ID: uuid.New(), Name: "player-1", CityID: city.ID}
	require.NoError(t, s.UpsertCity(ctx, city))
	require.NoError(t, s.UpsertPlayer(ctx, player))

	v, _, err := s.CreateVideo(ctx, CreateVideoParams{
		ID:                 uuid.New(),
		PlayerID:           player.ID,
		Title:              "clip",
		OriginalKey:        "originals/x.mp4",
		OriginalDuration:   45,
		OriginalResolution: "1920x1080",
		Params:             ProcessingParams{MaxDurationSeconds: 30, TargetResolution: "1280x720", Watermark: true},
		UploadedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)
	return player, v
}

func TestPostgresStore_ClaimLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	_, v := seedPostgresVideo(t, s)
	now := time.Now().UTC()

	a, ok, err := s.ClaimAttempt(ctx, ClaimAttemptParams{VideoID: v.ID, TaskID: "t1", Now: now})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, a.Attempts)
	require.True(t, a.Params.Watermark)

	_, ok, err = s.ClaimAttempt(ctx, ClaimAttemptParams{VideoID: v.ID, TaskID: "t2", Now: now})
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose")

	require.NoError(t, s.CompleteAttempt(ctx, CompleteAttemptParams{
		VideoID: v.ID, TaskID: "t1", ProcessedKey: "processed/x_final.mp4",
		ProcessedDuration: 30, ProcessedResolution: "1280x720", Now: now,
	}))

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, VideoStateProcessed, got.State)
	require.Equal(t, 30, *got.ProcessedDuration)
}

func TestPostgresStore_DuplicateVote(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	_, v := seedPostgresVideo(t, s)
	now := time.Now().UTC()

	_, _, err := s.ClaimAttempt(ctx, ClaimAttemptParams{VideoID: v.ID, TaskID: "t1", Now: now})
	require.NoError(t, err)
	require.NoError(t, s.CompleteAttempt(ctx, CompleteAttemptParams{
		VideoID: v.ID, TaskID: "t1", ProcessedKey: "k", ProcessedDuration: 30, ProcessedResolution: "1280x720", Now: now,
	}))

	voter := uuid.New()
	_, err = s.CastVote(ctx, CastVoteParams{ID: uuid.New(), VideoID: v.ID, VoterID: voter, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CastVote(ctx, CastVoteParams{ID: uuid.New(), VideoID: v.ID, VoterID: voter, CreatedAt: now})
	require.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	scores, err := s.AggregateScores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.Equal(t, 1, scores[0].Score)
}

func TestPostgresStore_ReplaceSeasonRankingsRollsBack(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	player, _ := seedPostgresVideo(t, s)
	now := time.Now().UTC()

	first := []RankingEntry{{ID: uuid.New(), PlayerID: player.ID, CityID: player.CityID, Score: 4, Position: 1, UpdatedAt: now}}
	require.NoError(t, s.ReplaceSeasonRankings(ctx, "2026-Q1", first))

	// The second row reuses position 1 and violates uq_ranking_season_position.
	other := Player{ID: uuid.New(), Name: "player-2", CityID: player.CityID}
	require.NoError(t, s.UpsertPlayer(ctx, other))
	bad := []RankingEntry{
		{ID: uuid.New(), PlayerID: player.ID, CityID: player.CityID, Score: 7, Position: 1, UpdatedAt: now},
		{ID: uuid.New(), PlayerID: other.ID, CityID: other.CityID, Score: 6, Position: 1, UpdatedAt: now},
	}
	require.Error(t, s.ReplaceSeasonRankings(ctx, "2026-Q1", bad))

	rows, err := s.ListRankings(ctx, ListRankingsParams{Season: "2026-Q1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 4, rows[0].Votes)
}

func TestPostgresStore_ReplaceSeasonRankingsConcurrentWriters(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	player, _ := seedPostgresVideo(t, s)
	other := Player{ID: uuid.New(), Name: "player-2", CityID: player.CityID}
	require.NoError(t, s.UpsertPlayer(ctx, other))

	build := func(score int) []RankingEntry {
		now := time.Now().UTC()
		return []RankingEntry{
			{ID: uuid.New(), PlayerID: player.ID, CityID: player.CityID, Score: score + 1, Position: 1, UpdatedAt: now},
			{ID: uuid.New(), PlayerID: other.ID, CityID: other.CityID, Score: score, Position: 2, UpdatedAt: now},
		}
	}

	const writers = 8
	errs := make(chan error, writers)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		go func(score int) {
			<-start
			errs <- s.ReplaceSeasonRankings(ctx, "2026-Q3", build(score))
		}(i * 10)
	}
	close(start)
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	rows, err := s.ListRankings(ctx, ListRankingsParams{Season: "2026-Q3", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, rows[0].Votes-1, rows[1].Votes)
}
