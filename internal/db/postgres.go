package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
}

const videoColumns = `id, player_id, title, state, visibility, original_key, processed_key,
	original_duration, original_resolution, processed_duration, processed_resolution,
	format, size_bytes, uploaded_at, processed_at, view_count`

const attemptColumns = `id, video_id, task_id, state, attempts, started_at, finished_at,
	next_attempt_at, last_error, params, created_at`

func scanVideo(row pgx.Row) (Video, error) {
	var v Video
	err := row.Scan(
		&v.ID, &v.PlayerID, &v.Title, &v.State, &v.Visibility, &v.OriginalKey, &v.ProcessedKey,
		&v.OriginalDuration, &v.OriginalResolution, &v.ProcessedDuration, &v.ProcessedResolution,
		&v.Format, &v.SizeBytes, &v.UploadedAt, &v.ProcessedAt, &v.ViewCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	return v, err
}

func scanAttempt(row pgx.Row) (ProcessingAttempt, error) {
	var a ProcessingAttempt
	err := row.Scan(
		&a.ID, &a.VideoID, &a.TaskID, &a.State, &a.Attempts, &a.StartedAt, &a.FinishedAt,
		&a.NextAttemptAt, &a.LastError, &a.Params, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProcessingAttempt{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) UpsertCity(ctx context.Context, c City) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cities (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, c.ID, c.Name)
	return err
}

func (s *PostgresStore) UpsertPlayer(ctx context.Context, p Player) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (id, name, city_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, city_id = EXCLUDED.city_id`,
		p.ID, p.Name, p.CityID)
	return err
}

// CreateVideo inserts the video and its pending attempt in one transaction.
func (s *PostgresStore) CreateVideo(ctx context.Context, arg CreateVideoParams) (Video, ProcessingAttempt, error) {
	var video Video
	var attempt ProcessingAttempt

	visibility := arg.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		video, err = scanVideo(tx.QueryRow(ctx,
			`INSERT INTO videos (id, player_id, title, state, visibility, original_key,
				original_duration, original_resolution, format, size_bytes, uploaded_at)
			 VALUES ($1, $2, $3, 'uploaded', $4, $5, $6, $7, $8, $9, $10)
			 RETURNING `+videoColumns,
			arg.ID, arg.PlayerID, arg.Title, visibility, arg.OriginalKey,
			arg.OriginalDuration, arg.OriginalResolution, arg.Format, arg.SizeBytes, arg.UploadedAt,
		))
		if err != nil {
			return fmt.Errorf("insert video: %w", err)
		}

		attempt, err = scanAttempt(tx.QueryRow(ctx,
			`INSERT INTO processing_attempts (id, video_id, state, attempts, params, created_at)
			 VALUES ($1, $2, 'pending', 0, $3, $4)
			 RETURNING `+attemptColumns,
			uuid.New(), arg.ID, arg.Params, arg.UploadedAt,
		))
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return Video{}, ProcessingAttempt{}, err
	}
	return video, attempt, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id uuid.UUID) (Video, error) {
	return scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
}

func (s *PostgresStore) GetAttempt(ctx context.Context, videoID uuid.UUID) (ProcessingAttempt, error) {
	return scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM processing_attempts WHERE video_id = $1`, videoID))
}

// ClaimAttempt moves a pending, unclaimed, due attempt to processing. The
// boolean is false when another worker holds or already finished the record.
func (s *PostgresStore) ClaimAttempt(ctx context.Context, arg ClaimAttemptParams) (ProcessingAttempt, bool, error) {
	var attempt ProcessingAttempt
	claimed := false

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAttempt(tx.QueryRow(ctx,
			`UPDATE processing_attempts
			 SET state = 'processing', task_id = $2, attempts = attempts + 1,
			     started_at = $3, finished_at = NULL, next_attempt_at = NULL
			 WHERE video_id = $1
			   AND state = 'pending'
			   AND task_id IS NULL
			   AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			 RETURNING `+attemptColumns,
			arg.VideoID, arg.TaskID, arg.Now,
		))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim attempt: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE videos SET state = 'processing' WHERE id = $1`, arg.VideoID); err != nil {
			return fmt.Errorf("mark video processing: %w", err)
		}

		attempt = a
		claimed = true
		return nil
	})
	if err != nil {
		return ProcessingAttempt{}, false, err
	}
	return attempt, claimed, nil
}

// CompleteAttempt writes the attempt before the video so a video is never
// processed without a completed attempt; both commit together.
func (s *PostgresStore) CompleteAttempt(ctx context.Context, arg CompleteAttemptParams) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE processing_attempts
			 SET state = 'completed', finished_at = $3, last_error = NULL
			 WHERE video_id = $1 AND task_id = $2 AND state = 'processing'`,
			arg.VideoID, arg.TaskID, arg.Now,
		)
		if err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrClaimLost
		}

		tag, err = tx.Exec(ctx,
			`UPDATE videos
			 SET state = 'processed', processed_key = $2, processed_duration = $3,
			     processed_resolution = $4, processed_at = $5
			 WHERE id = $1`,
			arg.VideoID, arg.ProcessedKey, arg.ProcessedDuration, arg.ProcessedResolution, arg.Now,
		)
		if err != nil {
			return fmt.Errorf("mark video processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) FailAttempt(ctx context.Context, arg FailAttemptParams) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var tag pgconn.CommandTag
		var err error
		if arg.Retry {
			tag, err = tx.Exec(ctx,
				`UPDATE processing_attempts
				 SET state = 'pending', task_id = NULL, finished_at = $3,
				     last_error = $4, next_attempt_at = $5
				 WHERE video_id = $1 AND task_id = $2 AND state = 'processing'`,
				arg.VideoID, arg.TaskID, arg.Now, arg.Error, arg.NextAttemptAt,
			)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE processing_attempts
				 SET state = 'failed', finished_at = $3, last_error = $4, next_attempt_at = NULL
				 WHERE video_id = $1 AND task_id = $2 AND state = 'processing'`,
				arg.VideoID, arg.TaskID, arg.Now, arg.Error,
			)
		}
		if err != nil {
			return fmt.Errorf("fail attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrClaimLost
		}

		if _, err := tx.Exec(ctx,
			`UPDATE videos
			 SET state = 'error', processed_key = NULL, processed_duration = NULL,
			     processed_resolution = NULL, processed_at = NULL
			 WHERE id = $1`, arg.VideoID); err != nil {
			return fmt.Errorf("mark video error: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]ProcessingAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM processing_attempts
		 WHERE state = 'pending' AND task_id IS NULL
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		 ORDER BY created_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable: %w", err)
	}
	defer rows.Close()

	var attempts []ProcessingAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ReleaseStaleClaims returns abandoned processing claims to pending, or
// fails them when the attempt budget is spent.
func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, arg ReleaseStaleParams) ([]ReleasedClaim, error) {
	var released []ReleasedClaim

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE processing_attempts
			 SET state = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
			     task_id = CASE WHEN attempts >= $2 THEN task_id ELSE NULL END,
			     finished_at = $3,
			     next_attempt_at = NULL,
			     last_error = 'claim expired'
			 WHERE state = 'processing' AND started_at < $1
			 RETURNING video_id, attempts, state`,
			arg.StartedBefore, arg.MaxAttempts, arg.Now,
		)
		if err != nil {
			return fmt.Errorf("release stale claims: %w", err)
		}
		for rows.Next() {
			var rc ReleasedClaim
			var state AttemptState
			if err := rows.Scan(&rc.VideoID, &rc.Attempts, &state); err != nil {
				rows.Close()
				return err
			}
			rc.Failed = state == AttemptStateFailed
			released = append(released, rc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, rc := range released {
			state := VideoStateUploaded
			if rc.Failed {
				state = VideoStateError
			}
			if _, err := tx.Exec(ctx, `UPDATE videos SET state = $2 WHERE id = $1`, rc.VideoID, state); err != nil {
				return fmt.Errorf("reset video state: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *PostgresStore) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CastVote relies on uq_votes_video_voter; a conflicting insert reports
// ErrDuplicate rather than double counting.
func (s *PostgresStore) CastVote(ctx context.Context, arg CastVoteParams) (Vote, error) {
	vote := Vote{
		ID:        arg.ID,
		VideoID:   arg.VideoID,
		VoterID:   arg.VoterID,
		Weight:    arg.Weight,
		CreatedAt: arg.CreatedAt,
	}
	if vote.Weight <= 0 {
		vote.Weight = 1
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var votable bool
		err := tx.QueryRow(ctx,
			`SELECT state = 'processed' AND visibility = 'public' FROM videos WHERE id = $1 FOR UPDATE`,
			arg.VideoID,
		).Scan(&votable)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !votable) {
			return ErrNotVotable
		}
		if err != nil {
			return fmt.Errorf("load video: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO votes (id, video_id, voter_id, weight, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (video_id, voter_id) DO NOTHING`,
			vote.ID, vote.VideoID, vote.VoterID, vote.Weight, vote.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}

		if _, err := tx.Exec(ctx,
			`UPDATE videos SET view_count = view_count + 1 WHERE id = $1`, arg.VideoID); err != nil {
			return fmt.Errorf("increment view count: %w", err)
		}
		return nil
	})
	if err != nil {
		return Vote{}, err
	}
	return vote, nil
}

const scoreQuery = `
	SELECT p.id, p.city_id, p.name, c.name, SUM(v.weight)::int AS score
	FROM votes v
	JOIN videos vid ON vid.id = v.video_id
	JOIN players p ON p.id = vid.player_id
	JOIN cities c ON c.id = p.city_id
	WHERE vid.state = 'processed' AND vid.visibility = 'public'`

func (s *PostgresStore) AggregateScores(ctx context.Context) ([]PlayerScore, error) {
	rows, err := s.pool.Query(ctx, scoreQuery+`
	GROUP BY p.id, p.city_id, p.name, c.name
	ORDER BY score DESC, p.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	defer rows.Close()

	var scores []PlayerScore
	for rows.Next() {
		var ps PlayerScore
		if err := rows.Scan(&ps.PlayerID, &ps.CityID, &ps.PlayerName, &ps.CityName, &ps.Score); err != nil {
			return nil, err
		}
		scores = append(scores, ps)
	}
	return scores, rows.Err()
}

// ReplaceSeasonRankings deletes and reinserts a season's rows in one
// transaction; readers see either the old or the new set. Concurrent
// writers for the same season are serialized on a transaction-scoped
// advisory lock.
func (s *PostgresStore) ReplaceSeasonRankings(ctx context.Context, season string, entries []RankingEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, season); err != nil {
			return fmt.Errorf("lock season rankings: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM ranking_entries WHERE season = $1`, season); err != nil {
			return fmt.Errorf("delete season rankings: %w", err)
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(
				`INSERT INTO ranking_entries (id, player_id, city_id, score, position, season, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.PlayerID, e.CityID, e.Score, e.Position, season, e.UpdatedAt,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range entries {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert ranking position %d: %w", entries[i].Position, err)
			}
		}
		return results.Close()
	})
}

func (s *PostgresStore) ListRankings(ctx context.Context, arg ListRankingsParams) ([]RankingRow, error) {
	query := `
		SELECT r.position, p.id, p.name, c.name, r.score
		FROM ranking_entries r
		JOIN players p ON p.id = r.player_id
		JOIN cities c ON c.id = r.city_id
		WHERE r.season = $1`
	args := []any{arg.Season}
	if arg.City != "" {
		query += ` AND c.name ILIKE $2`
		args = append(args, "%"+escapeLike(arg.City)+"%")
	}
	query += fmt.Sprintf(` ORDER BY r.position ASC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, arg.Skip, arg.Limit)

	return s.queryRankingRows(ctx, query, args...)
}

// ListLiveRankings ranks straight from votes, used while a season has no
// materialized rows yet.
func (s *PostgresStore) ListLiveRankings(ctx context.Context, arg ListRankingsParams) ([]RankingRow, error) {
	query := scoreQuery
	args := []any{}
	if arg.City != "" {
		query += ` AND c.name ILIKE $1`
		args = append(args, "%"+escapeLike(arg.City)+"%")
	}
	query += fmt.Sprintf(`
	GROUP BY p.id, p.city_id, p.name, c.name
	ORDER BY score DESC, p.id ASC
	OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, arg.Skip, arg.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list live rankings: %w", err)
	}
	defer rows.Close()

	var result []RankingRow
	position := arg.Skip
	for rows.Next() {
		var ps PlayerScore
		if err := rows.Scan(&ps.PlayerID, &ps.CityID, &ps.PlayerName, &ps.CityName, &ps.Score); err != nil {
			return nil, err
		}
		position++
		result = append(result, RankingRow{
			Position:   position,
			PlayerID:   ps.PlayerID,
			PlayerName: ps.PlayerName,
			City:       ps.CityName,
			Votes:      ps.Score,
		})
	}
	return result, rows.Err()
}

func (s *PostgresStore) queryRankingRows(ctx context.Context, query string, args ...any) ([]RankingRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rankings: %w", err)
	}
	defer rows.Close()

	var result []RankingRow
	for rows.Next() {
		var r RankingRow
		if err := rows.Scan(&r.Position, &r.PlayerID, &r.PlayerName, &r.City, &r.Votes); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
