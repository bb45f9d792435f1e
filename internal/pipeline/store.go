package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
)

// Store is the processing-record store. db.PostgresStore and db.MemoryStore
// both satisfy it.
type Store interface {
	CreateVideo(ctx context.Context, arg db.CreateVideoParams) (db.Video, db.ProcessingAttempt, error)
	GetVideo(ctx context.Context, id uuid.UUID) (db.Video, error)
	GetAttempt(ctx context.Context, videoID uuid.UUID) (db.ProcessingAttempt, error)
	ClaimAttempt(ctx context.Context, arg db.ClaimAttemptParams) (db.ProcessingAttempt, bool, error)
	CompleteAttempt(ctx context.Context, arg db.CompleteAttemptParams) error
	FailAttempt(ctx context.Context, arg db.FailAttemptParams) error
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]db.ProcessingAttempt, error)
	ReleaseStaleClaims(ctx context.Context, arg db.ReleaseStaleParams) ([]db.ReleasedClaim, error)
	DeleteVideo(ctx context.Context, id uuid.UUID) error
}

var (
	_ Store = (*db.PostgresStore)(nil)
	_ Store = (*db.MemoryStore)(nil)
)
