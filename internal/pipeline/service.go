package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/apperror"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

const presignExpirySeconds = 3600

// VideoState is what a player sees. A failed video is just "error"; the
// cause stays in the logs and in VideoReport.
type VideoState struct {
	VideoID      uuid.UUID     `json:"video_id"`
	State        db.VideoState `json:"status"`
	ProcessedURL string        `json:"processed_url,omitempty"`
}

// VideoReport adds the attempt bookkeeping for operators.
type VideoReport struct {
	VideoState
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Service is what the HTTP layer calls for per-video reads and deletes.
type Service struct {
	store Store
	blobs storage.Storage
}

func NewService(store Store, blobs storage.Storage) *Service {
	return &Service{store: store, blobs: blobs}
}

func (s *Service) GetVideoState(ctx context.Context, videoID uuid.UUID) (*VideoState, error) {
	v, err := s.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperror.Wrap(err, apperror.ErrVideoNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}

	st := &VideoState{VideoID: v.ID, State: v.State}
	if v.State == db.VideoStateProcessed && v.ProcessedKey != nil {
		url, err := s.blobs.GetPresignedURL(ctx, *v.ProcessedKey, presignExpirySeconds)
		if err != nil {
			logger.FromContext(ctx).Warn("presigning processed clip", "video_id", videoID, "error", err)
		} else {
			st.ProcessedURL = url
		}
	}
	return st, nil
}

// Inspect is GetVideoState plus the attempt record. It is for clipctl and
// must not be served to players.
func (s *Service) Inspect(ctx context.Context, videoID uuid.UUID) (*VideoReport, error) {
	st, err := s.GetVideoState(ctx, videoID)
	if err != nil {
		return nil, err
	}

	r := &VideoReport{VideoState: *st}
	a, err := s.store.GetAttempt(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	r.Attempts = a.Attempts
	r.NextAttemptAt = a.NextAttemptAt
	if a.LastError != nil {
		r.LastError = *a.LastError
	}
	return r, nil
}

// CanDelete reports whether a video may be removed: never while a worker
// holds it, and never once it is published.
func CanDelete(v db.Video) bool {
	switch v.State {
	case db.VideoStateProcessing:
		return false
	case db.VideoStateProcessed:
		return v.Visibility != db.VisibilityPublic
	default:
		return true
	}
}

func (s *Service) CanDelete(ctx context.Context, videoID uuid.UUID) (bool, error) {
	v, err := s.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return false, apperror.Wrap(err, apperror.ErrVideoNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("get video: %w", err)
	}
	return CanDelete(v), nil
}

// Delete removes a player's own video. Blob removal is best-effort; the row
// delete cascades to the processing record and votes.
func (s *Service) Delete(ctx context.Context, playerID, videoID uuid.UUID) error {
	log := logger.FromContext(ctx)

	v, err := s.store.GetVideo(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		return apperror.Wrap(err, apperror.ErrVideoNotFound)
	}
	if err != nil {
		return fmt.Errorf("get video: %w", err)
	}
	if v.PlayerID != playerID {
		return apperror.ErrVideoNotOwned
	}
	if !CanDelete(v) {
		return apperror.ErrDeleteNotAllowed
	}

	keys := []string{v.OriginalKey}
	if v.ProcessedKey != nil {
		keys = append(keys, *v.ProcessedKey)
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("failed to delete blob", "video_id", videoID, "key", key, "error", err)
		}
	}

	if err := s.store.DeleteVideo(ctx, videoID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperror.Wrap(err, apperror.ErrVideoNotFound)
		}
		return fmt.Errorf("delete video: %w", err)
	}

	log.Info("video deleted", "video_id", videoID, "player_id", playerID)
	return nil
}
