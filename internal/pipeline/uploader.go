package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

const (
	defaultResolution = "1280x720"
	maxTitleLength    = 200
)

var ErrEmptyUpload = errors.New("pipeline: empty upload")

type UploadRequest struct {
	PlayerID   uuid.UUID
	Title      string
	Filename   string
	Visibility db.Visibility
	Body       io.Reader
}

type UploadResult struct {
	Video     db.Video
	MessageID string
	// EnqueueErr is set when the record was committed but the processing
	// request could not be published. The upload still succeeded.
	EnqueueErr error
}

// Uploader stores a new original, records it as pending and asks the
// workers to process it.
type Uploader struct {
	store    Store
	blobs    storage.Storage
	metadata video.Transcoder
	enqueuer *Enqueuer
	params   db.ProcessingParams
	tempDir  string
	now      func() time.Time
}

func NewUploader(store Store, blobs storage.Storage, metadata video.Transcoder, enqueuer *Enqueuer, params db.ProcessingParams, tempDir string) *Uploader {
	return &Uploader{
		store:    store,
		blobs:    blobs,
		metadata: metadata,
		enqueuer: enqueuer,
		params:   params,
		tempDir:  tempDir,
		now:      time.Now,
	}
}

func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title must be 1-%d characters", ErrBadParams, maxTitleLength)
	}

	id := uuid.New()
	ext := strings.ToLower(filepath.Ext(req.Filename))
	key := storage.OriginalKey(id.String(), ext)
	ctx = logger.WithVideoID(ctx, id.String())
	log := logger.FromContext(ctx)

	tmp, err := os.CreateTemp(u.tempDir, "upload-*"+filepath.Ext(key))
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer upload: %w", err)
	}
	if size == 0 {
		return nil, ErrEmptyUpload
	}

	duration, resolution := u.readMetadata(ctx, tmp.Name())

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	if err := u.blobs.Upload(ctx, key, tmp, contentTypeFor(ext), size); err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}

	v, _, err := u.store.CreateVideo(ctx, db.CreateVideoParams{
		ID:                 id,
		PlayerID:           req.PlayerID,
		Title:              title,
		Visibility:         req.Visibility,
		OriginalKey:        key,
		OriginalDuration:   duration,
		OriginalResolution: resolution,
		Format:             strings.TrimPrefix(filepath.Ext(key), "."),
		SizeBytes:          size,
		Params:             u.params,
		UploadedAt:         u.now().UTC(),
	})
	if err != nil {
		if derr := u.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn("removing orphaned original", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("create video record: %w", err)
	}

	res := &UploadResult{Video: v}
	res.MessageID, res.EnqueueErr = u.enqueuer.EnqueueProcessing(ctx, v.ID, v.PlayerID, key, v.Title)
	if res.EnqueueErr != nil {
		log.Error("upload stored but processing request not published", "error", res.EnqueueErr)
	}

	log.Info("video uploaded", "key", key, "size_bytes", size, "duration_s", duration, "resolution", resolution)
	return res, nil
}

// readMetadata is advisory. An unreadable original still uploads with default
// metadata and the transcoder decides later.
func (u *Uploader) readMetadata(ctx context.Context, path string) (int, string) {
	if u.metadata == nil {
		return 0, defaultResolution
	}
	md, err := u.metadata.ReadMetadata(ctx, path)
	if err != nil || md.Width <= 0 || md.Height <= 0 {
		logger.FromContext(ctx).Warn("reading original metadata failed, using defaults", "error", err)
		return 0, defaultResolution
	}
	return md.DurationSeconds(), fmt.Sprintf("%dx%d", md.Width, md.Height)
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "video/mp4"
	}
}
