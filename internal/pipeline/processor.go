package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/config"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means another worker owns or already finished the record.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNotDue means the record is waiting out a retry backoff.
	OutcomeNotDue Outcome = "not_due"
	// OutcomeDeferred means the store could not be reached; the item will
	// be seen again.
	OutcomeDeferred Outcome = "deferred"
)

// Result tells the caller whether the work item can be acknowledged. An
// item is acknowledged only once its record is terminal or gone.
type Result struct {
	Outcome  Outcome
	Ack      bool
	Attempts int
	Err      error
}

type ProcessorConfig struct {
	TempDir     string
	RetryPolicy RetryPolicy
	// FinalizeTimeout bounds the state write that follows a cancelled run.
	FinalizeTimeout time.Duration
}

type Processor struct {
	store      Store
	blobs      storage.Storage
	transcoder video.Transcoder
	cfg        ProcessorConfig
	now        func() time.Time
	newTaskID  func() string
}

func NewProcessor(store Store, blobs storage.Storage, transcoder video.Transcoder, cfg ProcessorConfig) *Processor {
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Processor{
		store:      store,
		blobs:      blobs,
		transcoder: transcoder,
		cfg:        cfg,
		now:        time.Now,
		newTaskID:  uuid.NewString,
	}
}

// Process claims the item's record and drives it to processed, back to
// pending for a retry, or to failed.
func (p *Processor) Process(ctx context.Context, item Item) Result {
	ctx = tracing.ExtractTraceContext(ctx, item.Trace)
	taskID := p.newTaskID()
	videoID := item.VideoID.String()

	ctx = logger.WithVideoID(ctx, videoID)
	ctx = logger.WithTaskID(ctx, taskID)
	log := logger.FromContext(ctx)
	if item.Receipt != "" {
		log = log.With("message_id", item.Receipt)
		ctx = logger.WithLogger(ctx, log)
	}

	now := p.now()
	attempt, claimed, err := p.store.ClaimAttempt(ctx, db.ClaimAttemptParams{
		VideoID: item.VideoID,
		TaskID:  taskID,
		Now:     now,
	})
	if err != nil {
		metrics.RecordClaim("error")
		log.Error("claim failed", "error", err)
		return Result{Outcome: OutcomeDeferred, Err: err}
	}
	if !claimed {
		return p.unclaimed(ctx, item.VideoID, now)
	}
	metrics.RecordClaim("claimed")

	ctx, span := tracing.StartProcessSpan(ctx, videoID, taskID)
	defer span.End()

	log = log.With("attempt", attempt.Attempts)
	ctx = logger.WithLogger(ctx, log)
	log.Info("processing claimed video")

	start := time.Now()
	err = p.runRecovered(ctx, item, attempt, taskID)
	if err == nil {
		metrics.RecordAttempt(string(OutcomeCompleted), "")
		metrics.RecordStage("total", time.Since(start))
		log.Info("video processed", "duration_ms", time.Since(start).Milliseconds())
		return Result{Outcome: OutcomeCompleted, Ack: true, Attempts: attempt.Attempts}
	}

	if errors.Is(err, db.ErrClaimLost) {
		log.Warn("claim released while processing", "error", err)
		return p.unclaimed(ctx, item.VideoID, p.now())
	}

	span.RecordError(err)
	return p.fail(ctx, item, attempt, taskID, err)
}

func (p *Processor) unclaimed(ctx context.Context, videoID uuid.UUID, now time.Time) Result {
	log := logger.FromContext(ctx)

	a, err := p.store.GetAttempt(ctx, videoID)
	if errors.Is(err, db.ErrNotFound) {
		metrics.RecordClaim("missing")
		log.Info("video no longer exists, dropping work item")
		return Result{Outcome: OutcomeSkipped, Ack: true}
	}
	if err != nil {
		metrics.RecordClaim("error")
		return Result{Outcome: OutcomeDeferred, Err: err}
	}

	switch a.State {
	case db.AttemptStateCompleted, db.AttemptStateFailed:
		metrics.RecordClaim("lost")
		log.Debug("record already finished", "state", a.State)
		return Result{Outcome: OutcomeSkipped, Ack: true, Attempts: a.Attempts}
	case db.AttemptStatePending:
		if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
			metrics.RecordClaim("not_due")
			log.Debug("record waiting for retry", "next_attempt_at", a.NextAttemptAt)
			return Result{Outcome: OutcomeNotDue, Attempts: a.Attempts}
		}
	}

	metrics.RecordClaim("lost")
	log.Debug("record claimed by another worker", "state", a.State)
	return Result{Outcome: OutcomeSkipped, Attempts: a.Attempts}
}

// runRecovered turns a panic in run into ErrPanic so the claimed record
// still goes through the failure path instead of sitting in processing
// until the sweeper releases it.
func (p *Processor) runRecovered(ctx context.Context, item Item, attempt db.ProcessingAttempt, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("panic while processing", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return p.run(ctx, item, attempt, taskID)
}

func (p *Processor) run(ctx context.Context, item Item, attempt db.ProcessingAttempt, taskID string) error {
	log := logger.FromContext(ctx)
	params := attempt.Params

	width, height, err := config.ParseResolution(params.TargetResolution)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}

	v, err := p.store.GetVideo(ctx, item.VideoID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrVideoMissing, item.VideoID)
	}
	if err != nil {
		return fmt.Errorf("load video: %w", err)
	}

	key := item.SourceKey
	if key == "" {
		key = v.OriginalKey
	}
	sourceKey, err := storage.ResolveSource(ctx, p.blobs, key, item.VideoID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSourceMissing, err)
	}
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}

	workDir, err := p.createWorkDir(item.VideoID.String())
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	sourcePath := filepath.Join(workDir, "source"+path.Ext(sourceKey))
	outputPath := filepath.Join(workDir, "output.mp4")

	stage := time.Now()
	if err := p.download(ctx, sourceKey, sourcePath); err != nil {
		return err
	}
	metrics.RecordStage("download", time.Since(stage))

	stage = time.Now()
	res, err := p.transcoder.Transcode(ctx, sourcePath, outputPath, video.Options{
		MaxDurationSeconds: params.MaxDurationSeconds,
		Width:              width,
		Height:             height,
		Watermark:          params.Watermark,
	})
	if err != nil {
		return err
	}
	metrics.RecordStage("transcode", time.Since(stage))
	if params.Watermark && !res.Watermarked {
		metrics.WatermarkFallbacksTotal.Inc()
	}

	duration, resolution := p.measureOutput(ctx, outputPath, v, params)

	stage = time.Now()
	processedKey := storage.ProcessedKey(item.VideoID.String())
	if err := p.upload(ctx, processedKey, outputPath); err != nil {
		return err
	}
	metrics.RecordStage("upload", time.Since(stage))

	fctx, cancel := p.finalizeContext(ctx)
	defer cancel()
	if err := p.store.CompleteAttempt(fctx, db.CompleteAttemptParams{
		VideoID:             item.VideoID,
		TaskID:              taskID,
		ProcessedKey:        processedKey,
		ProcessedDuration:   duration,
		ProcessedResolution: resolution,
		Now:                 p.now(),
	}); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}

	log.Debug("processed clip stored", "key", processedKey, "duration_s", duration, "resolution", resolution)
	return nil
}

// measureOutput measures the stored clip. Metadata is advisory, so a failed
// read falls back to the requested limits.
func (p *Processor) measureOutput(ctx context.Context, outputPath string, v db.Video, params db.ProcessingParams) (int, string) {
	md, err := p.transcoder.ReadMetadata(ctx, outputPath)
	if err == nil && md.Width > 0 && md.Height > 0 {
		return md.DurationSeconds(), fmt.Sprintf("%dx%d", md.Width, md.Height)
	}

	duration := params.MaxDurationSeconds
	if v.OriginalDuration > 0 && v.OriginalDuration < duration {
		duration = v.OriginalDuration
	}
	logger.FromContext(ctx).Warn("reading processed clip metadata failed, using requested limits",
		"error", err, "duration_s", duration, "resolution", params.TargetResolution)
	return duration, params.TargetResolution
}

func (p *Processor) fail(ctx context.Context, item Item, attempt db.ProcessingAttempt, taskID string, cause error) Result {
	log := logger.FromContext(ctx)
	kind := Classify(cause)
	decision := p.cfg.RetryPolicy.Decide(attempt.Attempts, kind)

	// Shutdown interrupted the run; hand the record back without judging it.
	if ctx.Err() != nil {
		kind = KindTransientInfra
		decision = RetryDecision{Retry: true}
	}

	fctx, cancel := p.finalizeContext(ctx)
	defer cancel()

	now := p.now()
	err := p.store.FailAttempt(fctx, db.FailAttemptParams{
		VideoID:       item.VideoID,
		TaskID:        taskID,
		Error:         cause.Error(),
		Now:           now,
		Retry:         decision.Retry,
		NextAttemptAt: now.Add(decision.Delay),
	})
	if err != nil {
		log.Error("recording failed attempt", "error", err, "cause", cause)
		return Result{Outcome: OutcomeDeferred, Attempts: attempt.Attempts, Err: err}
	}

	if decision.Retry {
		metrics.RecordAttempt(string(OutcomeRetry), string(kind))
		log.Warn("processing failed, will retry",
			"error", cause, "kind", kind, "retry_in", decision.Delay)
		return Result{Outcome: OutcomeRetry, Attempts: attempt.Attempts, Err: cause}
	}

	metrics.RecordAttempt(string(OutcomeFailed), string(kind))
	log.Error("processing failed permanently", "error", cause, "kind", kind)
	return Result{Outcome: OutcomeFailed, Ack: true, Attempts: attempt.Attempts, Err: cause}
}

func (p *Processor) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
}

func (p *Processor) createWorkDir(videoID string) (string, error) {
	dir, err := os.MkdirTemp(p.cfg.TempDir, "video-"+videoID+"-*")
	if err != nil && os.IsNotExist(err) && p.cfg.TempDir != "" {
		dir, err = os.MkdirTemp("", "video-"+videoID+"-*")
	}
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func (p *Processor) download(ctx context.Context, key, dst string) error {
	r, err := p.blobs.Download(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSourceMissing, key)
	}
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer func() { _ = r.Close() }()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("download source: %w", err)
	}
	return f.Close()
}

func (p *Processor) upload(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open processed clip: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat processed clip: %w", err)
	}
	if err := p.blobs.Upload(ctx, key, f, "video/mp4", info.Size()); err != nil {
		return fmt.Errorf("upload processed clip: %w", err)
	}
	return nil
}
