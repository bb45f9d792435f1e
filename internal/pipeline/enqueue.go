package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/queue"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

// Enqueuer publishes processing requests. A nil *Enqueuer is valid and
// publishes nothing, which is how scan-mode deployments run.
type Enqueuer struct {
	q   queue.Queue
	now func() time.Time
}

func NewEnqueuer(q queue.Queue) *Enqueuer {
	return &Enqueuer{q: q, now: time.Now}
}

func (e *Enqueuer) EnqueueProcessing(ctx context.Context, videoID, playerID uuid.UUID, sourceKey, title string) (string, error) {
	if e == nil || e.q == nil {
		return "", nil
	}

	ctx, span := tracing.StartEnqueueSpan(ctx, videoID.String())
	defer span.End()

	msg := queue.Message{
		Action:    queue.ActionProcessVideo,
		VideoID:   videoID.String(),
		PlayerID:  playerID.String(),
		SourceKey: sourceKey,
		Title:     title,
		Timestamp: e.now().UTC(),
		Trace:     tracing.InjectTraceContext(ctx),
	}

	id, err := e.q.Enqueue(ctx, msg)
	metrics.RecordQueueOperation("enqueue", err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("enqueue video %s: %w", videoID, err)
	}

	logger.FromContext(ctx).Debug("processing request published", "video_id", videoID, "message_id", id)
	return id, nil
}
