package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/queue"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

// Item is one unit of claimable work, whichever source produced it.
type Item struct {
	VideoID   uuid.UUID
	SourceKey string
	Trace     tracing.TraceCarrier
	// Receipt is set for queue-backed items.
	Receipt string
}

// WorkSource hides whether work arrives from a queue or from scanning the
// processing-record table.
type WorkSource interface {
	Poll(ctx context.Context) ([]Item, error)
	// Ack is called once nothing is left to do for the item.
	Ack(ctx context.Context, item Item) error
}

type QueueSource struct {
	q     queue.Queue
	batch int
	wait  time.Duration
}

func NewQueueSource(q queue.Queue, batch int, wait time.Duration) *QueueSource {
	if batch <= 0 {
		batch = 1
	}
	return &QueueSource{q: q, batch: batch, wait: wait}
}

func (s *QueueSource) Poll(ctx context.Context) ([]Item, error) {
	deliveries, err := s.q.Receive(ctx, s.batch, s.wait)
	metrics.RecordQueueOperation("receive", err)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(deliveries))
	for _, d := range deliveries {
		id, err := uuid.Parse(d.Message.VideoID)
		if err != nil {
			logger.FromContext(ctx).Warn("discarding message with invalid video id",
				"message_id", d.ID, "video_id", d.Message.VideoID)
			_ = s.q.Acknowledge(ctx, d.ReceiptHandle)
			continue
		}
		items = append(items, Item{
			VideoID:   id,
			SourceKey: d.Message.SourceKey,
			Trace:     d.Message.Trace,
			Receipt:   d.ReceiptHandle,
		})
	}
	metrics.QueueMessagesReceived.Add(float64(len(items)))
	return items, nil
}

func (s *QueueSource) Ack(ctx context.Context, item Item) error {
	err := s.q.Acknowledge(ctx, item.Receipt)
	metrics.RecordQueueOperation("ack", err)
	return err
}

// ClaimableLister is the slice of Store the scan source needs.
type ClaimableLister interface {
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]db.ProcessingAttempt, error)
}

// ScanSource polls the processing-record table for pending, due attempts.
type ScanSource struct {
	store    ClaimableLister
	batch    int
	interval time.Duration
	now      func() time.Time
}

func NewScanSource(store ClaimableLister, batch int, interval time.Duration) *ScanSource {
	if batch <= 0 {
		batch = 1
	}
	return &ScanSource{store: store, batch: batch, interval: interval, now: time.Now}
}

// Poll sleeps for the scan interval when nothing is claimable so an idle
// worker does not hammer the database.
func (s *ScanSource) Poll(ctx context.Context) ([]Item, error) {
	attempts, err := s.store.ListClaimable(ctx, s.now(), s.batch)
	if err != nil {
		return nil, err
	}

	if len(attempts) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
		return nil, nil
	}

	items := make([]Item, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, Item{VideoID: a.VideoID})
	}
	return items, nil
}

func (s *ScanSource) Ack(context.Context, Item) error {
	return nil
}
