package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/job-queue/pkg/broker"
	"github.com/abdul-hamid-achik/job-queue/pkg/job"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

// followUpWait bounds the extra Dequeue calls that fill a batch. A zero
// timeout would block forever in XREADGROUP.
const followUpWait = time.Millisecond

var _ Queue = (*JobQueue)(nil)

// JobQueue runs processing requests through the job-queue Redis Streams
// broker. The Message travels as the job payload. Deliveries are never
// acked by the broker on its own; unacked ones idle past the visibility
// timeout are reclaimed and requeued on the next Receive.
type JobQueue struct {
	broker *broker.RedisStreamsBroker
	cfg    Config

	mu       sync.Mutex
	inflight map[string]*job.Job
}

func NewJobQueue(client redis.UniversalClient, cfg Config, log zerolog.Logger) *JobQueue {
	cfg = cfg.withDefaults()
	return &JobQueue{
		broker: broker.NewRedisStreamsBroker(client,
			broker.WithWorkerID(cfg.Consumer),
			broker.WithGroupName(cfg.Group),
			broker.WithClaimIdleTime(cfg.VisibilityTimeout),
			broker.WithLogger(log),
		),
		cfg:      cfg,
		inflight: make(map[string]*job.Job),
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	j, err := job.NewWithOptions(ActionProcessVideo, msg,
		job.WithQueue(q.cfg.Name),
		job.WithTimeout(q.cfg.VisibilityTimeout),
		// Retries are decided by the processing attempt, not the broker.
		job.WithMaxRetries(0),
		job.WithMetadata("video_id", msg.VideoID),
	)
	if err != nil {
		return "", fmt.Errorf("build job: %w", err)
	}
	if err := q.broker.Enqueue(ctx, j); err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return j.ID, nil
}

func (q *JobQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	q.requeueStale(ctx)

	var deliveries []Delivery
	for len(deliveries) < max {
		timeout := followUpWait
		if len(deliveries) == 0 && wait > 0 {
			timeout = wait
		}

		j, err := q.broker.Dequeue(ctx, []string{q.cfg.Name}, timeout)
		if errors.Is(err, broker.ErrQueueEmpty) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return deliveries, ctx.Err()
			}
			if len(deliveries) > 0 {
				break
			}
			return nil, fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
		}

		receipt := j.Metadata["message_id"]
		msg, err := Unmarshal(j.Payload)
		if err != nil {
			logger.FromContext(ctx).Warn("dropping malformed job", "job_id", j.ID, "error", err)
			_ = q.broker.Ack(ctx, j)
			continue
		}

		q.mu.Lock()
		q.inflight[receipt] = j
		q.mu.Unlock()
		deliveries = append(deliveries, Delivery{ID: j.ID, ReceiptHandle: receipt, Message: msg})
	}
	return deliveries, nil
}

// requeueStale moves deliveries idle longer than the visibility timeout
// back onto the stream under the same job id. Their old receipts stop
// working.
func (q *JobQueue) requeueStale(ctx context.Context) {
	log := logger.FromContext(ctx)
	stale, err := q.broker.GetPendingJobs(ctx, q.cfg.Name, q.cfg.VisibilityTimeout)
	if err != nil {
		log.Warn("pending job scan failed", "queue", q.cfg.Name, "error", err)
		return
	}
	for _, j := range stale {
		receipt := j.Metadata["message_id"]
		if err := q.broker.RequeueStaleJob(ctx, j); err != nil {
			log.Debug("stale job not requeued", "job_id", j.ID, "error", err)
			continue
		}
		q.mu.Lock()
		delete(q.inflight, receipt)
		q.mu.Unlock()
	}
}

func (q *JobQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	j, ok := q.inflight[receiptHandle]
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	if !ok {
		return ErrUnknownReceipt
	}

	if err := q.broker.Ack(ctx, j); err != nil {
		q.mu.Lock()
		q.inflight[receiptHandle] = j
		q.mu.Unlock()
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	return nil
}

// Close leaves the broker open: broker.Close would close the redis client,
// which the ranking cache shares.
func (q *JobQueue) Close() error {
	return nil
}
