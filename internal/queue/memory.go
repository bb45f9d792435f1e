package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue implements the visibility-timeout protocol in process. The
// clock is injectable so tests can expire deliveries without sleeping.
type MemoryQueue struct {
	mu       sync.Mutex
	notify   chan struct{}
	ready    []memoryEntry
	inflight map[string]memoryEntry
	nextID   int
	nextRcpt int
	closed   bool

	VisibilityTimeout time.Duration
	Now               func() time.Time
	// EnqueueErr, when set, is returned by Enqueue.
	EnqueueErr error
}

type memoryEntry struct {
	id         string
	msg        Message
	receivedAt time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		notify:            make(chan struct{}, 1),
		inflight:          make(map[string]memoryEntry),
		VisibilityTimeout: visibility,
		Now:               time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.EnqueueErr != nil {
		return "", q.EnqueueErr
	}
	if q.closed {
		return "", ErrClosed
	}

	q.nextID++
	id := strconv.Itoa(q.nextID)
	q.ready = append(q.ready, memoryEntry{id: id, msg: msg})
	q.signal()
	return id, nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		deliveries, err := q.take(max)
		if err != nil || len(deliveries) > 0 || wait <= 0 {
			return deliveries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.take(max)
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) take(max int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := q.Now()
	for handle, e := range q.inflight {
		if now.Sub(e.receivedAt) >= q.VisibilityTimeout {
			delete(q.inflight, handle)
			q.ready = append(q.ready, memoryEntry{id: e.id, msg: e.msg})
		}
	}

	var deliveries []Delivery
	for len(deliveries) < max && len(q.ready) > 0 {
		e := q.ready[0]
		q.ready = q.ready[1:]

		q.nextRcpt++
		handle := e.id + "-" + strconv.Itoa(q.nextRcpt)
		e.receivedAt = now
		q.inflight[handle] = e
		deliveries = append(deliveries, Delivery{ID: e.id, ReceiptHandle: handle, Message: e.msg})
	}
	return deliveries, nil
}

func (q *MemoryQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptHandle]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receiptHandle)
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len reports ready and in-flight message counts.
func (q *MemoryQueue) Len() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}
