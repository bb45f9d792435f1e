package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

const amqpPollInterval = 200 * time.Millisecond

var _ Queue = (*AMQPQueue)(nil)

// AMQPQueue pulls from a durable RabbitMQ queue with manual acks. RabbitMQ
// has no visibility timeout, so deliveries held longer than the configured
// timeout are nacked back onto the queue on the next Receive.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     Config

	mu       sync.Mutex
	inflight map[string]inflightDelivery
	closed   bool
	now      func() time.Time
}

type inflightDelivery struct {
	tag        uint64
	receivedAt time.Time
}

func NewAMQPQueue(url string, cfg Config) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}

	cfg = cfg.withDefaults()
	if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Name, err)
	}

	return &AMQPQueue{
		conn:     conn,
		channel:  ch,
		cfg:      cfg,
		inflight: make(map[string]inflightDelivery),
		now:      time.Now,
	}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	body, err := msg.Marshal()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	err = q.channel.PublishWithContext(ctx, "", q.cfg.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    q.now(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (q *AMQPQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		deliveries, err := q.fetch(ctx, max)
		if err != nil || len(deliveries) > 0 || !q.now().Before(deadline) {
			return deliveries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpPollInterval):
		}
	}
}

func (q *AMQPQueue) fetch(ctx context.Context, max int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	q.requeueExpiredLocked(ctx)

	var deliveries []Delivery
	for len(deliveries) < max {
		d, ok, err := q.channel.Get(q.cfg.Name, false)
		if err != nil {
			return deliveries, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
		}
		if !ok {
			break
		}

		handle := strconv.FormatUint(d.DeliveryTag, 10)
		msg, err := Unmarshal(d.Body)
		if err != nil {
			logger.FromContext(ctx).Warn("dropping malformed queue message", "message_id", d.MessageId, "error", err)
			_ = q.channel.Ack(d.DeliveryTag, false)
			continue
		}

		q.inflight[handle] = inflightDelivery{tag: d.DeliveryTag, receivedAt: q.now()}
		deliveries = append(deliveries, Delivery{ID: d.MessageId, ReceiptHandle: handle, Message: msg})
	}
	return deliveries, nil
}

func (q *AMQPQueue) requeueExpiredLocked(ctx context.Context) {
	cutoff := q.now().Add(-q.cfg.VisibilityTimeout)
	for handle, d := range q.inflight {
		if d.receivedAt.After(cutoff) {
			continue
		}
		if err := q.channel.Nack(d.tag, false, true); err != nil {
			logger.FromContext(ctx).Warn("requeue expired delivery failed", "receipt", handle, "error", err)
			continue
		}
		delete(q.inflight, handle)
	}
}

func (q *AMQPQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	d, ok := q.inflight[receiptHandle]
	if !ok {
		return ErrUnknownReceipt
	}
	if err := q.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	delete(q.inflight, receiptHandle)
	return nil
}

// Close returns every unacknowledged delivery to the broker.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
