package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

const payloadField = "payload"

var _ Queue = (*RedisStreamsQueue)(nil)

// RedisStreamsQueue stores messages in a stream read through a consumer
// group. Pending entries idle longer than the visibility timeout are
// reclaimed with XAUTOCLAIM, which gives the redelivery semantics.
type RedisStreamsQueue struct {
	client *redis.Client
	cfg    Config
}

func NewRedisStreamsQueue(client *redis.Client, cfg Config) *RedisStreamsQueue {
	return &RedisStreamsQueue{client: client, cfg: cfg.withDefaults()}
}

// EnsureGroup creates the stream and consumer group when missing.
func (q *RedisStreamsQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Name, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisStreamsQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	body, err := msg.Marshal()
	if err != nil {
		return "", err
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Name,
		Values: map[string]any{payloadField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (q *RedisStreamsQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Name,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: xautoclaim: %v", ErrUnavailable, err)
	}

	deliveries := q.decode(ctx, claimed)
	if len(deliveries) >= max {
		return deliveries, nil
	}

	block := wait
	if len(deliveries) > 0 || block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Name, ">"},
		Count:    int64(max - len(deliveries)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return deliveries, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return deliveries, ctx.Err()
		}
		return deliveries, fmt.Errorf("%w: xreadgroup: %v", ErrUnavailable, err)
	}

	for _, s := range streams {
		deliveries = append(deliveries, q.decode(ctx, s.Messages)...)
	}
	return deliveries, nil
}

// decode drops and acknowledges entries that cannot be parsed; they would
// otherwise be redelivered forever.
func (q *RedisStreamsQueue) decode(ctx context.Context, msgs []redis.XMessage) []Delivery {
	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[payloadField].(string)
		msg, err := Unmarshal([]byte(raw))
		if err != nil {
			logger.FromContext(ctx).Warn("dropping malformed queue entry", "id", m.ID, "error", err)
			_ = q.Acknowledge(ctx, m.ID)
			continue
		}
		deliveries = append(deliveries, Delivery{ID: m.ID, ReceiptHandle: m.ID, Message: msg})
	}
	return deliveries
}

func (q *RedisStreamsQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	var acked *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		acked = pipe.XAck(ctx, q.cfg.Name, q.cfg.Group, receiptHandle)
		pipe.XDel(ctx, q.cfg.Name, receiptHandle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: xack: %v", ErrUnavailable, err)
	}
	if acked.Val() == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (q *RedisStreamsQueue) Close() error {
	return nil
}
