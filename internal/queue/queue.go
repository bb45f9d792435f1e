package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

const ActionProcessVideo = "process_video"

var (
	// ErrUnavailable marks transient broker failures. Callers on the upload
	// path log it and carry on.
	ErrUnavailable    = errors.New("queue: unavailable")
	ErrUnknownReceipt = errors.New("queue: unknown or expired receipt handle")
	ErrClosed         = errors.New("queue: closed")
)

// Message is the wire payload of a processing request.
type Message struct {
	Action    string               `json:"action"`
	VideoID   string               `json:"video_id"`
	PlayerID  string               `json:"player_id"`
	SourceKey string               `json:"source_key"`
	Title     string               `json:"title"`
	Timestamp time.Time            `json:"timestamp"`
	Trace     tracing.TraceCarrier `json:"trace,omitempty"`
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Action != ActionProcessVideo {
		return Message{}, fmt.Errorf("decode message: unexpected action %q", m.Action)
	}
	if m.VideoID == "" {
		return Message{}, errors.New("decode message: missing video_id")
	}
	return m, nil
}

// Delivery is a received message. It stays invisible to other consumers
// until acknowledged or until the visibility timeout lapses.
type Delivery struct {
	ID            string
	ReceiptHandle string
	Message       Message
}

// Queue is an at-least-once channel of processing requests.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) (string, error)
	// Receive blocks up to wait for at least one message and returns at
	// most max.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	// Acknowledge removes the message permanently.
	Acknowledge(ctx context.Context, receiptHandle string) error
	Close() error
}

type Config struct {
	Name              string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "video_processing"
	}
	if c.Group == "" {
		c.Group = "workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	return c
}
