package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(videoID string) Message {
	return Message{
		Action:    ActionProcessVideo,
		VideoID:   videoID,
		PlayerID:  uuid.NewString(),
		SourceKey: "originals/" + videoID + ".mp4",
		Title:     "skill clip",
		Timestamp: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUnmarshal(t *testing.T) {
	good, err := newMessage("v1").Marshal()
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", string(good), false},
		{"wrong action", `{"action":"delete_video","video_id":"v1"}`, true},
		{"missing id", `{"action":"process_video"}`, true},
		{"not json", `{{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Unmarshal([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "v1", msg.VideoID)
			assert.Equal(t, "originals/v1.mp4", msg.SourceKey)
		})
	}
}

func TestMessage_WireFormat(t *testing.T) {
	body, err := newMessage("v1").Marshal()
	require.NoError(t, err)
	for _, field := range []string{`"action":"process_video"`, `"video_id":"v1"`, `"player_id"`, `"source_key"`, `"title"`, `"timestamp"`} {
		assert.Contains(t, string(body), field)
	}
}

// testQueueContract exercises the at-least-once protocol shared by every
// backend.
func testQueueContract(t *testing.T, q Queue, visibility time.Duration, advance func(time.Duration)) {
	ctx := context.Background()

	id, err := q.Enqueue(ctx, newMessage("v1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := q.Receive(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Message.VideoID)

	// Invisible while in flight.
	again, err := q.Receive(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Redelivered once the visibility timeout lapses without an ack.
	advance(visibility + time.Millisecond)
	redelivered, err := q.Receive(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "v1", redelivered[0].Message.VideoID)

	require.NoError(t, q.Acknowledge(ctx, redelivered[0].ReceiptHandle))

	advance(visibility + time.Millisecond)
	after, err := q.Receive(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, after, "acknowledged message must not come back")
}

func TestMemoryQueue_Contract(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	q := NewMemoryQueue(time.Minute)
	q.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	testQueueContract(t, q, time.Minute, func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	})
}

func TestMemoryQueue_ReceiveWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()

	done := make(chan []Delivery, 1)
	go func() {
		d, _ := q.Receive(ctx, 1, 5*time.Second)
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, newMessage("v2"))
	require.NoError(t, err)

	select {
	case d := <-done:
		require.Len(t, d, 1)
		assert.Equal(t, "v2", d[0].Message.VideoID)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not wake on enqueue")
	}
}

func TestMemoryQueue_MaxMessages(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = q.Enqueue(ctx, newMessage("v"))
	}

	got, err := q.Receive(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	ready, inflight := q.Len()
	assert.Equal(t, 2, ready)
	assert.Equal(t, 3, inflight)
}

func TestMemoryQueue_UnknownReceipt(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	assert.ErrorIs(t, q.Acknowledge(context.Background(), "nope"), ErrUnknownReceipt)
}

func TestMemoryQueue_ContextCanceled(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStreamsQueue_Contract(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	stream := "test_video_processing_" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, stream) })

	visibility := 200 * time.Millisecond
	q := NewRedisStreamsQueue(client, Config{Name: stream, Group: "g", Consumer: "c", VisibilityTimeout: visibility})
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx), "EnsureGroup must be idempotent")

	testQueueContract(t, q, visibility, time.Sleep)
}

func TestJobQueue_Contract(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	name := "test_jobs_" + uuid.NewString()
	t.Cleanup(func() {
		for _, p := range []string{"high", "medium", "low"} {
			client.Del(context.Background(), "stream:"+name+":"+p)
		}
	})

	visibility := 200 * time.Millisecond
	q := NewJobQueue(client, Config{Name: name, Group: "g", Consumer: "c", VisibilityTimeout: visibility}, zerolog.Nop())

	testQueueContract(t, q, visibility, time.Sleep)

	// Close must leave the shared client usable.
	require.NoError(t, q.Close())
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestJobQueue_UnknownReceipt(t *testing.T) {
	q := NewJobQueue(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{}, zerolog.Nop())
	assert.ErrorIs(t, q.Acknowledge(context.Background(), "1-0"), ErrUnknownReceipt)
}

func TestAMQPQueue_Contract(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	visibility := 200 * time.Millisecond
	q, err := NewAMQPQueue(url, Config{Name: "test_video_processing_" + uuid.NewString(), VisibilityTimeout: visibility})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	testQueueContract(t, q, visibility, time.Sleep)
}
