package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

func TestProcessor_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)

	res := f.processor.Process(ctx, itemFor(v))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, res.Ack)
	assert.Equal(t, 1, res.Attempts)

	got, err := f.store.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VideoStateProcessed, got.State)
	require.NotNil(t, got.ProcessedKey)
	assert.Equal(t, storage.ProcessedKey(v.ID.String()), *got.ProcessedKey)
	assert.Equal(t, 30, *got.ProcessedDuration)
	assert.Equal(t, "1280x720", *got.ProcessedResolution)

	_, ok := f.blobs.Bytes(*got.ProcessedKey)
	assert.True(t, ok, "processed blob written")

	opts := f.transcoder.lastOpts
	assert.Equal(t, video.Options{MaxDurationSeconds: 30, Width: 1280, Height: 720, Watermark: true}, opts)

	a, err := f.store.GetAttempt(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AttemptStateCompleted, a.State)
}

func TestProcessor_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)

	first := f.processor.Process(ctx, itemFor(v))
	require.Equal(t, OutcomeCompleted, first.Outcome)

	second := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.True(t, second.Ack, "duplicate of a finished record is acknowledged")
	assert.Equal(t, 1, f.transcoder.Calls())
}

func TestProcessor_ConcurrentDeliveriesTranscodeOnce(t *testing.T) {
	f := newFixture(t)
	v := f.seedVideo(t)

	const workers = 8
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.processor.Process(context.Background(), itemFor(v))
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, r := range results {
		if r.Outcome == OutcomeCompleted {
			completed++
			continue
		}
		assert.Equal(t, OutcomeSkipped, r.Outcome)
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, f.transcoder.Calls())
}

func TestProcessor_RetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.transcoder.always = fmt.Errorf("%w: exit status 1", video.ErrTranscodeFailed)

	for attempt := 1; attempt <= 2; attempt++ {
		res := f.processor.Process(ctx, itemFor(v))
		assert.Equal(t, OutcomeRetry, res.Outcome, "attempt %d", attempt)
		assert.False(t, res.Ack, "retry leaves the delivery for redelivery")
		assert.Equal(t, attempt, res.Attempts)

		got, _ := f.store.GetVideo(ctx, v.ID)
		assert.Equal(t, db.VideoStateError, got.State)
		assert.Nil(t, got.ProcessedKey)

		a, _ := f.store.GetAttempt(ctx, v.ID)
		assert.Equal(t, db.AttemptStatePending, a.State)
		assert.Nil(t, a.TaskID)

		f.clock.Advance(time.Hour)
	}

	res := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Ack)
	assert.Equal(t, 3, res.Attempts)

	a, _ := f.store.GetAttempt(ctx, v.ID)
	assert.Equal(t, db.AttemptStateFailed, a.State)
	assert.Equal(t, 3, a.Attempts)
	require.NotNil(t, a.LastError)
	assert.Contains(t, *a.LastError, "exit status 1")

	got, _ := f.store.GetVideo(ctx, v.ID)
	assert.Equal(t, db.VideoStateError, got.State)

	// Budget spent; further deliveries are acknowledged without work.
	again := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeSkipped, again.Outcome)
	assert.True(t, again.Ack)
	assert.Equal(t, 3, f.transcoder.Calls())
}

func TestProcessor_EarlyRedeliveryIsNotDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.transcoder.errs = []error{video.ErrTimeout}

	res := f.processor.Process(ctx, itemFor(v))
	require.Equal(t, OutcomeRetry, res.Outcome)

	early := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeNotDue, early.Outcome)
	assert.False(t, early.Ack)

	f.clock.Advance(time.Minute)
	late := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeCompleted, late.Outcome)
	assert.Equal(t, 2, late.Attempts)
}

func TestProcessor_BackoffGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.transcoder.always = video.ErrTranscodeFailed

	f.processor.Process(ctx, itemFor(v))
	a, _ := f.store.GetAttempt(ctx, v.ID)
	require.NotNil(t, a.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Minute), *a.NextAttemptAt)

	f.clock.Advance(time.Minute)
	f.processor.Process(ctx, itemFor(v))
	a, _ = f.store.GetAttempt(ctx, v.ID)
	require.NotNil(t, a.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Minute).Add(2*time.Minute), *a.NextAttemptAt)
}

func TestProcessor_DataIntegrityIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		seed func(t *testing.T, f *fixture) db.Video
	}{
		{
			name: "source blob missing",
			seed: func(t *testing.T, f *fixture) db.Video {
				v := f.seedVideo(t)
				require.NoError(t, f.blobs.Delete(context.Background(), v.OriginalKey))
				return v
			},
		},
		{
			name: "bad resolution",
			seed: func(t *testing.T, f *fixture) db.Video {
				return f.seedVideoWithParams(t, db.ProcessingParams{MaxDurationSeconds: 30, TargetResolution: "wide"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			v := tt.seed(t, f)

			res := f.processor.Process(ctx, itemFor(v))
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.True(t, res.Ack)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, KindDataIntegrity, Classify(res.Err))
			assert.Equal(t, 0, f.transcoder.Calls())

			a, _ := f.store.GetAttempt(ctx, v.ID)
			assert.Equal(t, db.AttemptStateFailed, a.State)
		})
	}
}

func TestProcessor_ResolvesSourceWithOtherExtension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)

	data, _ := f.blobs.Bytes(v.OriginalKey)
	require.NoError(t, f.blobs.Delete(ctx, v.OriginalKey))
	movKey := storage.OriginalKey(v.ID.String(), ".MOV")
	require.NoError(t, f.blobs.Upload(ctx, movKey, bytes.NewReader(data), "video/quicktime", int64(len(data))))

	res := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestProcessor_MetadataFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.transcoder.metadataErr = video.ErrMetadataFailed

	res := f.processor.Process(ctx, itemFor(v))
	require.Equal(t, OutcomeCompleted, res.Outcome)

	got, _ := f.store.GetVideo(ctx, v.ID)
	assert.Equal(t, 30, *got.ProcessedDuration, "min(original 45s, limit 30s)")
	assert.Equal(t, "1280x720", *got.ProcessedResolution)
}

func TestProcessor_VideoDeletedBeforeDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	require.NoError(t, f.store.DeleteVideo(ctx, v.ID))

	res := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, res.Ack)
	assert.Equal(t, 0, f.transcoder.Calls())
}

func TestProcessor_TransientCompleteErrorRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.store.CompleteErr = errors.New("connection reset")

	res := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.False(t, res.Ack)

	f.store.CompleteErr = nil
	f.clock.Advance(time.Minute)
	res = f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestProcessor_ShutdownReturnsRecordToPending(t *testing.T) {
	f := newFixture(t)
	v := f.seedVideo(t)
	f.transcoder.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- f.processor.Process(ctx, itemFor(v)) }()

	require.Eventually(t, func() bool { return f.transcoder.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after cancel")
	}
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.False(t, res.Ack)

	a, err := f.store.GetAttempt(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AttemptStatePending, a.State)
	require.NotNil(t, a.NextAttemptAt)
	assert.False(t, a.NextAttemptAt.After(t0), "interrupted work is claimable immediately")
}

func TestProcessor_PanicGoesThroughFailurePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.seedVideo(t)
	f.transcoder.panicWith = "nil map write"

	res := f.processor.Process(ctx, itemFor(v))
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.False(t, res.Ack)
	assert.ErrorIs(t, res.Err, ErrPanic)

	a, err := f.store.GetAttempt(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AttemptStatePending, a.State, "record must not stay in processing")
	assert.Nil(t, a.TaskID)
	require.NotNil(t, a.LastError)
	assert.Contains(t, *a.LastError, "nil map write")
	require.NotNil(t, a.NextAttemptAt)

	got, _ := f.store.GetVideo(ctx, v.ID)
	assert.Equal(t, db.VideoStateError, got.State)
}
