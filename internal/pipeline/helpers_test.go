package pipeline

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTranscoder writes a fixed payload to the output path and reports the
// configured metadata. Errors are consumed in order, one per Transcode.
type fakeTranscoder struct {
	mu          sync.Mutex
	errs        []error
	always      error
	metadataErr error
	meta        video.Metadata
	calls       int
	block       chan struct{}
	lastOpts    video.Options
	watermark   bool
	panicWith   any
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{
		meta:      video.Metadata{Duration: 30.0, Width: 1280, Height: 720},
		watermark: true,
	}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, src, dst string, opts video.Options) (*video.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastOpts = opts
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	} else {
		err = f.always
	}
	block := f.block
	panicWith := f.panicWith
	f.mu.Unlock()

	if panicWith != nil {
		panic(panicWith)
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(src); statErr != nil {
		return nil, statErr
	}
	if err := os.WriteFile(dst, []byte("processed:"+src), 0o644); err != nil {
		return nil, err
	}
	return &video.Result{Watermarked: opts.Watermark && f.watermark}, nil
}

func (f *fakeTranscoder) ReadMetadata(_ context.Context, _ string) (*video.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	md := f.meta
	return &md, nil
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store      *db.MemoryStore
	blobs      *storage.MemoryStorage
	transcoder *fakeTranscoder
	clock      *clock
	processor  *Processor
	player     db.Player
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:      db.NewMemoryStore(),
		blobs:      storage.NewMemoryStorage(),
		transcoder: newFakeTranscoder(),
		clock:      newClock(),
	}

	city := db.City{ID: uuid.New(), Name: "Cali"}
	f.player = db.Player{ID: uuid.New(), Name: "player-1", CityID: city.ID}
	require.NoError(t, f.store.UpsertCity(ctx, city))
	require.NoError(t, f.store.UpsertPlayer(ctx, f.player))

	f.processor = NewProcessor(f.store, f.blobs, f.transcoder, ProcessorConfig{
		TempDir:     t.TempDir(),
		RetryPolicy: RetryPolicy{MaxAttempts: 3, Backoff: time.Minute},
	})
	f.processor.now = f.clock.Now
	return f
}

// seedVideo stores an original blob and a pending record for it.
func (f *fixture) seedVideo(t *testing.T) db.Video {
	t.Helper()
	return f.seedVideoWithParams(t, db.ProcessingParams{MaxDurationSeconds: 30, TargetResolution: "1280x720", Watermark: true})
}

func itemFor(v db.Video) Item {
	return Item{VideoID: v.ID, SourceKey: v.OriginalKey, Receipt: "r-" + v.ID.String()}
}

func (f *fixture) seedVideoWithParams(t *testing.T, params db.ProcessingParams) db.Video {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	key := storage.OriginalKey(id.String(), ".mp4")
	require.NoError(t, f.blobs.Upload(ctx, key, bytes.NewReader([]byte("original")), "video/mp4", 8))

	v, _, err := f.store.CreateVideo(ctx, db.CreateVideoParams{
		ID:                 id,
		PlayerID:           f.player.ID,
		Title:              "rabona",
		OriginalKey:        key,
		OriginalDuration:   45,
		OriginalResolution: "1920x1080",
		Params:             params,
		UploadedAt:         t0,
	})
	require.NoError(t, err)
	return v
}
