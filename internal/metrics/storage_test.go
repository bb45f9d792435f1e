package metrics

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

func TestInstrumentedStorage(t *testing.T) {
	ctx := context.Background()
	s := NewInstrumentedStorage(storage.NewMemoryStorage())

	uploadsBefore := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("upload", "success"))
	bytesBefore := testutil.ToFloat64(StorageBytesTotal.WithLabelValues("download"))
	missBefore := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("download", "error"))

	if err := s.Upload(ctx, "processed/v1_final.mp4", strings.NewReader("clip"), "video/mp4", 4); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("upload", "success")) - uploadsBefore; got != 1 {
		t.Errorf("upload successes = %v, want 1", got)
	}

	r, err := s.Download(ctx, "processed/v1_final.mp4")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
	if got := testutil.ToFloat64(StorageBytesTotal.WithLabelValues("download")) - bytesBefore; got != 4 {
		t.Errorf("download bytes = %v, want 4", got)
	}

	if _, err := s.Download(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Download() error = %v, want ErrNotFound", err)
	}
	if got := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("download", "error")) - missBefore; got != 1 {
		t.Errorf("download errors = %v, want 1", got)
	}

	keys, err := s.List(ctx, storage.ProcessedPrefix)
	if err != nil || len(keys) != 1 {
		t.Errorf("List() = %v, %v", keys, err)
	}
}

func TestRecordRecompute(t *testing.T) {
	RecordRecompute("test", "2026-Q1", 7, 0, nil)
	if got := testutil.ToFloat64(RankingEntries.WithLabelValues("2026-Q1")); got != 7 {
		t.Errorf("ranking entries = %v, want 7", got)
	}

	before := testutil.ToFloat64(RankingRecomputesTotal.WithLabelValues("test", "error"))
	RecordRecompute("test", "2026-Q1", 0, 0, errors.New("boom"))
	if got := testutil.ToFloat64(RankingRecomputesTotal.WithLabelValues("test", "error")) - before; got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RankingEntries.WithLabelValues("2026-Q1")); got != 7 {
		t.Errorf("failed recompute must not overwrite entries gauge, got %v", got)
	}
}
