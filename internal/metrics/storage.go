package metrics

import (
	"context"
	"io"
	"time"

	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

// InstrumentedStorage records operation counts, latencies and bytes moved.
// GetPresignedURL and HealthCheck pass through uninstrumented.
type InstrumentedStorage struct {
	storage.Storage
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

func NewInstrumentedStorage(s storage.Storage) *InstrumentedStorage {
	return &InstrumentedStorage{Storage: s}
}

func (s *InstrumentedStorage) Upload(ctx context.Context, key string, reader io.Reader, contentType string, size int64) error {
	start := time.Now()

	err := s.Storage.Upload(ctx, key, reader, contentType, size)

	observe("upload", start, err)
	if err == nil {
		StorageBytesTotal.WithLabelValues("upload").Add(float64(size))
	}

	return err
}

func (s *InstrumentedStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	reader, err := s.Storage.Download(ctx, key)

	observe("download", start, err)

	if err != nil {
		return nil, err
	}

	return &instrumentedReadCloser{ReadCloser: reader}, nil
}

func (s *InstrumentedStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := s.Storage.Delete(ctx, key)

	observe("delete", start, err)

	return err
}

func (s *InstrumentedStorage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	exists, err := s.Storage.Exists(ctx, key)

	observe("exists", start, err)

	return exists, err
}

func (s *InstrumentedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Storage.List(ctx, prefix)
	observe("list", start, err)
	return keys, err
}

func observe(operation string, start time.Time, err error) {
	StorageOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

type instrumentedReadCloser struct {
	io.ReadCloser
	bytesRead int64
}

func (r *instrumentedReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.bytesRead += int64(n)
	return n, err
}

func (r *instrumentedReadCloser) Close() error {
	StorageBytesTotal.WithLabelValues("download").Add(float64(r.bytesRead))
	return r.ReadCloser.Close()
}
