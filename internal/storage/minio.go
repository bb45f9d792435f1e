package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

var _ Storage = (*MinIOStorage)(nil)

// MinIOStorage keeps originals and processed clips in one S3-compatible
// bucket.
type MinIOStorage struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOStorage(cfg *Config) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOStorage{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket on first start.
func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	logger.FromContext(ctx).Info("creating bucket", "bucket", s.bucket, "region", s.region)
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *MinIOStorage) Upload(ctx context.Context, key string, reader io.Reader, contentType string, size int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	start := time.Now()

	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return s.fail(ctx, "upload", key, err)
	}

	logger.FromContext(ctx).Debug("storage upload completed",
		"key", key, "size", info.Size, "content_type", contentType,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Download stats the object before returning it so a missing key surfaces
// as ErrNotFound here rather than on the first Read.
func (s *MinIOStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.fail(ctx, "download", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.fail(ctx, "download", key, err)
	}
	return obj, nil
}

// Delete succeeds when the key is already gone.
func (s *MinIOStorage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.fail(ctx, "delete", key, err)
	}
	logger.FromContext(ctx).Debug("storage object deleted", "key", key)
	return nil
}

func (s *MinIOStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	mapped := mapError(err)
	if mapped == ErrNotFound {
		return false, nil
	}
	return false, fmt.Errorf("exists %s: %w", key, mapped)
}

func (s *MinIOStorage) GetPresignedURL(ctx context.Context, key string, expirySeconds int) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, time.Duration(expirySeconds)*time.Second, nil)
	if err != nil {
		return "", s.fail(ctx, "presign", key, err)
	}
	return u.String(), nil
}

func (s *MinIOStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, mapError(obj.Err))
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MinIOStorage) HealthCheck(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket check: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// fail logs the failure and wraps the mapped error with the operation and key.
func (s *MinIOStorage) fail(ctx context.Context, op, key string, err error) error {
	mapped := mapError(err)
	log := logger.FromContext(ctx)
	if mapped == ErrNotFound {
		log.Warn("storage object not found", "op", op, "key", key)
	} else {
		log.Error("storage operation failed", "op", op, "key", key, "error", err)
	}
	return fmt.Errorf("%s %s: %w", op, key, mapped)
}

// mapError turns S3 error responses into the package sentinels.
func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return ErrAccessDenied
	default:
		return err
	}
}
