// Package app connects the shared backends every command needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/skillclips/internal/cache"
	"github.com/abdul-hamid-achik/skillclips/internal/config"
	"github.com/abdul-hamid-achik/skillclips/internal/db"
	"github.com/abdul-hamid-achik/skillclips/internal/health"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/pipeline"
	"github.com/abdul-hamid-achik/skillclips/internal/processor/video"
	"github.com/abdul-hamid-achik/skillclips/internal/queue"
	"github.com/abdul-hamid-achik/skillclips/internal/storage"
)

// Deps holds open connections. Close releases them in reverse order.
type Deps struct {
	Config *config.Config
	Log    *slog.Logger

	Pool  *pgxpool.Pool
	Store *db.PostgresStore
	Redis *redis.Client
	Blobs storage.Storage
	Cache cache.Cache
	// Queue is nil for the scan backend.
	Queue queue.Queue

	closers []func()
}

// Open connects to Postgres, Redis, object storage and, unless the scan
// backend is configured, the work queue.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log}

	log.Info("connecting to database")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	d.closers = append(d.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	d.Pool = pool
	d.Store = db.NewPostgresStore(pool)
	if err := d.Store.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	log.Info("database connected")

	log.Info("connecting to object storage")
	minioStore, err := storage.NewMinIOStorage(&storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
		Region:    cfg.MinIORegion,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	d.Blobs = metrics.NewInstrumentedStorage(minioStore)
	log.Info("object storage connected")

	log.Info("connecting to redis")
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	d.Redis = redis.NewClient(redisOpt)
	d.closers = append(d.closers, func() { _ = d.Redis.Close() })
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.Cache = cache.NewRedisCache(d.Redis)

	q, err := openQueue(ctx, cfg, d.Redis)
	if err != nil {
		d.Close()
		return nil, err
	}
	if q != nil {
		d.Queue = q
		d.closers = append(d.closers, func() { _ = q.Close() })
	}
	log.Info("queue ready", "backend", cfg.QueueBackend, "name", cfg.QueueName)

	return d, nil
}

func openQueue(ctx context.Context, cfg *config.Config, client *redis.Client) (queue.Queue, error) {
	qcfg := queue.Config{
		Name:              cfg.QueueName,
		Consumer:          consumerName(),
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}

	switch cfg.QueueBackend {
	case "redis":
		q := queue.NewRedisStreamsQueue(client, qcfg)
		if err := q.EnsureGroup(ctx); err != nil {
			return nil, fmt.Errorf("failed to create consumer group: %w", err)
		}
		return q, nil
	case "jobqueue":
		return queue.NewJobQueue(client, qcfg, logger.NewZerolog(cfg.LogLevel, "queue")), nil
	case "amqp":
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, qcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		return q, nil
	case "scan":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Enqueuer returns a publisher for the configured queue. It is nil for the
// scan backend, which needs no messages.
func (d *Deps) Enqueuer() *pipeline.Enqueuer {
	if d.Queue == nil {
		return nil
	}
	return pipeline.NewEnqueuer(d.Queue)
}

// WorkSource picks the queue or the table scan as the worker's input.
func (d *Deps) WorkSource() pipeline.WorkSource {
	if d.Queue == nil {
		return pipeline.NewScanSource(d.Store, d.Config.QueueBatchSize, d.Config.QueueWaitTime)
	}
	return pipeline.NewQueueSource(d.Queue, d.Config.QueueBatchSize, d.Config.QueueWaitTime)
}

func (d *Deps) Transcoder() (*video.FFmpegTranscoder, error) {
	vcfg := video.DefaultConfig()
	vcfg.FFmpegPath = d.Config.FFmpegPath
	vcfg.FFprobePath = d.Config.FFprobePath
	vcfg.WatermarkPath = d.Config.WatermarkPath
	vcfg.TempDir = d.Config.TempDir
	if d.Config.TranscodeTimeout > 0 {
		vcfg.Timeout = d.Config.TranscodeTimeout
	}
	return video.NewFFmpegTranscoder(vcfg)
}

func (d *Deps) RetryPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{MaxAttempts: d.Config.MaxAttempts, Backoff: d.Config.RetryBackoff}
}

func (d *Deps) Health() *health.Checker {
	return health.NewChecker().
		WithDatabase(d.Pool).
		WithRedis(d.Redis).
		WithStorage(d.Blobs)
}

// ProcessingParams is the snapshot stored with each new upload.
func ProcessingParams(cfg *config.Config) db.ProcessingParams {
	return db.ProcessingParams{
		MaxDurationSeconds: cfg.MaxDurationSeconds,
		TargetResolution:   cfg.TargetResolution,
		Watermark:          cfg.WatermarkPath != "",
	}
}

// ErrNoQueue is returned by commands that publish when the scan backend is
// configured.
var ErrNoQueue = errors.New("no queue configured (QUEUE_BACKEND=scan)")

// ShutdownTimeout bounds graceful shutdown of servers and pools.
const ShutdownTimeout = 30 * time.Second
