package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
)

const pollErrorBackoff = time.Second

// Handler processes one item. *Processor satisfies it.
type Handler interface {
	Process(ctx context.Context, item Item) Result
}

type Pool struct {
	source      WorkSource
	handler     Handler
	concurrency int
	log         zerolog.Logger
}

type PoolOption func(*Pool)

func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

func NewPool(source WorkSource, handler Handler, concurrency int, opts ...PoolOption) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	p := &Pool{
		source:      source,
		handler:     handler,
		concurrency: concurrency,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls the source and fans items out to concurrency workers until ctx
// is cancelled. In-flight items finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	metrics.SetWorkerPoolSize(p.concurrency)
	p.log.Info().Int("concurrency", p.concurrency).Msg("worker pool started")

	items := make(chan Item)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(items)
		return p.feed(gctx, items)
	})

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			for item := range items {
				p.handle(ctx, item)
			}
			return nil
		})
	}

	err := g.Wait()
	p.log.Info().Msg("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) feed(ctx context.Context, out chan<- Item) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := p.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, item := range batch {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- item:
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, item Item) {
	metrics.WorkerPoolActive.Inc()
	defer metrics.WorkerPoolActive.Dec()

	res, err := p.safeProcess(ctx, item)
	if err != nil {
		metrics.WorkerPanicsTotal.Inc()
		p.log.Error().Err(err).Str("video_id", item.VideoID.String()).Msg("handler panicked")
		return
	}

	ev := p.log.Debug()
	if res.Err != nil {
		ev = p.log.Warn().Err(res.Err)
	}
	ev.Str("video_id", item.VideoID.String()).
		Str("outcome", string(res.Outcome)).
		Int("attempts", res.Attempts).
		Bool("ack", res.Ack).
		Msg("item handled")

	if !res.Ack {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.source.Ack(actx, item); err != nil {
		p.log.Warn().Err(err).Str("video_id", item.VideoID.String()).Msg("ack failed")
	}
}

func (p *Pool) safeProcess(ctx context.Context, item Item) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.handler.Process(ctx, item), nil
}
