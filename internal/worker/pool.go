package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"paperscope/internal/queue"
)

// ConsumerFactory opens a fresh consumer handle for one worker.
type ConsumerFactory func(workerID int) (queue.Consumer, error)

type PoolConfig struct {
	Workers     int
	Topic       string
	PollTimeout time.Duration
	AutoCommit  bool
	Processor   ProcessorConfig
}

// Pool supervises a fixed set of workers. Each worker owns its own consumer
// and therefore its own share of the topic's partitions.
type Pool struct {
	cfg         PoolConfig
	newConsumer ConsumerFactory
	processor   *Processor
	store       VectorStore
	reporter    StatusReporter
}

func NewPool(cfg PoolConfig, newConsumer ConsumerFactory, e Embedder, s VectorStore, r StatusReporter) *Pool {
	if r == nil {
		r = NopReporter{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	return &Pool{
		cfg:         cfg,
		newConsumer: newConsumer,
		processor:   NewProcessor(e, s, r, cfg.Processor),
		store:       s,
		reporter:    r,
	}
}

// Run starts every worker and blocks until all of them have stopped. Workers
// stop when ctx is cancelled, when they fail to start, or when a poison
// message cannot be dead-lettered. Startup failures are returned as
// *StartupError values, joined with the errors of workers that gave up.
func (p *Pool) Run(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)

	slog.InfoContext(ctx, "starting worker pool", "workers", p.cfg.Workers, "topic", p.cfg.Topic)

	for id := 0; id < p.cfg.Workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wctx := workerContext(ctx, id)

			w, err := p.startWorker(wctx, id)
			if err != nil {
				slog.ErrorContext(wctx, "worker failed to start", "error", err)
				mu.Lock()
				failed = append(failed, &StartupError{WorkerID: id, Err: err})
				mu.Unlock()
				return
			}
			if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(wctx, "worker gave up", "error", err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.reporter.Flush(flushCtx); err != nil {
		slog.WarnContext(ctx, "failed to flush status events", "error", err)
	}

	slog.InfoContext(ctx, "worker pool stopped", "failures", len(failed))
	return errors.Join(failed...)
}

func (p *Pool) startWorker(ctx context.Context, id int) (*Worker, error) {
	consumer, err := p.newConsumer(id)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:          id,
		consumer:    consumer,
		processor:   p.processor,
		store:       p.store,
		topic:       p.cfg.Topic,
		cfg:         p.cfg.Processor,
		pollTimeout: p.cfg.PollTimeout,
		autoCommit:  p.cfg.AutoCommit,
	}
	if err := w.Start(ctx); err != nil {
		if cerr := consumer.Close(); cerr != nil {
			slog.WarnContext(ctx, "failed to close consumer", "error", cerr)
		}
		return nil, err
	}
	return w, nil
}
