package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paperscope/internal/logger"
	"paperscope/internal/queue"
	"paperscope/internal/vector"
)

// StartupError reports a worker that never reached its poll loop.
type StartupError struct {
	WorkerID int
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("worker %d startup: %v", e.WorkerID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Worker is one sequential poll loop bound to a single consumer handle.
type Worker struct {
	id          int
	consumer    queue.Consumer
	processor   *Processor
	store       VectorStore
	topic       string
	cfg         ProcessorConfig
	pollTimeout time.Duration
	autoCommit  bool
}

// Start makes sure the collection exists and joins the consumer group.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.store.EnsureCollection(ctx, w.cfg.Collection, w.cfg.Dimension, vector.DistanceCosine); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	listener := queue.RebalanceFuncs{
		Assigned: func(tps []queue.TopicPartition) {
			slog.InfoContext(ctx, "partitions assigned", "partitions", fmt.Sprint(tps))
		},
		Revoked: func(tps []queue.TopicPartition) {
			slog.InfoContext(ctx, "partitions revoked", "partitions", fmt.Sprint(tps))
		},
	}
	if err := w.consumer.Subscribe([]string{w.topic}, listener); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.topic, err)
	}
	return nil
}

// Run polls until ctx is cancelled, then leaves the group. A task already
// being processed is finished first.
//
// A poison message that could not be dead-lettered is left uncommitted and
// ends the loop with an error, so the group hands the partition to another
// member from the last committed offset.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.consumer.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close consumer", "error", err)
		}
		slog.InfoContext(ctx, "worker stopped")
	}()

	for ctx.Err() == nil {
		msg, err := w.consumer.Poll(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				slog.WarnContext(ctx, "consumer closed, worker exiting")
				return nil
			}
			slog.WarnContext(ctx, "poll failed", "error", err)
			w.backoff(ctx)
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.processor.Handle(ctx, w.id, msg); errors.Is(err, ErrNotRecorded) {
			slog.ErrorContext(ctx, "leaving message uncommitted, worker exiting", "partition", msg.Partition, "offset", msg.Offset)
			return fmt.Errorf("worker %d: partition %d offset %d: %w", w.id, msg.Partition, msg.Offset, err)
		}

		if w.autoCommit {
			continue
		}
		if err := w.consumer.Commit(msg); err != nil {
			if errors.Is(err, queue.ErrNotAssigned) {
				slog.WarnContext(ctx, "partition moved before commit, message will be redelivered", "partition", msg.Partition, "offset", msg.Offset)
				continue
			}
			slog.ErrorContext(ctx, "commit failed", "error", err, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
	return nil
}

func (w *Worker) backoff(ctx context.Context) {
	t := time.NewTimer(w.pollTimeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func workerContext(ctx context.Context, id int) context.Context {
	return logger.WithWorker(ctx, id)
}
