package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paperscope/internal/middleware"
	"paperscope/internal/paper"
	"paperscope/internal/queue"
	"paperscope/internal/vector"
)

type ProcessorConfig struct {
	Collection    string
	Dimension     int
	EmbedTimeout  time.Duration
	UpsertTimeout time.Duration
	// DeadLetterAttempts bounds how often a dead letter is published before
	// the message is given back to the group. Defaults to 3.
	DeadLetterAttempts int
	// DeadLetterBackoff is the first pause between attempts; it doubles.
	DeadLetterBackoff time.Duration
}

const deadLetterTimeout = 10 * time.Second

// Processor turns one queued task into an indexed paper. It makes a single
// attempt per delivery; failures are reported, never retried. Only the
// dead letter of a poison message is retried.
type Processor struct {
	embedder Embedder
	store    VectorStore
	reporter StatusReporter
	cfg      ProcessorConfig
}

func NewProcessor(e Embedder, s VectorStore, r StatusReporter, cfg ProcessorConfig) *Processor {
	if r == nil {
		r = NopReporter{}
	}
	if cfg.DeadLetterAttempts < 1 {
		cfg.DeadLetterAttempts = 3
	}
	if cfg.DeadLetterBackoff <= 0 {
		cfg.DeadLetterBackoff = 200 * time.Millisecond
	}
	return &Processor{
		embedder: e,
		store:    s,
		reporter: r,
		cfg:      cfg,
	}
}

// Handle processes msg and reports its outcome. The returned error is the
// task's failure, if any; the message counts as delivered either way,
// unless the error wraps ErrNotRecorded.
func (p *Processor) Handle(ctx context.Context, workerID int, msg *queue.Message) error {
	task, err := paper.DecodeTask(msg.Value)
	if err != nil {
		var de *paper.DecodeError
		if errors.As(err, &de) && de.PaperID != "" {
			slog.ErrorContext(ctx, "invalid task", "error", err, "paper_id", de.PaperID, "partition", msg.Partition)
			p.report(ctx, paper.StatusEvent{
				PaperID:   de.PaperID,
				Status:    paper.StatusError,
				Error:     err.Error(),
				WorkerID:  workerID,
				Partition: msg.Partition,
				Task:      rawTask(msg.Value),
				Timestamp: time.Now().UTC(),
			})
			return err
		}

		slog.ErrorContext(ctx, "poison pill: task without paper id", "error", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		dl := paper.DeadLetter{
			Body:      string(msg.Value),
			Error:     err.Error(),
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			WorkerID:  workerID,
			Timestamp: time.Now().UTC(),
		}
		if derr := p.deadLetter(ctx, dl); derr != nil {
			slog.ErrorContext(ctx, "failed to dead-letter message", "error", derr, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
			return fmt.Errorf("%w: %w", ErrNotRecorded, errors.Join(err, derr))
		}
		return err
	}

	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}

	ev := paper.StatusEvent{
		PaperID:       task.PaperID,
		Status:        paper.StatusCompleted,
		WorkerID:      workerID,
		Partition:     msg.Partition,
		CorrelationID: task.CorrelationID,
	}

	if err := p.index(ctx, task); err != nil {
		slog.ErrorContext(ctx, "paper processing failed", "error", err, "paper_id", task.PaperID, "partition", msg.Partition)
		ev.Status = paper.StatusError
		ev.Error = err.Error()
		ev.Task = rawTask(msg.Value)
		ev.Timestamp = time.Now().UTC()
		p.report(ctx, ev)
		return err
	}

	slog.InfoContext(ctx, "paper indexed", "paper_id", task.PaperID, "partition", msg.Partition, "offset", msg.Offset)
	ev.Timestamp = time.Now().UTC()
	p.report(ctx, ev)
	return nil
}

// index embeds and upserts a task. Shutdown does not interrupt these calls;
// each runs under its own deadline instead.
func (p *Processor) index(ctx context.Context, task paper.Task) error {
	detached := context.WithoutCancel(ctx)

	embedCtx, cancel := withTimeout(detached, p.cfg.EmbedTimeout)
	vec, err := p.embedder.Embed(embedCtx, task.EmbeddingText())
	cancel()
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	if p.cfg.Dimension > 0 {
		if err := vector.CheckDimension(vec, p.cfg.Dimension); err != nil {
			return err
		}
	}

	upsertCtx, cancel := withTimeout(detached, p.cfg.UpsertTimeout)
	defer cancel()

	point := vector.Point{
		ID:      task.PaperID,
		Vector:  vec,
		Payload: task.Payload(),
	}
	if err := p.store.Upsert(upsertCtx, p.cfg.Collection, point); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// deadLetter publishes dl until the broker accepts it, the attempts run out
// or ctx is cancelled.
func (p *Processor) deadLetter(ctx context.Context, dl paper.DeadLetter) error {
	delay := p.cfg.DeadLetterBackoff
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
		err := p.reporter.DeadLetter(dctx, dl)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= p.cfg.DeadLetterAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		slog.WarnContext(ctx, "dead letter publish failed, retrying", "error", err, "attempt", attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
}

func (p *Processor) report(ctx context.Context, ev paper.StatusEvent) {
	if err := p.reporter.Report(context.WithoutCancel(ctx), ev); err != nil {
		slog.WarnContext(ctx, "failed to report status", "error", err, "paper_id", ev.PaperID, "status", ev.Status)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func rawTask(body []byte) json.RawMessage {
	if !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
