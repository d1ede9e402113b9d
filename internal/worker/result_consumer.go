package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paperscope/features/job"
	"paperscope/internal/middleware"
	"paperscope/internal/paper"
	"paperscope/internal/queue"
)

type StatusRecorder interface {
	Record(ctx context.Context, ev paper.StatusEvent) error
}

type FailedJobStore interface {
	Save(ctx context.Context, j *job.Job) error
	DeleteByPaper(ctx context.Context, paperID string) (bool, error)
}

// ResultConsumer persists worker outcomes: the latest status per paper, and
// a failed job for every error status or dead letter so it can be retried.
// A completed status clears the paper's failed job.
type ResultConsumer struct {
	statuses        StatusRecorder
	jobRepo         FailedJobStore
	statusTopic     string
	deadLetterTopic string
}

func NewResultConsumer(s StatusRecorder, j FailedJobStore, statusTopic, deadLetterTopic string) *ResultConsumer {
	return &ResultConsumer{
		statuses:        s,
		jobRepo:         j,
		statusTopic:     statusTopic,
		deadLetterTopic: deadLetterTopic,
	}
}

// Run subscribes c to the status and dead-letter topics and handles events
// until ctx is cancelled. Every event is committed once handled; storage
// failures are logged, not redelivered.
func (h *ResultConsumer) Run(ctx context.Context, c queue.Consumer, pollTimeout time.Duration) error {
	if err := c.Subscribe([]string{h.statusTopic, h.deadLetterTopic}, nil); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close result consumer", "error", err)
		}
	}()

	for ctx.Err() == nil {
		msg, err := c.Poll(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			slog.WarnContext(ctx, "result poll failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		_ = h.HandleMessage(ctx, msg)
		if err := c.Commit(msg); err != nil {
			slog.WarnContext(ctx, "failed to commit result", "error", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
	return nil
}

func (h *ResultConsumer) HandleMessage(ctx context.Context, m *queue.Message) error {
	if len(m.Value) == 0 {
		return nil
	}
	if m.Topic == h.deadLetterTopic {
		return h.handleDeadLetter(ctx, m)
	}

	ev, err := paper.DecodeStatus(m.Value)
	if err != nil {
		slog.ErrorContext(ctx, "invalid status event", "error", err)
		return nil // Don't retry invalid messages
	}

	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx = middleware.WithCorrelationID(ctx, correlationID)

	if err := h.statuses.Record(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "failed to record status", "error", err, "paper_id", ev.PaperID)
		return err
	}

	switch ev.Status {
	case paper.StatusError:
	case paper.StatusCompleted:
		return h.resolve(ctx, ev.PaperID)
	default:
		slog.DebugContext(ctx, "status recorded", "paper_id", ev.PaperID, "status", ev.Status)
		return nil
	}

	slog.ErrorContext(ctx, "paper ingestion failed", "paper_id", ev.PaperID, "worker_id", ev.WorkerID, "error", ev.Error)
	if ev.Task == nil {
		return nil
	}
	failedJob := &job.Job{
		PaperID: ev.PaperID,
		Handler: job.HandlerPaperWorker,
		Payload: ev.Task,
		Error:   ev.Error,
	}
	return h.save(ctx, failedJob)
}

func (h *ResultConsumer) handleDeadLetter(ctx context.Context, m *queue.Message) error {
	dl, err := paper.DecodeDeadLetter(m.Value)
	if err != nil {
		slog.ErrorContext(ctx, "invalid dead letter", "error", err)
		return nil
	}
	slog.WarnContext(ctx, "dead letter received", "topic", dl.Topic, "partition", dl.Partition, "offset", dl.Offset, "error", dl.Error)

	failedJob := &job.Job{
		Handler: job.HandlerDeadLetter,
		Payload: json.RawMessage(m.Value),
		Error:   dl.Error,
	}
	return h.save(ctx, failedJob)
}

func (h *ResultConsumer) resolve(ctx context.Context, paperID string) error {
	deleted, err := h.jobRepo.DeleteByPaper(ctx, paperID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clear failed job", "error", err, "paper_id", paperID)
		return err
	}
	if deleted {
		slog.InfoContext(ctx, "retried paper indexed, failed job cleared", "paper_id", paperID)
	}
	return nil
}

func (h *ResultConsumer) save(ctx context.Context, j *job.Job) error {
	if err := h.jobRepo.Save(ctx, j); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return err
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", j.ID, "handler", j.Handler)
	return nil
}
