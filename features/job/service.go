package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paperscope/internal/paper"
	"paperscope/internal/queue"
)

var ErrPublishTimeout = errors.New("timeout waiting for queue publish")

type Option func(*Service)

// WithPublishTimeout bounds how long Retry waits for the broker to accept
// the republished task.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

type Service struct {
	repo           Repository
	pub            queue.Publisher
	topic          string
	publishTimeout time.Duration
}

func NewService(repo Repository, pub queue.Publisher, topic string, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		pub:            pub,
		topic:          topic,
		publishTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	return s.repo.List(ctx, f)
}

// Retry republishes the job's original task. The task keeps its paper id,
// so a retried paper overwrites its earlier point instead of adding a
// second one.
//
// A paper's job stays in the store until the paper is indexed: another
// failure lands on the same row and bumps its retry count, and the
// completed status removes it. Dead letters have no paper to wait for and
// are removed once the broker has accepted the body.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.resubmit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) resubmit(ctx context.Context, j *Job) error {
	if err := s.republish(ctx, j); err != nil {
		return err
	}
	if j.PaperID != "" {
		return nil
	}
	return s.repo.Delete(ctx, j.ID)
}

// RetryReport summarises a bulk retry.
type RetryReport struct {
	Retried int      `json:"retried"`
	Failed  []string `json:"failed"`
}

// RetryAll resubmits every job matching f as Retry does. A job that cannot
// be republished is listed in the report.
func (s *Service) RetryAll(ctx context.Context, f Filter) (*RetryReport, error) {
	jobs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Failed: []string{}}
	for i := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		j := &jobs[i]
		if err := s.resubmit(ctx, j); err != nil {
			slog.WarnContext(ctx, "failed to retry job", "id", j.ID, "paper_id", j.PaperID, "error", err)
			report.Failed = append(report.Failed, j.ID)
			continue
		}
		report.Retried++
	}
	slog.InfoContext(ctx, "bulk retry finished", "retried", report.Retried, "failed", len(report.Failed))
	return report, nil
}

// Discard drops a job without replaying it.
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "failed job discarded", "id", id)
	return nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) republish(ctx context.Context, j *Job) error {
	body, err := retryMessage(j)
	if err != nil {
		return err
	}

	var key []byte
	if j.PaperID != "" {
		key = []byte(j.PaperID)
	}
	ack, err := s.pub.Publish(ctx, s.topic, key, body)
	if err != nil {
		return fmt.Errorf("publish retry: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if _, err := ack.Wait(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrPublishTimeout
		}
		return fmt.Errorf("publish retry: %w", err)
	}

	slog.InfoContext(ctx, "failed job republished", "id", j.ID, "paper_id", j.PaperID, "handler", j.Handler)
	return nil
}

// retryMessage recovers the queue message a job was created from. Dead
// letters wrap the raw body they were given.
func retryMessage(j *Job) ([]byte, error) {
	if j.Handler != HandlerDeadLetter {
		return j.Payload, nil
	}
	dl, err := paper.DecodeDeadLetter(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", j.ID, err)
	}
	return []byte(dl.Body), nil
}
