package papers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"paperscope/internal/middleware"
	"paperscope/internal/paper"
	"paperscope/internal/queue"
)

var ErrInvalidPaper = errors.New("invalid paper")

type StatusRecorder interface {
	Record(ctx context.Context, ev paper.StatusEvent) error
}

// Submission is returned as soon as the task is handed to the queue. Ack
// resolves when the broker accepts or rejects it.
type Submission struct {
	PaperID string       `json:"paper_id"`
	Status  paper.Status `json:"status"`
	Ack     *queue.Ack   `json:"-"`
}

type Service struct {
	pub     queue.Publisher
	topic   string
	tracker StatusRecorder
}

// NewService builds the ingestion coordinator. tracker may be nil.
func NewService(pub queue.Publisher, topic string, tracker StatusRecorder) *Service {
	return &Service{pub: pub, topic: topic, tracker: tracker}
}

// Submit assigns the paper a fresh id and enqueues it for processing. It
// does not wait for delivery; only an immediate publish failure is
// returned. Submitting the same paper twice indexes it twice.
func (s *Service) Submit(ctx context.Context, p paper.Paper) (*Submission, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	corr := middleware.GetCorrelationID(ctx)
	if corr == "unknown" {
		corr = ""
	}
	submitted := time.Now().UTC()

	body, err := paper.EncodeTask(paper.NewTask(id, p, corr))
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	ack, err := s.pub.Publish(ctx, s.topic, nil, body)
	if err != nil {
		return nil, fmt.Errorf("enqueue paper: %w", err)
	}
	go logDelivery(context.WithoutCancel(ctx), id, ack)

	if s.tracker != nil {
		ev := paper.StatusEvent{
			PaperID:       id,
			Status:        paper.StatusProcessing,
			CorrelationID: corr,
			Timestamp:     submitted,
		}
		if err := s.tracker.Record(ctx, ev); err != nil {
			slog.WarnContext(ctx, "failed to record processing status", "error", err, "paper_id", id)
		}
	}

	slog.InfoContext(ctx, "paper submitted", "paper_id", id)
	return &Submission{PaperID: id, Status: paper.StatusProcessing, Ack: ack}, nil
}

func logDelivery(ctx context.Context, id string, ack *queue.Ack) {
	d, err := ack.Wait(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "message delivery failed", "error", err, "paper_id", id)
		return
	}
	slog.DebugContext(ctx, "message delivered", "paper_id", id, "topic", d.Topic, "partition", d.Partition)
}

// Validate reports whether p can be submitted.
func Validate(p paper.Paper) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPaper)
	}
	if strings.TrimSpace(p.Abstract) == "" {
		return fmt.Errorf("%w: abstract is required", ErrInvalidPaper)
	}
	return nil
}
