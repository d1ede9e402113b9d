package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"paperscope/internal/paper"
	"paperscope/internal/queue"
)

// QueueReporter publishes status events and dead letters to their topics.
// Status events do not wait for the broker; Flush does. Dead letters wait
// for their ack, since the message they replace is committed afterwards.
type QueueReporter struct {
	pub             queue.Publisher
	statusTopic     string
	deadLetterTopic string
	inflight        sync.WaitGroup
}

func NewQueueReporter(pub queue.Publisher, statusTopic, deadLetterTopic string) *QueueReporter {
	return &QueueReporter{
		pub:             pub,
		statusTopic:     statusTopic,
		deadLetterTopic: deadLetterTopic,
	}
}

func (r *QueueReporter) Report(ctx context.Context, ev paper.StatusEvent) error {
	body, err := paper.EncodeStatus(ev)
	if err != nil {
		return err
	}
	ack, err := r.pub.Publish(ctx, r.statusTopic, []byte(ev.PaperID), body)
	if err != nil {
		return err
	}
	r.track(ctx, ack, r.statusTopic)
	return nil
}

func (r *QueueReporter) DeadLetter(ctx context.Context, dl paper.DeadLetter) error {
	body, err := paper.EncodeDeadLetter(dl)
	if err != nil {
		return err
	}
	ack, err := r.pub.Publish(ctx, r.deadLetterTopic, nil, body)
	if err != nil {
		return err
	}
	if _, err := ack.Wait(ctx); err != nil {
		return fmt.Errorf("dead letter delivery: %w", err)
	}
	return nil
}

func (r *QueueReporter) track(ctx context.Context, ack *queue.Ack, topic string) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		<-ack.Done()
		if _, err := ack.Wait(context.Background()); err != nil {
			slog.WarnContext(ctx, "event delivery failed", "error", err, "topic", topic)
		}
	}()
}

func (r *QueueReporter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopReporter discards events. Used when status reporting is disabled.
type NopReporter struct{}

func (NopReporter) Report(context.Context, paper.StatusEvent) error { return nil }
func (NopReporter) DeadLetter(context.Context, paper.DeadLetter) error {
	return nil
}
func (NopReporter) Flush(context.Context) error { return nil }
