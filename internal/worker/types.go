package worker

import (
	"context"
	"errors"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

// ErrNotRecorded marks a poison message whose dead letter never reached the
// broker. Such a message must not be committed.
var ErrNotRecorded = errors.New("dead letter not recorded")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dim int, distance vector.Distance) error
	Upsert(ctx context.Context, collection string, points ...vector.Point) error
}

// StatusReporter emits the terminal outcome of each delivery.
type StatusReporter interface {
	Report(ctx context.Context, ev paper.StatusEvent) error
	DeadLetter(ctx context.Context, dl paper.DeadLetter) error
	// Flush waits for pending events to be acknowledged.
	Flush(ctx context.Context) error
}
