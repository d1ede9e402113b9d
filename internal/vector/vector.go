// Package vector holds the vector index contract shared by the worker pool
// and the search path, plus an in-memory implementation.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"paperscope/internal/paper"
)

var (
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrCollectionNotFound = errors.New("collection not found")
)

type Distance string

const (
	DistanceCosine Distance = "cosine"
)

// Point is an indexed paper. ID doubles as the paper id.
type Point struct {
	ID      string
	Vector  []float32
	Payload paper.Payload
}

// Match is a search hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID      string
	Score   float64
	Payload paper.Payload
	Vector  []float32
}

// Store is the vector index. Upsert replaces any existing point with the
// same id in full.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int, distance Distance) error
	Upsert(ctx context.Context, collection string, points ...Point) error
	Search(ctx context.Context, collection string, query []float32, k int, withVectors bool) ([]Match, error)
	Scroll(ctx context.Context, collection string, limit int) ([]Match, error)
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// CheckDimension rejects vectors whose length differs from dim.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
