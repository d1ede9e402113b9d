package vector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

func newStore(t *testing.T, dim int) *vector.MemoryStore {
	t.Helper()
	s := vector.NewMemoryStore()
	require.NoError(t, s.EnsureCollection(context.Background(), "papers", dim, vector.DistanceCosine))
	return s
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 3)

	v := []float32{0.1, 0.7, 0.2}
	require.NoError(t, s.Upsert(ctx, "papers", vector.Point{ID: "p1", Vector: v, Payload: paper.Payload{Title: "first"}}))
	require.NoError(t, s.Upsert(ctx, "papers", vector.Point{ID: "p1", Vector: v, Payload: paper.Payload{Title: "second"}}))

	n, err := s.Count(ctx, "papers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := s.Get("papers", "p1")
	require.True(t, ok)
	assert.Equal(t, "second", got.Payload.Title)

	matches, err := s.Search(ctx, "papers", v, 1, false)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Nil(t, matches[0].Vector)
}

func TestMemoryStore_SearchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2)

	require.NoError(t, s.Upsert(ctx, "papers",
		vector.Point{ID: "a", Vector: []float32{1, 0}},
		vector.Point{ID: "b", Vector: []float32{0.7, 0.7}},
		vector.Point{ID: "c", Vector: []float32{0, 1}},
	))

	matches, err := s.Search(ctx, "papers", []float32{1, 0.1}, 2, true)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Len(t, matches[0].Vector, 2)

	// Asking for more than exists returns everything.
	all, err := s.Search(ctx, "papers", []float32{1, 0}, 10, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 3)

	err := s.Upsert(ctx, "papers", vector.Point{ID: "p1", Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	_, err = s.Search(ctx, "papers", []float32{1}, 1, false)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	err = s.EnsureCollection(ctx, "papers", 4, vector.DistanceCosine)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	// Same dimension is a no-op.
	assert.NoError(t, s.EnsureCollection(ctx, "papers", 3, vector.DistanceCosine))
}

func TestMemoryStore_UnknownCollection(t *testing.T) {
	s := vector.NewMemoryStore()
	_, err := s.Search(context.Background(), "nope", []float32{1}, 1, false)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	err = s.Upsert(context.Background(), "nope", vector.Point{ID: "x"})
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)
}

func TestMemoryStore_Scroll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 2)
	require.NoError(t, s.Upsert(ctx, "papers",
		vector.Point{ID: "b", Vector: []float32{1, 0}},
		vector.Point{ID: "a", Vector: []float32{0, 1}},
	))

	all, err := s.Scroll(ctx, "papers", 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.NotEmpty(t, all[0].Vector)

	one, err := s.Scroll(ctx, "papers", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, vector.CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, vector.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, vector.CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, vector.CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
