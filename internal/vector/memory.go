package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a brute-force index kept in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim    int
	points map[string]Point
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, name string, dim int, _ Distance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("%w: collection %s has %d, want %d", ErrDimensionMismatch, name, c.dim, dim)
		}
		return nil
	}
	s.collections[name] = &memCollection{dim: dim, points: make(map[string]Point)}
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, points ...Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	for _, p := range points {
		if err := CheckDimension(p.Vector, c.dim); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
	}
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		p.Vector = vec
		c.points[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, query []float32, k int, withVectors bool) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err := CheckDimension(query, c.dim); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(c.points))
	for _, p := range c.points {
		m := Match{ID: p.ID, Score: CosineSimilarity(query, p.Vector), Payload: p.Payload}
		if withVectors {
			m.Vector = p.Vector
		}
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemoryStore) Scroll(_ context.Context, collection string, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	out := make([]Match, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, Match{ID: p.ID, Payload: p.Payload, Vector: p.Vector})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return len(c.points), nil
}

// Get returns the stored point for id.
func (s *MemoryStore) Get(collection, id string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return Point{}, false
	}
	p, ok := c.points[id]
	return p, ok
}

func (s *MemoryStore) Close() error { return nil }
