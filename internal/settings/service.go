package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the runtime defaults of the search and graph endpoints.
type Settings struct {
	ID                 int       `json:"-"`
	SearchTopK         int       `json:"search_top_k"`
	GraphNeighbors     int       `json:"graph_neighbors"`
	GraphMinSimilarity float64   `json:"graph_min_similarity"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// Defaults mirror the seed row of the settings table.
func Defaults() *Settings {
	return &Settings{
		ID:                 1,
		SearchTopK:         2,
		GraphNeighbors:     5,
		GraphMinSimilarity: 0.5,
	}
}

func (s *Settings) Validate() error {
	if s.SearchTopK < 1 {
		return fmt.Errorf("%w: search_top_k must be positive", ErrInvalidSettings)
	}
	if s.GraphNeighbors < 1 {
		return fmt.Errorf("%w: graph_neighbors must be positive", ErrInvalidSettings)
	}
	if s.GraphMinSimilarity < -1 || s.GraphMinSimilarity > 1 {
		return fmt.Errorf("%w: graph_min_similarity must be within [-1, 1]", ErrInvalidSettings)
	}
	return nil
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	SearchTopK         *int     `json:"search_top_k"`
	GraphNeighbors     *int     `json:"graph_neighbors"`
	GraphMinSimilarity *float64 `json:"graph_min_similarity"`
}

func (p Patch) applyTo(s *Settings) {
	if p.SearchTopK != nil {
		s.SearchTopK = *p.SearchTopK
	}
	if p.GraphNeighbors != nil {
		s.GraphNeighbors = *p.GraphNeighbors
	}
	if p.GraphMinSimilarity != nil {
		s.GraphMinSimilarity = *p.GraphMinSimilarity
	}
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

// Apply merges p into the current settings and stores the result. Nothing
// is written when the merged settings are invalid.
func (s *Service) Apply(ctx context.Context, p Patch) (*Settings, error) {
	cur, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	next := *cur
	p.applyTo(&next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "settings updated",
		"search_top_k", next.SearchTopK,
		"graph_neighbors", next.GraphNeighbors,
		"graph_min_similarity", next.GraphMinSimilarity)
	return &next, nil
}
