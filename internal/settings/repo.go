package settings

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo stores the single settings row (id 1).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Get returns the stored settings, or Defaults when the row was never seeded.
func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, search_top_k, graph_neighbors, graph_min_similarity, updated_at FROM settings WHERE id = 1`,
	).Scan(&s.ID, &s.SearchTopK, &s.GraphNeighbors, &s.GraphMinSimilarity, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Update writes s as the settings row, creating it if needed, and sets
// s.UpdatedAt to the stored timestamp.
func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `INSERT INTO settings (id, search_top_k, graph_neighbors, graph_min_similarity)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			search_top_k = EXCLUDED.search_top_k,
			graph_neighbors = EXCLUDED.graph_neighbors,
			graph_min_similarity = EXCLUDED.graph_min_similarity,
			updated_at = NOW()
		RETURNING updated_at`
	s.ID = 1
	return r.db.QueryRowContext(ctx, query, s.SearchTopK, s.GraphNeighbors, s.GraphMinSimilarity).Scan(&s.UpdatedAt)
}
