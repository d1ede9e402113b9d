// Package pgvector stores paper vectors in a Postgres table using the
// pgvector extension. Each collection is one table.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

const undefinedTable = "42P01"

type Store struct {
	db *sql.DB
}

// Open creates a pool using the pgx driver. No connection is made until
// first use. The returned store owns the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgvector db: %w", err)
	}
	return NewStore(db), nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func table(collection string) string {
	return pgx.Identifier{collection}.Sanitize()
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dim int, distance vector.Distance) error {
	if distance != vector.DistanceCosine {
		return fmt.Errorf("pgvector: unsupported distance %q", distance)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}

	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table(name), dim)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	// For vector columns atttypmod holds the declared dimension.
	var existing int
	err := s.db.QueryRowContext(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = to_regclass($1) AND attname = 'embedding'`,
		table(name)).Scan(&existing)
	if err != nil {
		return fmt.Errorf("inspect collection %s: %w", name, err)
	}
	if existing > 0 && existing != dim {
		return fmt.Errorf("%w: collection %s has %d, want %d", vector.ErrDimensionMismatch, name, existing, dim)
	}
	return nil
}

// Upsert writes points in one transaction, replacing rows with the same id.
func (s *Store) Upsert(ctx context.Context, collection string, points ...vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload, updated_at = now()`,
		table(collection))
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return mapError(collection, err)
	}
	defer stmt.Close()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("point %s payload: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, pgvector.NewVector(p.Vector), string(payload)); err != nil {
			_ = tx.Rollback()
			return mapError(collection, err)
		}
	}
	return tx.Commit()
}

// Search orders by cosine distance; Score is reported as similarity.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, withVectors bool) ([]vector.Match, error) {
	q := fmt.Sprintf(`SELECT id, payload, embedding, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, table(collection))
	rows, err := s.db.QueryContext(ctx, q, pgvector.NewVector(query), k)
	if err != nil {
		return nil, mapError(collection, err)
	}
	defer rows.Close()

	var out []vector.Match
	for rows.Next() {
		m, err := scanMatch(rows, true)
		if err != nil {
			return nil, err
		}
		if !withVectors {
			m.Vector = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Scroll(ctx context.Context, collection string, limit int) ([]vector.Match, error) {
	q := fmt.Sprintf(`SELECT id, payload, embedding FROM %s ORDER BY id`, table(collection))
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError(collection, err)
	}
	defer rows.Close()

	var out []vector.Match
	for rows.Next() {
		m, err := scanMatch(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table(collection))).Scan(&n)
	if err != nil {
		return 0, mapError(collection, err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanMatch(rows *sql.Rows, withScore bool) (vector.Match, error) {
	var (
		m       vector.Match
		payload []byte
		emb     pgvector.Vector
	)
	dest := []interface{}{&m.ID, &payload, &emb}
	if withScore {
		dest = append(dest, &m.Score)
	}
	if err := rows.Scan(dest...); err != nil {
		return m, err
	}
	var p paper.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return m, fmt.Errorf("point %s payload: %w", m.ID, err)
	}
	m.Payload = p
	m.Vector = emb.Slice()
	return m, nil
}

func mapError(collection string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s", vector.ErrCollectionNotFound, collection)
	}
	return err
}
