package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, f Filter) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	DeleteByPaper(ctx context.Context, paperID string) (bool, error)
	Count(ctx context.Context) (int, error)
}

const jobColumns = `id, COALESCE(paper_id, ''), handler, payload, error, retries, created_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save inserts a failed job. Another failure of the same paper updates its
// existing row and bumps the retry count.
func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO failed_jobs (paper_id, handler, payload, error) VALUES (NULLIF($1, ''), $2, $3, $4)
		ON CONFLICT (paper_id) WHERE paper_id IS NOT NULL
		DO UPDATE SET payload = EXCLUDED.payload, error = EXCLUDED.error, retries = failed_jobs.retries + 1
		RETURNING id, created_at, retries`
	return r.db.QueryRowContext(ctx, query, job.PaperID, job.Handler, string(job.Payload), job.Error).Scan(&job.ID, &job.CreatedAt, &job.Retries)
}

// List returns matching jobs, newest first.
func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Handler != "" {
		args = append(args, f.Handler)
		where = append(where, fmt.Sprintf("handler = $%d", len(args)))
	}
	if f.PaperID != "" {
		args = append(args, f.PaperID)
		where = append(where, fmt.Sprintf("paper_id = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM failed_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Get accepts any string; ids that are not UUIDs simply match nothing.
func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM failed_jobs WHERE id::text = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

// Delete returns sql.ErrNoRows when no job has the id.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id::text = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteByPaper drops the failed job of a paper that has since been
// indexed. It reports whether there was one.
func (r *PostgresRepo) DeleteByPaper(ctx context.Context, paperID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE paper_id = $1`, paperID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_jobs`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var payload []byte
	if err := s.Scan(&j.ID, &j.PaperID, &j.Handler, &payload, &j.Error, &j.Retries, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}
