package status

import (
	"context"
	"database/sql"
	"time"

	"paperscope/internal/paper"
)

// Record is the latest known state of one paper.
type Record struct {
	PaperID   string       `json:"paper_id"`
	Status    paper.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
	WorkerID  int          `json:"worker_id"`
	Partition int          `json:"partition"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Repository interface {
	Record(ctx context.Context, ev paper.StatusEvent) error
	Get(ctx context.Context, paperID string) (*Record, error)
	CountByStatus(ctx context.Context) (map[paper.Status]int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Record upserts the paper's status. Events older than the stored one are
// ignored, so a late redelivery cannot roll a paper back.
func (r *PostgresRepo) Record(ctx context.Context, ev paper.StatusEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := `INSERT INTO paper_status (paper_id, status, error, worker_id, partition, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (paper_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			worker_id = EXCLUDED.worker_id,
			partition = EXCLUDED.partition,
			updated_at = EXCLUDED.updated_at
		WHERE paper_status.updated_at <= EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, ev.PaperID, string(ev.Status), ev.Error, ev.WorkerID, ev.Partition, ts)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, paperID string) (*Record, error) {
	rec := &Record{}
	var st string
	query := `SELECT paper_id, status, error, worker_id, partition, updated_at FROM paper_status WHERE paper_id = $1`
	err := r.db.QueryRowContext(ctx, query, paperID).Scan(&rec.PaperID, &st, &rec.Error, &rec.WorkerID, &rec.Partition, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = paper.Status(st)
	return rec, nil
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[paper.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM paper_status GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[paper.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[paper.Status(st)] = n
	}
	return counts, rows.Err()
}
