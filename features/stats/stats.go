// Package stats reports pipeline totals: indexed papers, failed jobs and
// the latest status of every tracked paper.
package stats

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"paperscope/internal/paper"
)

type PaperCounter interface {
	Count(ctx context.Context, collection string) (int, error)
}

type JobCounter interface {
	Count(ctx context.Context) (int, error)
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[paper.Status]int, error)
}

type Snapshot struct {
	Papers     int                  `json:"papers"`
	FailedJobs int                  `json:"failed_jobs"`
	Statuses   map[paper.Status]int `json:"statuses"`
	// Tracked is the number of papers with a recorded status.
	Tracked int `json:"tracked"`
}

// Collector gathers a Snapshot from the vector store and Postgres.
type Collector struct {
	papers     PaperCounter
	collection string
	jobs       JobCounter
	statuses   StatusCounter
}

func NewCollector(p PaperCounter, collection string, j JobCounter, s StatusCounter) *Collector {
	return &Collector{papers: p, collection: collection, jobs: j, statuses: s}
}

// Collect runs the three counts concurrently and fails on the first error.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := c.papers.Count(gctx, c.collection)
		if err != nil {
			return fmt.Errorf("count papers: %w", err)
		}
		snap.Papers = n
		return nil
	})
	g.Go(func() error {
		n, err := c.jobs.Count(gctx)
		if err != nil {
			return fmt.Errorf("count failed jobs: %w", err)
		}
		snap.FailedJobs = n
		return nil
	})
	g.Go(func() error {
		counts, err := c.statuses.CountByStatus(gctx)
		if err != nil {
			return fmt.Errorf("count statuses: %w", err)
		}
		snap.Statuses = counts
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if snap.Statuses == nil {
		snap.Statuses = map[paper.Status]int{}
	}
	for _, n := range snap.Statuses {
		snap.Tracked += n
	}
	return snap, nil
}
