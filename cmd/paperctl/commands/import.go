package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paperscope/features/papers"
	"paperscope/internal/app"
	"paperscope/internal/config"
	"paperscope/internal/paper"
)

var (
	dryRun      bool
	concurrency int
)

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Submit papers from JSON or JSONL files",
	Long: `Read papers from each FILE and submit them to the processing topic.

A file holds either a JSON array of papers or one paper object per line.
Use "-" to read from stdin. Every paper gets a new id, so importing the
same file twice indexes its papers twice.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate without publishing")
	importCmd.Flags().IntVar(&concurrency, "concurrency", 4, "papers submitted in parallel")
}

// Submitter enqueues one paper.
type Submitter interface {
	Submit(ctx context.Context, p paper.Paper) (*papers.Submission, error)
}

type importResult struct {
	Submitted int
	Failed    int
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var all []paper.Paper
	for _, path := range args {
		ps, err := readFile(path)
		if err != nil {
			return err
		}
		all = append(all, ps...)
	}

	if dryRun {
		invalid := 0
		for i, p := range all {
			if err := papers.Validate(p); err != nil {
				invalid++
				slog.Warn("invalid paper", "index", i, "error", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d papers, %d invalid\n", len(all), invalid)
		return nil
	}

	if cfg.QueueBackend == config.QueueBackendMemory {
		return fmt.Errorf("import needs a shared queue, QUEUE_BACKEND is %q", cfg.QueueBackend)
	}
	q, err := app.NewQueue(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer q.Publisher.Close()

	svc := papers.NewService(q.Publisher, cfg.ProcessingTopic, nil)
	res, err := importPapers(ctx, svc, all, concurrency)
	fmt.Fprintf(cmd.OutOrStdout(), "submitted %d, failed %d\n", res.Submitted, res.Failed)
	return err
}

// importPapers submits ps with at most limit submissions in flight and waits
// for the broker to accept each one. Individual failures are logged and
// counted; the returned error is non-nil only if some paper failed or ctx
// ended.
func importPapers(ctx context.Context, s Submitter, ps []paper.Paper, limit int) (importResult, error) {
	if limit < 1 {
		limit = 1
	}
	var submitted, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range ps {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sub, err := s.Submit(gctx, p)
			if err == nil {
				_, err = sub.Ack.Wait(gctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed.Add(1)
				slog.Warn("failed to submit paper", "index", i, "title", p.Title, "error", err)
				return nil
			}
			submitted.Add(1)
			slog.Debug("paper submitted", "index", i, "paper_id", sub.PaperID)
			return nil
		})
	}
	err := g.Wait()

	res := importResult{Submitted: int(submitted.Load()), Failed: int(failed.Load())}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && res.Failed > 0 {
		err = fmt.Errorf("%d of %d papers failed", res.Failed, len(ps))
	}
	return res, err
}

func readFile(path string) ([]paper.Paper, error) {
	if path == "-" {
		return readPapers(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ps, err := readPapers(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// readPapers accepts a JSON array of papers or a stream of paper objects,
// one per line.
func readPapers(r io.Reader) ([]paper.Paper, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var ps []paper.Paper
		if err := dec.Decode(&ps); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return ps, nil
	}

	var ps []paper.Paper
	for {
		var p paper.Paper
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return ps, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(ps)+1, err)
		}
		ps = append(ps, p)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
