package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"paperscope/features/job"
	"paperscope/features/mcp"
	"paperscope/features/papers"
	"paperscope/features/stats"
	"paperscope/features/status"
	"paperscope/internal/config"
	"paperscope/internal/middleware"
	"paperscope/internal/queue"
	"paperscope/internal/retrieval"
	"paperscope/internal/settings"
	"paperscope/internal/worker"
)

type App struct {
	Handler        http.Handler
	Papers         *papers.Service
	Pool           *worker.Pool
	ResultConsumer *worker.ResultConsumer

	cfg         *config.Config
	deps        *Dependencies
	queryLogger *retrieval.QueryLogger
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	db := deps.DB

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Status
	statusRepo := status.NewPostgresRepo(db)
	statusHandler := status.NewHandler(statusRepo)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, deps.Queue.Publisher, cfg.ProcessingTopic)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(stats.NewCollector(deps.VectorStore, cfg.CollectionName, jobRepo, statusRepo))

	// Feature: Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(deps.Embedder, deps.VectorStore, cfg.CollectionName, settingsService, queryLogger)

	// Feature: Papers
	papersService := papers.NewService(deps.Queue.Publisher, cfg.ProcessingTopic, statusRepo)
	papersHandler := papers.NewHandler(papersService, retrievalService)

	// Feature: MCP
	mcpHandler := mcp.NewHandler(retrievalService, statusRepo)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /add_paper", middleware.CorrelationID(enableCORS(papersHandler.AddPaper)))
	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(papersHandler.Query)))
	mux.Handle("POST /search_graph", middleware.CorrelationID(enableCORS(papersHandler.SearchGraph)))
	mux.Handle("POST /vector_graph", middleware.CorrelationID(enableCORS(papersHandler.VectorGraph)))
	mux.Handle("GET /papers/{id}/status", middleware.CorrelationID(enableCORS(statusHandler.Get)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))
	mux.Handle("POST /jobs/retry", middleware.CorrelationID(enableCORS(jobHandler.RetryAll)))
	mux.Handle("DELETE /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Discard)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.HandleFunc("GET /mcp/sse", mcpHandler.HandleSSE)
	mux.Handle("POST /mcp/messages", middleware.CorrelationID(http.HandlerFunc(mcpHandler.HandleMessage)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker pool
	var reporter worker.StatusReporter = worker.NopReporter{}
	if cfg.StatusReportingEnabled {
		reporter = worker.NewQueueReporter(deps.Queue.Publisher, cfg.StatusTopic, cfg.DeadLetterTopic)
	}
	host, _ := os.Hostname()
	pool := worker.NewPool(worker.PoolConfig{
		Workers:     cfg.Workers(),
		Topic:       cfg.ProcessingTopic,
		PollTimeout: cfg.PollTimeout(),
		AutoCommit:  cfg.AutoCommit,
		Processor: worker.ProcessorConfig{
			Collection:    cfg.CollectionName,
			Dimension:     cfg.EmbeddingDim,
			EmbedTimeout:  cfg.EmbedTimeout(),
			UpsertTimeout: cfg.UpsertTimeout(),
		},
	}, func(id int) (queue.Consumer, error) {
		return deps.Queue.NewConsumer(cfg.ConsumerGroup, fmt.Sprintf("%s-worker-%d", host, id)), nil
	}, deps.Embedder, deps.VectorStore, reporter)

	// Result consumer
	resultConsumer := worker.NewResultConsumer(statusRepo, jobRepo, cfg.StatusTopic, cfg.DeadLetterTopic)

	return &App{
		Handler:        mux,
		Papers:         papersService,
		Pool:           pool,
		ResultConsumer: resultConsumer,
		cfg:            cfg,
		deps:           deps,
		queryLogger:    queryLogger,
	}, nil
}

// Run serves the API and runs the worker pool and result consumer, as
// enabled in the configuration, until ctx is cancelled or one of them
// fails. On nsq the workers only start once this process holds the
// consumer group lock.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.queryLogger.Close(); err != nil {
			slog.Warn("failed to close query log", "error", err)
		}
	}()

	if a.cfg.EnableWorker && a.cfg.QueueBackend == config.QueueBackendNSQ {
		lock, err := AcquireGroupLock(ctx, a.deps.DB, a.cfg.ConsumerGroup)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				slog.Warn("failed to release consumer group lock", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.EnableAPI {
		g.Go(func() error { return a.serve(ctx) })
		g.Go(func() error {
			host, _ := os.Hostname()
			c := a.deps.Queue.NewConsumer(a.cfg.StatusGroup, host+"-results")
			return a.ResultConsumer.Run(ctx, c, a.cfg.PollTimeout())
		})
	}
	if a.cfg.EnableWorker {
		g.Go(func() error { return a.Pool.Run(ctx) })
	}

	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
