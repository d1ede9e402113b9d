package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"paperscope/internal/adapter/gemini"
	nsqadapter "paperscope/internal/adapter/nsq"
	"paperscope/internal/adapter/openai"
	"paperscope/internal/adapter/pgvector"
	"paperscope/internal/adapter/qdrant"
	wstore "paperscope/internal/adapter/weaviate"
	"paperscope/internal/config"
	"paperscope/internal/queue"
	"paperscope/internal/queue/memqueue"
	"paperscope/internal/vector"
	"paperscope/internal/worker"
)

// Queue bundles one queue backend.
type Queue struct {
	Publisher queue.Publisher
	Admin     queue.Admin
	// NewConsumer opens a member of a consumer group.
	NewConsumer func(group, memberID string) queue.Consumer
}

// channelCreator is implemented by backends that must register consumer
// groups ahead of time.
type channelCreator interface {
	CreateChannel(ctx context.Context, topic string, partitions int, channel string) error
}

type Dependencies struct {
	DB          *sql.DB
	Queue       *Queue
	VectorStore vector.Store
	Embedder    worker.Embedder
}

// Close releases every connection. Safe on partially built dependencies.
func (d *Dependencies) Close() error {
	var errs []error
	if d.Queue != nil && d.Queue.Publisher != nil {
		errs = append(errs, d.Queue.Publisher.Close())
	}
	if d.VectorStore != nil {
		errs = append(errs, d.VectorStore.Close())
	}
	if c, ok := d.Embedder.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}
	fail := func(err error) (*Dependencies, error) {
		_ = deps.Close()
		return nil, err
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	deps.DB = db

	deps.Queue, err = NewQueue(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if err := EnsureTopics(ctx, deps.Queue.Admin, cfg); err != nil {
		return fail(fmt.Errorf("create topics: %w", err))
	}

	deps.VectorStore, err = NewVectorStore(cfg)
	if err != nil {
		return fail(err)
	}
	err = EnsureCollectionWithRetry(ctx, deps.VectorStore, cfg.CollectionName, cfg.EmbeddingDim, cfg.BootstrapRetryAttempts, cfg.RetryDelay())
	if err != nil {
		return fail(fmt.Errorf("vector collection error: %w", err))
	}

	deps.Embedder, err = NewEmbedder(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	return deps, nil
}

// OpenDB connects to Postgres, retrying while the database comes up, and
// applies pending migrations.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = retry(ctx, cfg.BootstrapRetryAttempts, cfg.RetryDelay(), func(attempt int) error {
		err := db.PingContext(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", attempt)
		}
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	return db, nil
}

func NewQueue(cfg *config.Config, logger *slog.Logger) (*Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendMemory:
		b := memqueue.NewBroker()
		return &Queue{
			Publisher: b,
			Admin:     b,
			NewConsumer: func(group, memberID string) queue.Consumer {
				return b.NewConsumer(group, memberID, memqueue.WithAutoCommit(cfg.AutoCommit))
			},
		}, nil

	case config.QueueBackendNSQ:
		topics := cfg.Topics()
		pub, err := nsqadapter.NewPublisher(cfg.NSQDHost, topics, logger)
		if err != nil {
			return nil, err
		}
		client := nsqadapter.NewClient(nsqadapter.ClientConfig{
			NSQDAddr:     cfg.NSQDHost,
			LookupdAddrs: splitAddrs(cfg.NSQLookupd),
			MsgTimeout:   cfg.EmbedTimeout() + cfg.UpsertTimeout(),
			Logger:       logger,
		}, topics)
		return &Queue{
			Publisher: pub,
			Admin:     nsqadapter.NewAdmin(cfg.NSQDHTTP),
			NewConsumer: func(group, memberID string) queue.Consumer {
				return client.NewConsumer(group, memberID, nsqadapter.WithAutoCommit(cfg.AutoCommit))
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: QUEUE_BACKEND %q", config.ErrInvalidValue, cfg.QueueBackend)
}

// EnsureTopics creates the processing, status and dead-letter topics and,
// where the backend needs it, the consumer groups reading them.
func EnsureTopics(ctx context.Context, admin queue.Admin, cfg *config.Config) error {
	topics := cfg.Topics()
	for topic, partitions := range topics {
		if err := admin.CreateTopic(ctx, topic, partitions); err != nil {
			return err
		}
	}

	cc, ok := admin.(channelCreator)
	if !ok {
		return nil
	}
	if err := cc.CreateChannel(ctx, cfg.ProcessingTopic, topics[cfg.ProcessingTopic], cfg.ConsumerGroup); err != nil {
		return err
	}
	for _, t := range []string{cfg.StatusTopic, cfg.DeadLetterTopic} {
		if err := cc.CreateChannel(ctx, t, topics[t], cfg.StatusGroup); err != nil {
			return err
		}
	}
	return nil
}

func NewVectorStore(cfg *config.Config) (vector.Store, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return wstore.NewStore(client), nil
	case config.VectorBackendQdrant:
		store, err := qdrant.NewStore(qdrant.Config{Host: cfg.QdrantHost, Port: cfg.QdrantPort, APIKey: cfg.QdrantAPIKey})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.VectorBackendPgvector:
		store, err := pgvector.Open(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.VectorBackendMemory:
		return vector.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: VECTOR_BACKEND %q", config.ErrInvalidValue, cfg.VectorBackend)
}

func NewEmbedder(ctx context.Context, cfg *config.Config) (worker.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.EmbeddingProviderGemini:
		e, err := gemini.NewEmbedder(ctx, gemini.Config{
			APIKey:        cfg.GeminiAPIKey,
			Model:         cfg.Model(),
			RatePerSecond: cfg.EmbedRateLimit,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case config.EmbeddingProviderOpenAI:
		e, err := openai.NewEmbedder(openai.Config{
			APIKey:        cfg.OpenAIAPIKey,
			Model:         cfg.Model(),
			Dimensions:    cfg.EmbeddingDim,
			RatePerSecond: cfg.EmbedRateLimit,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: EMBEDDING_PROVIDER %q", config.ErrInvalidValue, cfg.EmbeddingProvider)
}

// EnsureCollectionWithRetry creates the paper collection, retrying while the
// vector store comes up.
func EnsureCollectionWithRetry(ctx context.Context, store worker.VectorStore, name string, dim, attempts int, delay time.Duration) error {
	return retry(ctx, attempts, delay, func(attempt int) error {
		err := store.EnsureCollection(ctx, name, dim, vector.DistanceCosine)
		if err != nil {
			slog.WarnContext(ctx, "failed to ensure vector collection, retrying...", "attempt", attempt, "error", err)
		}
		return err
	})
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(i + 1); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
