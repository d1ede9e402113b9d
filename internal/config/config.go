package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

var ErrInvalidValue = errors.New("invalid configuration value")

const (
	QueueBackendNSQ    = "nsq"
	QueueBackendMemory = "memory"

	VectorBackendWeaviate = "weaviate"
	VectorBackendQdrant   = "qdrant"
	VectorBackendPgvector = "pgvector"
	VectorBackendMemory   = "memory"

	EmbeddingProviderGemini = "gemini"
	EmbeddingProviderOpenAI = "openai"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"paperscope"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"paperscope"`

	// Queue
	QueueBackend    string `envconfig:"QUEUE_BACKEND" default:"nsq"`
	NSQLookupd      string `envconfig:"NSQ_LOOKUPD"`
	NSQDHost        string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP        string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	ProcessingTopic string `envconfig:"PROCESSING_TOPIC" default:"paper_processing"`
	StatusTopic     string `envconfig:"STATUS_TOPIC" default:"paper_status"`
	DeadLetterTopic string `envconfig:"DEAD_LETTER_TOPIC" default:"paper_processing.dlq"`
	NumPartitions   int    `envconfig:"NUM_PARTITIONS" default:"30"`
	ConsumerGroup   string `envconfig:"CONSUMER_GROUP" default:"paper_processing_group"`
	StatusGroup     string `envconfig:"STATUS_GROUP" default:"backend"`
	AutoCommit      bool   `envconfig:"AUTO_COMMIT" default:"false"`
	PollTimeoutMS   int    `envconfig:"POLL_TIMEOUT_MS" default:"500"`

	// Vector store
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	QdrantHost     string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort     int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantAPIKey   string `envconfig:"QDRANT_API_KEY"`
	CollectionName string `envconfig:"COLLECTION_NAME" default:"papers"`

	// Embeddings
	EmbeddingProvider string  `envconfig:"EMBEDDING_PROVIDER" default:"gemini"`
	EmbeddingModel    string  `envconfig:"EMBEDDING_MODEL"`
	EmbeddingDim      int     `envconfig:"EMBEDDING_DIM" default:"3072"`
	EmbedRateLimit    float64 `envconfig:"EMBED_RATE_LIMIT" default:"20"`
	GeminiAPIKey      string  `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY"`

	// Workers
	EnableAPI              bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker           bool `envconfig:"ENABLE_WORKER" default:"false"`
	WorkerCount            int  `envconfig:"WORKER_COUNT" default:"0"`
	EmbedTimeoutSeconds    int  `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	UpsertTimeoutSeconds   int  `envconfig:"UPSERT_TIMEOUT_SECONDS" default:"30"`
	StatusReportingEnabled bool `envconfig:"STATUS_REPORTING_ENABLED" default:"true"`

	// Server
	ServerPort    int    `envconfig:"SERVER_PORT" default:"7890"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ProcessingTopic == "" {
		return fmt.Errorf("%w: PROCESSING_TOPIC", ErrMissingRequired)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: COLLECTION_NAME", ErrMissingRequired)
	}
	if c.NumPartitions < 1 {
		return fmt.Errorf("%w: NUM_PARTITIONS must be positive", ErrInvalidValue)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("%w: EMBEDDING_DIM must be positive", ErrInvalidValue)
	}

	switch c.QueueBackend {
	case QueueBackendNSQ, QueueBackendMemory:
	default:
		return fmt.Errorf("%w: QUEUE_BACKEND %q", ErrInvalidValue, c.QueueBackend)
	}
	switch c.VectorBackend {
	case VectorBackendWeaviate, VectorBackendQdrant, VectorBackendPgvector, VectorBackendMemory:
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalidValue, c.VectorBackend)
	}
	switch c.EmbeddingProvider {
	case EmbeddingProviderGemini, EmbeddingProviderOpenAI:
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER %q", ErrInvalidValue, c.EmbeddingProvider)
	}
	return nil
}

// DSN is the keyword/value connection string for the Postgres database.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// Workers returns the size of the worker pool. Zero means one worker per
// partition.
func (c *Config) Workers() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return c.NumPartitions
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) UpsertTimeout() time.Duration {
	return time.Duration(c.UpsertTimeoutSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}

// Model returns the configured embedding model, or the provider default.
func (c *Config) Model() string {
	if c.EmbeddingModel != "" {
		return c.EmbeddingModel
	}
	if c.EmbeddingProvider == EmbeddingProviderOpenAI {
		return "text-embedding-3-large"
	}
	return "gemini-embedding-001"
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
