package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"paperscope/internal/config"
)

// IntegrationSuite starts the backing services in containers. Each Setup
// method is independent so tests only pay for what they use.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	DSN      string
	Weaviate *weaviate.Client

	DBHost       string
	DBPort       int
	WeaviateHost string
	NSQDAddr     string
	NSQDHTTPAddr string
	QdrantHost   string
	QdrantPort   int

	containers []testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

// Setup starts every service.
func (s *IntegrationSuite) Setup() {
	s.SetupPostgres()
	s.SetupWeaviate()
	s.SetupNSQ()
	s.SetupQdrant()
}

func (s *IntegrationSuite) SetupPostgres() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("paperscope_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.containers = append(s.containers, pgContainer)

	s.DSN, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", s.DSN)
	require.NoError(s.T, err)

	s.DBHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(s.T, err)
	s.DBPort = port.Int()

	// Run Migrations
	m, err := migrate.New(MigrationPath(), s.DSN)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) SetupWeaviate() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:1.33.6",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	c := s.start(ctx, req)

	s.WeaviateHost = s.endpoint(ctx, c, "8080")
	var err error
	s.Weaviate, err = weaviate.NewClient(weaviate.Config{
		Host:   s.WeaviateHost,
		Scheme: "http",
	})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) SetupNSQ() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	c := s.start(ctx, req)

	s.NSQDAddr = s.endpoint(ctx, c, "4150")
	s.NSQDHTTPAddr = s.endpoint(ctx, c, "4151")
}

func (s *IntegrationSuite) SetupQdrant() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.16.2",
		ExposedPorts: []string{"6333/tcp", "6334/tcp"},
		WaitingFor:   wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStartupTimeout(60 * time.Second),
	}
	c := s.start(ctx, req)

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "6334")
	require.NoError(s.T, err)
	s.QdrantHost = host
	s.QdrantPort, err = strconv.Atoi(port.Port())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.DB != nil {
		s.DB.Close()
	}
	for _, c := range s.containers {
		c.Terminate(ctx)
	}
}

// GetAppConfig returns a configuration pointing at whatever services have
// been started. Everything else falls back to in-process backends.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	cfg := &config.Config{
		DBHost:                 s.DBHost,
		DBPort:                 s.DBPort,
		DBUser:                 "test",
		DBPass:                 "test",
		DBName:                 "paperscope_test",
		QueueBackend:           config.QueueBackendMemory,
		ProcessingTopic:        "paper_processing",
		StatusTopic:            "paper_status",
		DeadLetterTopic:        "paper_processing.dlq",
		NumPartitions:          4,
		ConsumerGroup:          "paper_processing_group",
		StatusGroup:            "backend",
		PollTimeoutMS:          100,
		VectorBackend:          config.VectorBackendMemory,
		CollectionName:         "papers",
		EmbeddingProvider:      config.EmbeddingProviderGemini,
		EmbeddingDim:           8,
		EnableAPI:              true,
		WorkerCount:            2,
		EmbedTimeoutSeconds:    5,
		UpsertTimeoutSeconds:   5,
		StatusReportingEnabled: true,
		ServerPort:             8081,
		QueryLogPath:           filepath.Join(s.T.TempDir(), "query.log"),
		MigrationPath:          MigrationPath(),
		LogLevel:               "debug",

		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
	}
	if s.NSQDAddr != "" {
		cfg.QueueBackend = config.QueueBackendNSQ
		cfg.NSQDHost = s.NSQDAddr
		cfg.NSQDHTTP = s.NSQDHTTPAddr
	}
	if s.WeaviateHost != "" {
		cfg.VectorBackend = config.VectorBackendWeaviate
		cfg.WeaviateHost = s.WeaviateHost
		cfg.WeaviateScheme = "http"
	}
	return cfg
}

// MigrationPath points golang-migrate at the repository's migrations.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	return fmt.Sprintf("file://%s/../../migrations", basepath)
}

func (s *IntegrationSuite) start(ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, c)
	return c
}

func (s *IntegrationSuite) endpoint(ctx context.Context, c testcontainers.Container, port string) string {
	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(s.T, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
