package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/internal/app"
	"paperscope/internal/config"
	"paperscope/internal/paper"
)

type constEmbedder struct{ dim int }

func (e constEmbedder) Embed(context.Context, string) ([]float32, error) {
	v := make([]float32, e.dim)
	v[0] = 1
	return v, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		QueueBackend:           config.QueueBackendMemory,
		VectorBackend:          config.VectorBackendMemory,
		ProcessingTopic:        "paper_processing",
		StatusTopic:            "paper_status",
		DeadLetterTopic:        "paper_processing.dlq",
		NumPartitions:          4,
		ConsumerGroup:          "paper_processing_group",
		StatusGroup:            "backend",
		PollTimeoutMS:          20,
		CollectionName:         "papers",
		EmbeddingDim:           4,
		WorkerCount:            2,
		StatusReportingEnabled: true,
		QueryLogPath:           filepath.Join(t.TempDir(), "query.log"),
	}
}

func newDeps(t *testing.T, cfg *config.Config) (*app.Dependencies, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := app.NewQueue(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.EnsureTopics(context.Background(), q.Admin, cfg))

	store, err := app.NewVectorStore(cfg)
	require.NoError(t, err)

	return &app.Dependencies{
		DB:          db,
		Queue:       q,
		VectorStore: store,
		Embedder:    constEmbedder{dim: cfg.EmbeddingDim},
	}, mock
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	deps, _ := newDeps(t, cfg)

	a, err := app.New(cfg, deps)
	require.NoError(t, err)
	assert.NotNil(t, a.Handler)
	assert.NotNil(t, a.Papers)
	assert.NotNil(t, a.Pool)
	assert.NotNil(t, a.ResultConsumer)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestNew_AddPaperEnqueues(t *testing.T) {
	cfg := testConfig(t)
	deps, mock := newDeps(t, cfg)
	mock.ExpectExec("INSERT INTO paper_status").WillReturnResult(sqlmock.NewResult(0, 1))

	a, err := app.New(cfg, deps)
	require.NoError(t, err)

	body, _ := json.Marshal(paper.Paper{Title: "Graph Neural Networks", Abstract: "A survey"})
	req := httptest.NewRequest("POST", "/add_paper", bytes.NewReader(body))
	req.Header.Set("X-Correlation-ID", "corr-42")
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-42", w.Header().Get("X-Correlation-ID"))

	var resp struct {
		PaperID string `json:"paper_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.PaperID)
	assert.Equal(t, "processing", resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The task is waiting on the processing topic.
	c := deps.Queue.NewConsumer("inspect", "i-0")
	require.NoError(t, c.Subscribe([]string{cfg.ProcessingTopic}, nil))
	msg, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	task, err := paper.DecodeTask(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, resp.PaperID, task.PaperID)
	assert.Equal(t, "corr-42", task.CorrelationID)
}

func TestNew_MCPRoute(t *testing.T) {
	cfg := testConfig(t)
	deps, _ := newDeps(t, cfg)

	a, err := app.New(cfg, deps)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paperscope_search")
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestApp_RunWorkerIndexesPapers(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableWorker = true
	deps, _ := newDeps(t, cfg)

	a, err := app.New(cfg, deps)
	require.NoError(t, err)

	// No status tracking here; publish straight to the queue.
	for i := 0; i < 3; i++ {
		_, err := deps.Queue.Publisher.Publish(context.Background(), cfg.ProcessingTopic, nil, taskBody(t))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, err := deps.VectorStore.Count(context.Background(), cfg.CollectionName)
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func taskBody(t *testing.T) []byte {
	t.Helper()
	body, err := paper.EncodeTask(paper.NewTask(uuid.New().String(), paper.Paper{Title: "t", Abstract: "a"}, ""))
	require.NoError(t, err)
	return body
}
