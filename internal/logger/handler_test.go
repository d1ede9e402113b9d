package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"paperscope/internal/middleware"
)

func TestContextHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	jsonHandler := slog.NewJSONHandler(&buf, nil)
	h := NewContextHandler(jsonHandler)
	logger := slog.New(h)

	ctx := context.Background()
	ctx = middleware.WithCorrelationID(ctx, "test-correlation-id")

	logger.InfoContext(ctx, "test message")

	var logMap map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logMap); err != nil {
		t.Fatalf("failed to unmarshal log: %v", err)
	}

	if logMap["correlation_id"] != "test-correlation-id" {
		t.Errorf("expected correlation_id 'test-correlation-id', got %v", logMap["correlation_id"])
	}
	if _, ok := logMap["worker_id"]; ok {
		t.Errorf("unexpected worker_id without worker context")
	}
}

func TestContextHandler_WorkerAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug).With("component", "worker")

	ctx := WithWorker(context.Background(), 7)
	logger.DebugContext(ctx, "polled")

	var logMap map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logMap); err != nil {
		t.Fatalf("failed to unmarshal log: %v", err)
	}

	if logMap["worker_id"] != float64(7) {
		t.Errorf("expected worker_id 7, got %v", logMap["worker_id"])
	}
	if logMap["component"] != "worker" {
		t.Errorf("expected component attr to survive WithAttrs, got %v", logMap["component"])
	}
}
