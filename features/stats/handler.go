package stats

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"paperscope/internal/middleware"
)

type Handler struct {
	collector *Collector
}

func NewHandler(c *Collector) *Handler {
	return &Handler{collector: c}
}

// GetStats serves GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := h.collector.Collect(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		slog.ErrorContext(ctx, "failed to collect stats", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		body := map[string]interface{}{
			"error":         map[string]string{"code": "INTERNAL_ERROR", "message": "failed to collect stats"},
			"correlationId": middleware.GetCorrelationID(ctx),
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.ErrorContext(ctx, "failed to encode error response", "error", err)
		}
		return
	}

	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": snap}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
