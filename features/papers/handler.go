package papers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"paperscope/internal/middleware"
	"paperscope/internal/paper"
	"paperscope/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Result, error)
	SearchGraph(ctx context.Context, query string, topK int) (*retrieval.GraphResponse, error)
	VectorGraph(ctx context.Context) (*retrieval.Graph, error)
}

type Handler struct {
	svc    *Service
	search Searcher
}

func NewHandler(svc *Service, search Searcher) *Handler {
	return &Handler{svc: svc, search: search}
}

type QueryRequest struct {
	QueryText string `json:"query_text"`
	TopK      int    `json:"top_k"`
}

// AddPaper handles POST /add_paper.
func (h *Handler) AddPaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var p paper.Paper
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := h.svc.Submit(ctx, p)
	if err != nil {
		if errors.Is(err, ErrInvalidPaper) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "failed to submit paper", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, sub)
}

// Query handles POST /query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	results, err := h.search.Search(ctx, req.QueryText, req.TopK)
	if err != nil {
		h.searchError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"results": results})
}

// SearchGraph handles POST /search_graph.
func (h *Handler) SearchGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	resp, err := h.search.SearchGraph(ctx, req.QueryText, req.TopK)
	if err != nil {
		h.searchError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// VectorGraph handles POST /vector_graph.
func (h *Handler) VectorGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	g, err := h.search.VectorGraph(ctx)
	if err != nil {
		h.searchError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"graph_data": g,
		"node_count": len(g.Nodes),
		"edge_count": len(g.Edges),
	})
}

func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) searchError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, retrieval.ErrNoResults):
		h.writeError(ctx, w, "NOT_FOUND", err.Error(), http.StatusNotFound)
	default:
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
