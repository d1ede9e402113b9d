package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paperscope/features/status"
	"paperscope/internal/middleware"
	"paperscope/internal/retrieval"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Result, error)
	SearchGraph(ctx context.Context, query string, topK int) (*retrieval.GraphResponse, error)
}

type StatusReader interface {
	Get(ctx context.Context, paperID string) (*status.Record, error)
}

type toolFunc func(ctx context.Context, args json.RawMessage) (ToolResult, *rpcError)

// Handler serves the paper tools over MCP, either as plain JSON-RPC posts or
// through an SSE session.
type Handler struct {
	searcher     Searcher
	statuses     StatusReader
	tools        map[string]toolFunc
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC response
	sessionsLock sync.RWMutex
}

func NewHandler(s Searcher, st StatusReader) *Handler {
	h := &Handler{
		searcher: s,
		statuses: st,
		sessions: make(map[string]chan string),
	}
	h.tools = map[string]toolFunc{
		"paperscope_search":       h.search,
		"paperscope_related":      h.related,
		"paperscope_paper_status": h.paperStatus,
	}
	return h
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

type StatusArgs struct {
	PaperID string `json:"paper_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var searchSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"query": map[string]string{
			"type":        "string",
			"description": "Free text describing the topic",
		},
		"limit": map[string]interface{}{
			"type":        "integer",
			"description": "Max papers to return (default 10).",
			"minimum":     1,
			"maximum":     maxLimit,
		},
	},
	"required": []string{"query"},
}

func toolList() []Tool {
	return []Tool{
		{
			Name: "paperscope_search",
			Description: `Semantic search over indexed papers. Returns the closest papers by abstract similarity, most similar first.

USAGE EXAMPLE:
paperscope_search(query="graph neural networks for molecules", limit=5)`,
			InputSchema: searchSchema,
		},
		{
			Name: "paperscope_related",
			Description: `Relationship tool. Runs a search and lists which of the hits are near each other, so clusters of closely related papers stand out.

USAGE EXAMPLE:
paperscope_related(query="contrastive learning", limit=15)`,
			InputSchema: searchSchema,
		},
		{
			Name: "paperscope_paper_status",
			Description: `Ingestion status of a submitted paper: processing, completed or error.

USAGE EXAMPLE:
paperscope_paper_status(paper_id="6f1c2a0e-4b7d-4e0a-9a57-1c2d3e4f5a6b")`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"paper_id": map[string]string{
						"type":        "string",
						"description": "The id returned when the paper was added",
					},
				},
				"required": []string{"paper_id"},
			},
		},
	}
}

// processRequest returns nil for notifications.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "paperscope-mcp",
				"version": "1.0.0",
			},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ListToolsResult{Tools: toolList()})
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return failure(req.ID, ErrInvalidParams, "Invalid params")
		}
		tool, ok := h.tools[params.Name]
		if !ok {
			slog.WarnContext(ctx, "tool not found", "tool", params.Name)
			return failure(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
		}
		res, rerr := tool(ctx, params.Arguments)
		if rerr != nil {
			return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr}
		}
		return result(req.ID, res)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return failure(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) search(ctx context.Context, raw json.RawMessage) (ToolResult, *rpcError) {
	args, rerr := parseSearchArgs(raw)
	if rerr != nil {
		return ToolResult{}, rerr
	}
	results, err := h.searcher.Search(ctx, args.Query, *args.Limit)
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err)
		return ToolResult{}, &rpcError{Code: ErrInternal, Message: "Search failed: " + err.Error()}
	}

	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("No papers found.")
	}
	for i, res := range results {
		fmt.Fprintf(&b, "Result %d (Similarity: %.2f):\n", i+1, res.Similarity)
		fmt.Fprintf(&b, "PaperID: %s\nTitle: %s\n", res.PaperID, res.Title)
		if res.Link != "" {
			fmt.Fprintf(&b, "Link: %s\n", res.Link)
		}
		fmt.Fprintf(&b, "Abstract:\n%s\n\n---\n", res.Abstract)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", "paperscope_search", "result_count", len(results))
	return text(b.String()), nil
}

func (h *Handler) related(ctx context.Context, raw json.RawMessage) (ToolResult, *rpcError) {
	args, rerr := parseSearchArgs(raw)
	if rerr != nil {
		return ToolResult{}, rerr
	}
	resp, err := h.searcher.SearchGraph(ctx, args.Query, *args.Limit)
	if errors.Is(err, retrieval.ErrNoResults) {
		return text("No papers found."), nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "search graph failed", "error", err)
		return ToolResult{}, &rpcError{Code: ErrInternal, Message: "Search failed: " + err.Error()}
	}

	var b strings.Builder
	if resp.Graph == nil {
		fmt.Fprintf(&b, "%s.\n", resp.Message)
		for _, p := range resp.Papers {
			fmt.Fprintf(&b, "- %s (%s)\n", p.Title, p.ID)
		}
		return text(b.String()), nil
	}

	fmt.Fprintf(&b, "%d papers, %d links\n\n", resp.NodeCount, resp.EdgeCount)
	for _, e := range resp.Graph.Edges {
		src, dst := resp.Graph.Nodes[e.Source], resp.Graph.Nodes[e.Target]
		fmt.Fprintf(&b, "%.2f  %s <-> %s\n", e.Weight, src.Title, dst.Title)
	}
	b.WriteString("\nPapers:\n")
	for _, n := range resp.Graph.Nodes {
		fmt.Fprintf(&b, "- %s (%s, %d links)\n", n.Title, n.PaperID, n.Degree)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", "paperscope_related", "node_count", resp.NodeCount)
	return text(b.String()), nil
}

func (h *Handler) paperStatus(ctx context.Context, raw json.RawMessage) (ToolResult, *rpcError) {
	var args StatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolResult{}, &rpcError{Code: ErrInvalidParams, Message: "Invalid arguments"}
	}
	if args.PaperID == "" {
		return ToolResult{}, &rpcError{Code: ErrInvalidParams, Message: "paper_id is required"}
	}

	rec, err := h.statuses.Get(ctx, args.PaperID)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolResult{Content: []ToolContent{{Type: "text", Text: "No status recorded for paper " + args.PaperID}}, IsError: true}, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "paper status failed", "error", err, "paper_id", args.PaperID)
		return ToolResult{Content: []ToolContent{{Type: "text", Text: "Error: " + err.Error()}}, IsError: true}, nil
	}

	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return ToolResult{}, &rpcError{Code: ErrInternal, Message: "Error marshalling status"}
	}
	return text(string(body)), nil
}

func parseSearchArgs(raw json.RawMessage) (SearchArgs, *rpcError) {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, &rpcError{Code: ErrInvalidParams, Message: "Invalid search arguments"}
	}
	if strings.TrimSpace(args.Query) == "" {
		return args, &rpcError{Code: ErrInvalidParams, Message: "Query is required"}
	}
	if args.Limit == nil {
		n := defaultLimit
		args.Limit = &n
	}
	if *args.Limit < 1 || *args.Limit > maxLimit {
		return args, &rpcError{Code: ErrInvalidParams, Message: fmt.Sprintf("Limit must be between 1 and %d", maxLimit)}
	}
	return args, nil
}

func text(s string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: s}}}
}

func result(id, v interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func failure(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// ServeHTTP answers a single JSON-RPC request in the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, failure(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, resp)
}

// HandleSSE opens a session and streams responses to messages posted for
// it until the client disconnects.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	fmt.Fprintf(w, "event: id\ndata: %s\n\n", html.EscapeString(sessionID))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC request for an open session. The
// response is delivered on the session's event stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		slog.WarnContext(ctx, "session not found", "session_id", sessionID)
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	bgCtx := context.WithoutCancel(ctx)
	go func() {
		resp := h.processRequest(bgCtx, req)
		if resp == nil {
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(bgCtx, "failed to marshal response", "error", err)
			return
		}
		h.deliver(bgCtx, sessionID, string(body))
	}()
}

// deliver holds the read lock while sending so the session cannot be closed
// underneath it.
func (h *Handler) deliver(ctx context.Context, sessionID, msg string) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	ch, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "error",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	})
}
