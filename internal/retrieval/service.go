package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"paperscope/internal/middleware"
	"paperscope/internal/settings"
	"paperscope/internal/vector"
)

var (
	ErrEmptyQuery = errors.New("query text is required")
	ErrNoResults  = errors.New("no results found")
)

// scrollLimit caps how many papers the full vector graph loads.
const scrollLimit = 100000

type Result struct {
	PaperID    string  `json:"paper_id"`
	Title      string  `json:"title"`
	Abstract   string  `json:"abstract"`
	Link       string  `json:"link"`
	Similarity float64 `json:"similarity"`
}

// PaperRef names a hit that was too lonely to graph.
type PaperRef struct {
	Title string `json:"title"`
	ID    string `json:"id"`
}

// GraphResponse is the search graph payload. With fewer than two hits
// Graph is nil, Message says why, and Papers lists the hits.
type GraphResponse struct {
	Query     string     `json:"query,omitempty"`
	Message   string     `json:"message,omitempty"`
	Graph     *Graph     `json:"graph_data,omitempty"`
	NodeCount int        `json:"node_count"`
	EdgeCount int        `json:"edge_count"`
	Results   []Result   `json:"results"`
	Papers    []PaperRef `json:"-"`
}

// MarshalJSON writes the short form {message, results: [{title, id}]} when
// there is no graph.
func (r GraphResponse) MarshalJSON() ([]byte, error) {
	type full GraphResponse
	if r.Graph != nil {
		return json.Marshal(full(r))
	}
	papers := r.Papers
	if papers == nil {
		papers = []PaperRef{}
	}
	return json.Marshal(struct {
		Query   string     `json:"query,omitempty"`
		Message string     `json:"message"`
		Results []PaperRef `json:"results"`
	}{Query: r.Query, Message: r.Message, Results: papers})
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Search(ctx context.Context, collection string, query []float32, k int, withVectors bool) ([]vector.Match, error)
	Scroll(ctx context.Context, collection string, limit int) ([]vector.Match, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Service struct {
	embedder   Embedder
	store      VectorStore
	collection string
	settings   SettingsProvider
	logger     *QueryLogger
}

func NewService(e Embedder, s VectorStore, collection string, set SettingsProvider, l *QueryLogger) *Service {
	return &Service{embedder: e, store: s, collection: collection, settings: set, logger: l}
}

// Search returns the topK nearest papers to query, most similar first. A
// topK of zero or less uses the configured default; a topK larger than the
// collection returns every paper.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	matches, err := s.search(ctx, OpSearch, query, topK, false)
	if err != nil {
		return nil, err
	}
	return toResults(matches), nil
}

// SearchGraph runs a search and links the hits into a k-NN graph.
func (s *Service) SearchGraph(ctx context.Context, query string, topK int) (*GraphResponse, error) {
	matches, err := s.search(ctx, OpSearchGraph, query, topK, true)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNoResults
	}

	cfg := s.currentSettings(ctx)
	resp := &GraphResponse{Query: query}
	if len(matches) < 2 || cfg.GraphNeighbors < 2 {
		resp.Message = "Not enough results for graph visualization"
		resp.Papers = make([]PaperRef, len(matches))
		for i, m := range matches {
			resp.Papers[i] = PaperRef{Title: TruncateTitle(m.Payload.Title), ID: m.ID}
		}
		return resp, nil
	}

	resp.Results = toResults(matches)

	resp.Graph = BuildKNNGraph(matches, cfg.GraphNeighbors, cfg.GraphMinSimilarity)
	resp.NodeCount = len(resp.Graph.Nodes)
	resp.EdgeCount = len(resp.Graph.Edges)
	return resp, nil
}

// VectorGraph links every indexed paper to its nearest neighbours. Unlike
// the search graph it keeps every neighbour edge.
func (s *Service) VectorGraph(ctx context.Context) (*Graph, error) {
	points, err := s.store.Scroll(ctx, s.collection, scrollLimit)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrNoResults
	}
	cfg := s.currentSettings(ctx)
	return BuildKNNGraph(points, cfg.GraphNeighbors, math.Inf(-1)), nil
}

func (s *Service) search(ctx context.Context, op, query string, topK int, withVectors bool) (matches []vector.Match, err error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = s.currentSettings(ctx).SearchTopK
	}

	start := time.Now()
	defer func() {
		entry := QueryLogEntry{
			Operation:     op,
			Query:         query,
			TopK:          topK,
			NumResults:    len(matches),
			LatencyMs:     time.Since(start).Milliseconds(),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if len(matches) > 0 {
			entry.TopScore = matches[0].Score
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.store.Search(ctx, s.collection, vec, topK, withVectors)
}

func (s *Service) currentSettings(ctx context.Context) *settings.Settings {
	if s.settings == nil {
		return settings.Defaults()
	}
	cfg, err := s.settings.Get(ctx)
	if err != nil || cfg == nil {
		return settings.Defaults()
	}
	return cfg
}

func toResults(matches []vector.Match) []Result {
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			PaperID:    m.ID,
			Title:      m.Payload.Title,
			Abstract:   m.Payload.Abstract,
			Link:       m.Payload.Link,
			Similarity: m.Score,
		})
	}
	return results
}
