package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paperscope/internal/paper"
	"paperscope/internal/retrieval"
	"paperscope/internal/settings"
	"paperscope/internal/vector"
)

const collection = "papers"

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockSettings struct{ mock.Mock }

func (m *MockSettings) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func seedStore(t *testing.T) *vector.MemoryStore {
	t.Helper()
	store := vector.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, collection, 2, vector.DistanceCosine))
	require.NoError(t, store.Upsert(ctx, collection,
		vector.Point{ID: "p1", Vector: []float32{1, 0}, Payload: paper.Payload{PaperID: "p1", Title: "Graph Neural Networks", Link: "http://x"}},
		vector.Point{ID: "p2", Vector: []float32{0.8, 0.6}, Payload: paper.Payload{PaperID: "p2", Title: "Message Passing"}},
		vector.Point{ID: "p3", Vector: []float32{0, 1}, Payload: paper.Payload{PaperID: "p3", Title: "Protein Folding"}},
	))
	return store
}

func TestService_Search(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "gnn").Return([]float32{1, 0}, nil)

	var logBuf bytes.Buffer
	svc := retrieval.NewService(e, seedStore(t), collection, nil, retrieval.NewQueryLogger(&logBuf))

	results, err := svc.Search(context.Background(), "gnn", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p1", results[0].PaperID)
	assert.Equal(t, "http://x", results[0].Link)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(logBuf.Bytes(), &entry))
	assert.Equal(t, retrieval.OpSearch, entry.Operation)
	assert.Equal(t, 2, entry.TopK)
	assert.Equal(t, 2, entry.NumResults)
	assert.InDelta(t, 1.0, entry.TopScore, 1e-6)
	assert.Empty(t, entry.Error)
}

func TestService_SearchLogsFailures(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "gnn").Return(nil, errors.New("quota exceeded"))

	var logBuf bytes.Buffer
	svc := retrieval.NewService(e, seedStore(t), collection, nil, retrieval.NewQueryLogger(&logBuf))

	_, err := svc.Search(context.Background(), "gnn", 2)
	require.Error(t, err)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(logBuf.Bytes(), &entry))
	assert.Equal(t, "quota exceeded", entry.Error)
	assert.Zero(t, entry.NumResults)
}

func TestService_SearchTopKBeyondCollection(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "anything").Return([]float32{0.5, 0.5}, nil)

	svc := retrieval.NewService(e, seedStore(t), collection, nil, nil)
	results, err := svc.Search(context.Background(), "anything", 50)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestService_SearchDefaultTopK(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "gnn").Return([]float32{1, 0}, nil)
	set := new(MockSettings)
	set.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 1, GraphNeighbors: 5, GraphMinSimilarity: 0.5}, nil)

	svc := retrieval.NewService(e, seedStore(t), collection, set, nil)
	results, err := svc.Search(context.Background(), "gnn", 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestService_SearchErrors(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "boom").Return(nil, errors.New("quota exceeded"))

	svc := retrieval.NewService(e, seedStore(t), collection, nil, nil)

	_, err := svc.Search(context.Background(), "  ", 2)
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)

	_, err = svc.Search(context.Background(), "boom", 2)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestService_SearchGraph(t *testing.T) {
	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "gnn").Return([]float32{1, 0}, nil)

	svc := retrieval.NewService(e, seedStore(t), collection, nil, nil)

	t.Run("Graph", func(t *testing.T) {
		resp, err := svc.SearchGraph(context.Background(), "gnn", 3)
		require.NoError(t, err)
		require.NotNil(t, resp.Graph)
		assert.Equal(t, 3, resp.NodeCount)
		// p1-p2 (0.8) and p2-p3 (0.6) pass the threshold, p1-p3 does not.
		assert.Equal(t, 2, resp.EdgeCount)
		assert.Len(t, resp.Results, 3)

		body, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"graph_data"`)
		assert.Contains(t, string(body), `"similarity"`)
	})

	t.Run("TooFewResults", func(t *testing.T) {
		resp, err := svc.SearchGraph(context.Background(), "gnn", 1)
		require.NoError(t, err)
		assert.Nil(t, resp.Graph)
		assert.NotEmpty(t, resp.Message)
		assert.Empty(t, resp.Results)
		assert.Equal(t, []retrieval.PaperRef{{Title: "Graph Neural Networks", ID: "p1"}}, resp.Papers)

		body, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"query": "gnn",
			"message": "Not enough results for graph visualization",
			"results": [{"title": "Graph Neural Networks", "id": "p1"}]
		}`, string(body))
	})
}

func TestService_GraphsOnEmptyCollection(t *testing.T) {
	store := vector.NewMemoryStore()
	require.NoError(t, store.EnsureCollection(context.Background(), collection, 2, vector.DistanceCosine))

	e := new(MockEmbedder)
	e.On("Embed", mock.Anything, "gnn").Return([]float32{1, 0}, nil)
	svc := retrieval.NewService(e, store, collection, nil, nil)

	_, err := svc.SearchGraph(context.Background(), "gnn", 3)
	assert.ErrorIs(t, err, retrieval.ErrNoResults)

	_, err = svc.VectorGraph(context.Background())
	assert.ErrorIs(t, err, retrieval.ErrNoResults)
}

func TestService_VectorGraph(t *testing.T) {
	svc := retrieval.NewService(new(MockEmbedder), seedStore(t), collection, nil, nil)

	g, err := svc.VectorGraph(context.Background())
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 3)
}
