package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/features/papers"
	"paperscope/internal/paper"
	"paperscope/internal/queue/memqueue"
	"paperscope/internal/retrieval"
	"paperscope/internal/vector"
	"paperscope/internal/worker"
)

func TestPipeline_SubmitIndexSearch(t *testing.T) {
	const (
		statusTopic     = "paper_status"
		deadLetterTopic = "paper_dead_letter"
		embedDim        = 256
	)

	ctx := context.Background()
	b := memqueue.NewBroker()
	require.NoError(t, b.CreateTopic(ctx, topic, 4))
	require.NoError(t, b.CreateTopic(ctx, statusTopic, 1))
	require.NoError(t, b.CreateTopic(ctx, deadLetterTopic, 1))

	embedder := bagOfWords(embedDim)
	store := vector.NewMemoryStore()

	pool := worker.NewPool(worker.PoolConfig{
		Workers:     2,
		Topic:       topic,
		PollTimeout: 20 * time.Millisecond,
		Processor:   worker.ProcessorConfig{Collection: collection, Dimension: embedDim},
	}, memFactory(b), embedder, store, worker.NewQueueReporter(b, statusTopic, deadLetterTopic))
	stop := runPool(t, pool)

	svc := papers.NewService(b, topic, nil)
	gnn, err := svc.Submit(ctx, paper.Paper{
		Title:    "Graph Neural Networks",
		Abstract: "A survey of GNN architectures",
		Authors:  "A,B",
	})
	require.NoError(t, err)
	for _, p := range []paper.Paper{
		{Title: "Protein Folding", Abstract: "Predicting tertiary structure from amino acid sequences"},
		{Title: "Coral Reef Ecology", Abstract: "Bleaching events in tropical marine habitats"},
	} {
		_, err := svc.Submit(ctx, p)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		n, err := store.Count(ctx, collection)
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 3, b.Len(statusTopic))
	assert.Equal(t, 0, b.Len(deadLetterTopic))

	stored, ok := store.Get(collection, gnn.PaperID)
	require.True(t, ok)
	assert.Equal(t, "Graph Neural Networks", stored.Payload.Title)
	assert.Equal(t, []string{"A", "B"}, stored.Payload.Authors)
	assert.Equal(t, "A survey of GNN architectures", stored.Payload.Abstract)
	assert.Len(t, stored.Vector, embedDim)

	search := retrieval.NewService(embedder, store, collection, nil, nil)
	results, err := search.Search(ctx, "GNN architectures", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, gnn.PaperID, results[0].PaperID)
	assert.Equal(t, "Graph Neural Networks", results[0].Title)
	assert.Greater(t, results[0].Similarity, 0.3)
}
