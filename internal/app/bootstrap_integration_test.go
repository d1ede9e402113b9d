package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/internal/app"
	"paperscope/internal/testutils"
)

func TestBootstrap_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite := testutils.NewIntegrationSuite(t)
	suite.SetupPostgres()
	suite.SetupWeaviate()
	suite.SetupNSQ()
	defer suite.Teardown()

	cfg := suite.GetAppConfig()
	cfg.GeminiAPIKey = "test-key"

	deps, err := app.Bootstrap(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer deps.Close()

	for _, table := range []string{"failed_jobs", "paper_status", "settings"} {
		var exists bool
		err = deps.DB.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	n, err := deps.VectorStore.Count(context.Background(), cfg.CollectionName)
	require.NoError(t, err)
	assert.Zero(t, n)

	ack, err := deps.Queue.Publisher.Publish(context.Background(), cfg.ProcessingTopic, nil, []byte(`{}`))
	require.NoError(t, err)
	_, err = ack.Wait(context.Background())
	assert.NoError(t, err)
}
