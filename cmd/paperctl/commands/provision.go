package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"paperscope/internal/app"
)

var skipCollection bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create queue topics, consumer groups and the vector collection",
	Long: `Create every topic the pipeline uses with its configured partition
count, register the consumer groups, and create the paper collection in the
vector store. Running it again is harmless.`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().BoolVar(&skipCollection, "skip-collection", false, "only provision the queue")
}

func runProvision(cmd *cobra.Command, _ []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	log := slog.Default()

	q, err := app.NewQueue(cfg, log)
	if err != nil {
		return err
	}
	defer q.Publisher.Close()

	if err := app.EnsureTopics(ctx, q.Admin, cfg); err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, partitions := range cfg.Topics() {
		log.Info("topic ready", "topic", topic, "partitions", partitions)
	}

	if skipCollection {
		return nil
	}
	store, err := app.NewVectorStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	err = app.EnsureCollectionWithRetry(ctx, store, cfg.CollectionName, cfg.EmbeddingDim, cfg.BootstrapRetryAttempts, cfg.RetryDelay())
	if err != nil {
		return fmt.Errorf("vector collection error: %w", err)
	}
	log.Info("collection ready", "collection", cfg.CollectionName, "dimension", cfg.EmbeddingDim, "backend", cfg.VectorBackend)
	return nil
}
