package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"paperscope/internal/config"
	"paperscope/internal/logger"
)

var (
	// Global flags
	envFile string
	verbose bool

	// Loaded in PersistentPreRunE
	globalConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "paperctl",
	Short: "paperscope operator CLI",
	Long: `paperctl - operator tooling for the paperscope ingestion pipeline.

Configuration comes from the same environment variables as the server.

Examples:
  # Create topics, consumer groups and the vector collection
  paperctl provision

  # Submit papers from a JSONL export
  paperctl import papers.jsonl --concurrency 8

  # Validate a file without publishing anything
  paperctl import papers.json --dry-run
`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Command returns the root cobra command.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and runs it until
// completion or an interrupt.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "extra .env file to load before the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(importCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(logger.New(os.Stderr, level))

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	globalConfig = cfg
	return nil
}

func getConfig() (*config.Config, error) {
	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return globalConfig, nil
}
