// Package cli implements the briefcast command tree: one subcommand per
// pipeline phase, the run orchestrator, and the operator commands for
// topics, feeds, runs, episodes, settings, and the model cache.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/config"
	"github.com/briefcast/briefcast/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "briefcast",
	Short: "Scheduled podcast digest pipeline",
	Long: "briefcast discovers podcast episodes from RSS feeds, transcribes and scores\n" +
		"them against a topic catalog, composes digest scripts, renders them to MP3,\n" +
		"and publishes the audio to a release store.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnvFile()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var (
	flagDataDir string
	flagEnvFile string
	flagVerbose bool
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"Pipeline data directory (default $"+config.EnvDataDir+" or ./data)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env",
		"Environment file loaded before anything else")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"Enable debug logging")
}

// Execute runs the command tree under a signal-aware context. SIGINT and
// SIGTERM cancel in-flight phase work; run records and logs finish their
// writes on detached contexts.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadEnvFile loads the env file if present. A missing file is normal; any
// other failure is worth a warning but never stops the command.
func loadEnvFile() {
	if err := godotenv.Load(flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", flagEnvFile, "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// dataDir resolves the pipeline data directory: flag, then environment,
// then ./data. Resolved after the env file loads so either source can set
// it.
func dataDir() string {
	if flagDataDir != "" {
		return flagDataDir
	}
	return getEnv(config.EnvDataDir, "data")
}
