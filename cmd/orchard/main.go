package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped by the build (-ldflags "-X main.Version=...").
var Version = "dev"

var (
	// Global flags
	cfgPath   string
	serverURL string
	token     string
	verbose   bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "orchard",
	Short: "orchard - sharded orchestration engine",
	Long: `orchard decomposes execution plans into shards, dispatches them under
dependency and concurrency constraints, heals failures with bounded
retry/split budgets, and certifies completed plans against an authority
federation with a Merkle root over shard results.

Run "orchard serve" to start the engine, then drive it with the
submit/status/abort/retry/report subcommands or the HTTP plan API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchard version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchard %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "orchard.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:7070", "Engine API address (client commands)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Admin token for privileged operations (or set ORCHARD_ADMIN_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
