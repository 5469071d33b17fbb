// Command brain is a terminal client for a running corporate-brain server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose   bool
	serverURL string
	timeout   time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "brain",
	Short: "Query and feed the corporate brain from the terminal",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.OutputPaths = []string{"stderr"}
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
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
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BRAIN_SERVER", "http://localhost:8080/api"), "Base URL of the server API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")

	rootCmd.AddCommand(loginCmd, askCmd, decodeCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
