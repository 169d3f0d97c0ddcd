// Command clinicflow serves the clinic assistant over HTTP, as a Lambda
// webhook, or as a local REPL.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "clinicflow",
		Short:         "Permission-scoped conversational assistant for a podiatry clinic",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getEnv("CLINICFLOW_CONFIG", "config/clinicflow.yaml"), "configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newSweepCmd(opts),
		newValidateCmd(opts),
		newLambdaCmd(opts),
	)
	return cmd
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loggingOptions(cfg *config.Config) logging.Options {
	return logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
}
