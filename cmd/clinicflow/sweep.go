package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete checkpoints not touched within the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), root.configPath, olderThan, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (defaults to retention.ttl)")
	return cmd
}

func runSweep(ctx context.Context, configPath string, olderThan time.Duration, out io.Writer) error {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(loggingOptions(cfg))
	if err != nil {
		return err
	}
	if olderThan <= 0 {
		olderThan = cfg.Retention.TTL
	}

	store, err := newCheckpointStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	defer store.Close()

	sweeper, err := workflow.NewSweeper(store, olderThan, workflow.DefaultSweepSchedule, logger)
	if err != nil {
		return err
	}
	n, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d checkpoints older than %s\n", n, olderThan)
	return nil
}
