package main

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/internal/router"
	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the channel graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.Context(), root.configPath, remote, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also probe the configured backends and model")
	return cmd
}

func runValidate(ctx context.Context, configPath string, remote bool, out io.Writer) error {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	if err := checkGraph(cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "config ok: origins %v\n", cfg.Origins())
	if !remote {
		return nil
	}

	if cfg.NLU.Provider == "bedrock" && (cfg.NLU.Classifier == "llm" || cfg.NLU.Renderer == "llm") {
		awsCfg, err := loadAWSConfig(ctx, cfg.NLU.Region)
		if err != nil {
			return err
		}
		if err := nlu.VerifyBedrockModel(ctx, bedrock.NewFromConfig(awsCfg), cfg.NLU.Model); err != nil {
			return err
		}
		fmt.Fprintf(out, "bedrock model %s ok\n", cfg.NLU.Model)
	}

	logger, err := logging.New(loggingOptions(cfg))
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checker := observability.NewHealthChecker(Version)
	a.registerHealthChecks(checker)
	health := checker.Check(ctx)
	for name, st := range health.Checks {
		fmt.Fprintf(out, "%s: %s %s\n", name, st.Status, st.Message)
	}
	if health.Status == observability.HealthStatusUnhealthy {
		return fmt.Errorf("backends unhealthy")
	}
	return nil
}

// checkGraph builds every enabled channel without touching any backend.
func checkGraph(cfg *config.Config) error {
	stages, err := nodes.NewStages(nodes.Deps{
		Classifier: nlu.NewKeywordClassifier(nil),
		Executor:   datastore.NewRegistry(),
		Messages:   cfg.Messages,
	})
	if err != nil {
		return err
	}
	var opts []router.Option
	for origin, style := range cfg.Styles() {
		opts = append(opts, router.WithStyle(origin, style))
	}
	_, err = router.New(cfg.Origins(), stages, opts...)
	return err
}
