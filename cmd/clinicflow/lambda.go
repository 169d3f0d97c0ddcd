package main

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
	"github.com/aixgo-dev/clinicflow/pkg/security"
	"github.com/aixgo-dev/clinicflow/pkg/transport/webhook"
)

func newLambdaCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve the messaging webhook as an AWS Lambda function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, closeFn, err := newWebhook(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer closeFn()
			lambda.Start(h.Handle)
			return nil
		},
	}
}

func newWebhook(ctx context.Context, configPath string) (*webhook.Handler, func(), error) {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Webhook.Secret == "" {
		return nil, nil, errors.New("webhook.secret is required to serve the webhook")
	}
	logger, err := logging.Setup(loggingOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	h, err := webhook.NewHandler(a.engine, newDirectory(cfg), []byte(cfg.Webhook.Secret),
		webhook.WithLogger(logger),
		webhook.WithAudit(a.audit),
	)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return h, func() { _ = a.Close() }, nil
}

func newDirectory(cfg *config.Config) *security.StaticDirectory {
	entries := make(map[string]*security.Principal, len(cfg.Directory))
	for sender, p := range cfg.Directory {
		entries[sender] = &p
	}
	return security.NewStaticDirectory(entries)
}
