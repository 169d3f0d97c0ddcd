package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tracing "github.com/aixgo-dev/clinicflow/internal/observability"
	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/security"
	"github.com/aixgo-dev/clinicflow/pkg/transport/httpapi"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the ops server and the checkpoint sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(loggingOptions(cfg))
	if err != nil {
		return err
	}
	logger.Info("starting clinicflow", "version", Version, "config", configPath, "origins", cfg.Origins())

	if err := tracing.Init(cfg.Tracing, logger); err != nil {
		return err
	}
	observability.InitMetrics()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	checker := observability.NewHealthChecker(Version)
	a.registerHealthChecks(checker)

	auth, err := newAuthenticator(cfg)
	if err != nil {
		_ = a.Close()
		return err
	}
	handler, err := httpapi.New(a.engine, auth,
		httpapi.WithRateLimiter(newRateLimiter(cfg.RateLimit)),
		httpapi.WithAudit(a.audit),
		httpapi.WithLogger(logger),
	)
	if err != nil {
		_ = a.Close()
		return err
	}

	sweeper, err := workflow.NewSweeper(a.store, cfg.Retention.TTL, cfg.Retention.SweepSchedule, logger)
	if err != nil {
		_ = a.Close()
		return err
	}

	apiServer := httpapi.NewServer(cfg.Server.Addr, handler, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	opsServer := observability.NewServer(cfg.Server.OpsAddr, checker)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ops listening", "addr", cfg.Server.OpsAddr)
		if err := opsServer.Start(); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	sweeper.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown(cfg, a, apiServer, opsServer, sweeper)
	})

	err = g.Wait()
	logger.Info("clinicflow stopped")
	return err
}

// shutdown stops intake first, lets in-flight turns finish, then releases
// the backends.
func shutdown(cfg *config.Config, a *app, api *httpapi.Server, ops *observability.Server, sweeper *workflow.Sweeper) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		a.logger.Error("api server shutdown error", "err", err)
	}
	if err := a.engine.Drain(ctx); err != nil {
		a.logger.Warn("turns still running at shutdown", "err", err)
	}
	sweeper.Stop(ctx)
	if err := ops.Shutdown(ctx); err != nil {
		a.logger.Error("ops server shutdown error", "err", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.logger.Error("tracer shutdown error", "err", err)
	}
	return a.Close()
}

func newAuthenticator(cfg *config.Config) (*security.TokenAuthenticator, error) {
	auth := security.NewTokenAuthenticator()
	for i := range cfg.Auth.Tokens {
		p := cfg.Auth.Tokens[i].Principal
		if err := auth.AddToken(cfg.Auth.Tokens[i].Token, &p); err != nil {
			return nil, fmt.Errorf("auth.tokens[%d]: %w", i, err)
		}
	}
	return auth, nil
}

func newRateLimiter(rl config.RateLimitConfig) *security.RateLimiter {
	if rl.GlobalRPS <= 0 || rl.GlobalBurst <= 0 {
		return security.NewRateLimiter(rl.RequestsPerSecond, rl.Burst)
	}
	return security.NewRateLimiterWithGlobal(rl.RequestsPerSecond, rl.Burst, rl.GlobalRPS, rl.GlobalBurst)
}
