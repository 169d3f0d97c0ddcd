package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/internal/router"
	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/config"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    conversation.Store
	registry *datastore.Registry
	audit    *security.Dispatcher
	router   *router.Router
	engine   *workflow.Engine
}

// loadConfig reads the config file and resolves ssm: references.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.HasSecrets() {
		params, err := config.NewParamStore(ctx, cfg.NLU.Region)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, params); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// buildApp wires the engine and its collaborators. The caller owns Close.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	sink, err := newAuditSink(cfg, logger)
	if err != nil {
		return a, fmt.Errorf("audit sink: %w", err)
	}
	a.audit = security.NewDispatcher(sink, cfg.DispatcherConfig(), logger)

	store, err := newCheckpointStore(ctx, cfg)
	if err != nil {
		return a, fmt.Errorf("checkpoint store: %w", err)
	}
	a.store = store
	if a.registry, err = newRegistry(ctx, cfg); err != nil {
		return a, fmt.Errorf("domain stores: %w", err)
	}

	classifier, renderer, err := newNLU(ctx, cfg, logger)
	if err != nil {
		return a, fmt.Errorf("nlu: %w", err)
	}

	sensitivity, err := security.ParseSensitivity(cfg.Engine.InjectionSensitivity)
	if err != nil {
		return a, err
	}
	stages, err := nodes.NewStages(nodes.Deps{
		Classifier:          classifier,
		Renderer:            renderer,
		Executor:            a.registry,
		Detector:            security.NewPromptInjectionDetector(sensitivity),
		Audit:               a.audit,
		Logger:              logger,
		Messages:            cfg.Messages,
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
		MaxRows:             cfg.Engine.MaxRows,
		NLUTimeout:          cfg.Engine.NLUTimeout,
		QueryTimeout:        cfg.Engine.QueryTimeout,
		RetryBackoff:        cfg.Engine.RetryBackoff,
	})
	if err != nil {
		return a, err
	}

	var opts []router.Option
	for origin, style := range cfg.Styles() {
		opts = append(opts, router.WithStyle(origin, style))
	}
	if a.router, err = router.New(cfg.Origins(), stages, opts...); err != nil {
		return a, err
	}

	a.engine, err = workflow.New(a.router, a.store,
		workflow.WithConfig(cfg.WorkflowConfig()),
		workflow.WithLogger(logger),
		workflow.WithAudit(a.audit),
		workflow.WithMessages(cfg.Messages),
	)
	if err != nil {
		return a, err
	}
	return a, nil
}

// registerHealthChecks adds a probe for every backend that can be pinged.
func (a *app) registerHealthChecks(checker *observability.HealthChecker) {
	if p, ok := a.store.(conversation.Pinger); ok {
		checker.RegisterCheck(observability.CheckpointStoreCheck(p.Ping))
	}
	for _, d := range conversation.Domains {
		exec, err := a.registry.Executor(d)
		if err != nil {
			continue
		}
		if p, ok := exec.(conversation.Pinger); ok {
			checker.RegisterCheck(observability.DomainStoreCheck(string(d), p.Ping))
		}
	}
}

// Close releases every component in reverse build order.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}

func newAuditSink(cfg *config.Config, logger *slog.Logger) (security.AuditSink, error) {
	switch cfg.Audit.Sink {
	case "memory":
		return security.NewMemorySink(), nil
	case "redis":
		r := cfg.Audit.Redis
		return security.NewRedisStreamSink(r.Addr, r.Password, r.DB, r.Stream, r.MaxLen)
	default:
		return security.NewLogSink(logger), nil
	}
}

func newCheckpointStore(ctx context.Context, cfg *config.Config) (conversation.Store, error) {
	c := cfg.Checkpoint
	ttl := cfg.Retention.TTL
	switch c.Backend {
	case "file":
		return conversation.NewFileStore(c.Dir)
	case "redis":
		return conversation.NewRedisStore(c.Redis, ttl)
	case "firestore":
		return conversation.NewFirestoreStore(ctx, c.Firestore, ttl)
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, c.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		return conversation.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), c.DynamoDB.Table, ttl)
	case "postgres":
		return conversation.NewSQLStore(c.Postgres.DSN)
	default:
		return conversation.NewMemoryStore(), nil
	}
}

func newRegistry(ctx context.Context, cfg *config.Config) (*datastore.Registry, error) {
	reg := datastore.NewRegistry()
	// Domains that point at the same fixtures file share one executor.
	fixtures := make(map[string]*datastore.MemoryExecutor)
	for _, d := range conversation.Domains {
		dc := cfg.Domains[string(d)]
		var (
			exec datastore.Executor
			err  error
		)
		switch dc.Backend {
		case "postgres":
			exec, err = datastore.NewPostgresExecutor(ctx, dc.DSN)
		case "supabase":
			exec, err = datastore.NewSupabaseExecutor(dc.Supabase)
		default:
			exec, err = memoryExecutor(fixtures, dc.Fixtures)
		}
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("%s: %w", d, err)
		}
		reg.Register(d, exec)
	}
	return reg, nil
}

func memoryExecutor(cache map[string]*datastore.MemoryExecutor, path string) (*datastore.MemoryExecutor, error) {
	if mem, ok := cache[path]; ok {
		return mem, nil
	}
	mem := datastore.NewMemoryExecutor(nil)
	if path != "" {
		var err error
		if mem, err = datastore.LoadFixtures(path); err != nil {
			return nil, err
		}
	}
	cache[path] = mem
	return mem, nil
}

func newNLU(ctx context.Context, cfg *config.Config, logger *slog.Logger) (nlu.Classifier, nlu.Renderer, error) {
	loc, err := time.LoadLocation(cfg.NLU.Timezone)
	if err != nil {
		return nil, nil, err
	}
	keyword := nlu.NewKeywordClassifier(loc)
	if cfg.NLU.Classifier != "llm" && cfg.NLU.Renderer != "llm" {
		return keyword, nlu.TemplateRenderer{}, nil
	}

	completer, err := newCompleter(ctx, cfg.NLU)
	if err != nil {
		return nil, nil, err
	}
	var (
		classifier nlu.Classifier = keyword
		renderer   nlu.Renderer   = nlu.TemplateRenderer{}
	)
	if cfg.NLU.Classifier == "llm" {
		classifier = &nlu.FallbackClassifier{
			Primary:   keyword,
			Secondary: nlu.NewLLMClassifier(completer, logger),
			Threshold: cfg.Engine.ConfidenceThreshold,
			Logger:    logger,
		}
	}
	if cfg.NLU.Renderer == "llm" {
		renderer = &nlu.LLMRenderer{Completer: completer}
	}
	return classifier, renderer, nil
}

func newCompleter(ctx context.Context, c config.NLUConfig) (nlu.Completer, error) {
	switch c.Provider {
	case "openai":
		return nlu.NewOpenAICompleter(c.APIKey, c.BaseURL, c.Model)
	case "anthropic":
		return nlu.NewAnthropicCompleter(c.APIKey, c.Model)
	case "bedrock":
		awsCfg, err := loadAWSConfig(ctx, c.Region)
		if err != nil {
			return nil, err
		}
		return nlu.NewBedrockCompleter(awsCfg, c.Model), nil
	case "gemini":
		return nlu.NewGeminiCompleter(ctx, c.Project, c.Location, c.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
