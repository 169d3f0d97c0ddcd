// Package config loads the clinicflow YAML configuration, applies defaults
// and environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	tracing "github.com/aixgo-dev/clinicflow/internal/observability"
	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/datastore"
	"github.com/aixgo-dev/clinicflow/pkg/nlu"
	"github.com/aixgo-dev/clinicflow/pkg/query"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// maxFileSize bounds the config file.
const maxFileSize = 1 << 20

// MinPatientBudget is the smallest reply budget allowed on the patient
// messaging channel.
const MinPatientBudget = 160

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig                  `yaml:"server"`
	Engine     EngineConfig                  `yaml:"engine"`
	Retention  RetentionConfig               `yaml:"retention"`
	Checkpoint CheckpointConfig              `yaml:"checkpoint"`
	NLU        NLUConfig                     `yaml:"nlu"`
	Domains    map[string]DomainConfig       `yaml:"domains"`
	Channels   map[string]ChannelConfig      `yaml:"channels"`
	Audit      AuditConfig                   `yaml:"audit"`
	RateLimit  RateLimitConfig               `yaml:"rate_limit"`
	Auth       AuthConfig                    `yaml:"auth"`
	Logging    LoggingConfig                 `yaml:"logging"`
	Tracing    tracing.Config                `yaml:"tracing"`
	Messages   nodes.Messages                `yaml:"messages"`
	Directory  map[string]security.Principal `yaml:"directory"`
	Webhook    WebhookConfig                 `yaml:"webhook"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	OpsAddr         string        `yaml:"ops_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig bounds turn execution.
type EngineConfig struct {
	MaxConcurrentTurns   int           `yaml:"max_concurrent_turns"`
	QueueTimeout         time.Duration `yaml:"queue_timeout"`
	StoreTimeout         time.Duration `yaml:"store_timeout"`
	HistoryWindow        int           `yaml:"history_window"`
	NLUTimeout           time.Duration `yaml:"nlu_timeout"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	ConfidenceThreshold  float64       `yaml:"confidence_threshold"`
	MaxRows              int           `yaml:"max_rows"`
	// InjectionSensitivity is low, medium or high.
	InjectionSensitivity string        `yaml:"injection_sensitivity"`
}

// RetentionConfig controls checkpoint expiry.
type RetentionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	// Backend is memory, file, redis, firestore, dynamodb or postgres.
	Backend   string                       `yaml:"backend"`
	Dir       string                       `yaml:"dir"`
	Redis     conversation.RedisConfig     `yaml:"redis"`
	Firestore conversation.FirestoreConfig `yaml:"firestore"`
	DynamoDB  DynamoDBConfig               `yaml:"dynamodb"`
	Postgres  PostgresConfig               `yaml:"postgres"`
}

// DynamoDBConfig names the checkpoint table.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

// PostgresConfig holds a connection string.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NLUConfig selects the classifier, renderer and model provider.
type NLUConfig struct {
	// Classifier is keyword or llm.
	Classifier string `yaml:"classifier"`
	// Renderer is template or llm.
	Renderer string `yaml:"renderer"`
	// Provider is openai, anthropic, bedrock or gemini.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Region   string `yaml:"region"`
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	// Timezone resolves relative dates such as "today".
	Timezone string `yaml:"timezone"`
}

// DomainConfig selects the executor of one record domain.
type DomainConfig struct {
	// Backend is memory, postgres or supabase.
	Backend  string                   `yaml:"backend"`
	DSN      string                   `yaml:"dsn"`
	Fixtures string                   `yaml:"fixtures"`
	Supabase datastore.SupabaseConfig `yaml:"supabase"`
}

// ChannelConfig enables an origin and overrides its reply style.
type ChannelConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	MaxChars  int    `yaml:"max_chars"`
	Verbosity string `yaml:"verbosity"`
}

// AuditConfig selects the audit sink and its delivery policy.
type AuditConfig struct {
	// Sink is log, memory or redis.
	Sink        string            `yaml:"sink"`
	Redis       RedisStreamConfig `yaml:"redis"`
	BufferSize  int               `yaml:"buffer_size"`
	MaxAttempts int               `yaml:"max_attempts"`
	Backoff     time.Duration     `yaml:"backoff"`
}

// RedisStreamConfig configures the audit stream.
type RedisStreamConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// RateLimitConfig configures per-user and global request limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	GlobalRPS         float64 `yaml:"global_rps"`
	GlobalBurst       int     `yaml:"global_burst"`
}

// AuthConfig lists the bearer tokens accepted by the HTTP API.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds a bearer token to a principal.
type TokenConfig struct {
	Token              string `yaml:"token"`
	security.Principal `yaml:",inline"`
}

// WebhookConfig configures the messaging gateway webhook.
type WebhookConfig struct {
	// Secret keys the X-Hub-Signature-256 HMAC sent by the gateway.
	Secret string `yaml:"secret"`
}

// LoggingConfig configures the log handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

var (
	checkpointBackends = []string{"memory", "file", "redis", "firestore", "dynamodb", "postgres"}
	domainBackends     = []string{"memory", "postgres", "supabase"}
	classifiers        = []string{"keyword", "llm"}
	renderers          = []string{"template", "llm"}
	providers          = []string{"openai", "anthropic", "bedrock", "gemini"}
	auditSinks         = []string{"log", "memory", "redis"}
	logFormats         = []string{"text", "json"}
	logLevels          = []string{"debug", "info", "warn", "error"}
)

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setStr(&c.Server.Addr, ":8080")
	setStr(&c.Server.OpsAddr, ":9090")
	setDur(&c.Server.ReadTimeout, 15*time.Second)
	setDur(&c.Server.WriteTimeout, 60*time.Second)
	setDur(&c.Server.ShutdownTimeout, 30*time.Second)

	wf := workflow.DefaultConfig()
	setInt(&c.Engine.MaxConcurrentTurns, wf.MaxConcurrentTurns)
	setDur(&c.Engine.QueueTimeout, wf.QueueTimeout)
	setDur(&c.Engine.StoreTimeout, wf.StoreTimeout)
	setInt(&c.Engine.HistoryWindow, wf.HistoryWindow)
	setDur(&c.Engine.NLUTimeout, 10*time.Second)
	setDur(&c.Engine.QueryTimeout, 5*time.Second)
	setDur(&c.Engine.RetryBackoff, 200*time.Millisecond)
	if c.Engine.ConfidenceThreshold == 0 {
		c.Engine.ConfidenceThreshold = 0.7
	}
	setInt(&c.Engine.MaxRows, query.MaxRowCap)

	setDur(&c.Retention.TTL, wf.Retention)
	setStr(&c.Retention.SweepSchedule, workflow.DefaultSweepSchedule)

	setStr(&c.Checkpoint.Backend, "memory")
	setStr(&c.Checkpoint.Dir, "data/checkpoints")
	setStr(&c.Checkpoint.DynamoDB.Table, "clinicflow-checkpoints")

	setStr(&c.NLU.Classifier, "keyword")
	setStr(&c.NLU.Renderer, "template")
	setStr(&c.NLU.Timezone, "UTC")

	if c.Domains == nil {
		c.Domains = make(map[string]DomainConfig)
	}
	for _, d := range conversation.Domains {
		dc := c.Domains[string(d)]
		setStr(&dc.Backend, "memory")
		c.Domains[string(d)] = dc
	}

	if c.Channels == nil {
		c.Channels = make(map[string]ChannelConfig)
	}
	for _, o := range conversation.KnownOrigins {
		if _, ok := c.Channels[string(o)]; !ok {
			c.Channels[string(o)] = ChannelConfig{}
		}
	}

	setStr(&c.Audit.Sink, "log")
	setStr(&c.Audit.Redis.Stream, "clinicflow:audit")
	dc := security.DefaultDispatcherConfig()
	setInt(&c.Audit.BufferSize, dc.BufferSize)
	setInt(&c.Audit.MaxAttempts, dc.MaxAttempts)
	setDur(&c.Audit.Backoff, dc.Backoff)

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 2
	}
	setInt(&c.RateLimit.Burst, 5)

	setStr(&c.Logging.Level, "info")
	setStr(&c.Logging.Format, "text")

	setStr(&c.Tracing.ServiceName, tracing.DefaultServiceName)
	setStr(&c.Tracing.ExporterType, "none")

	c.Messages = c.Messages.WithDefaults()
}

func (c *Config) applyEnv(getenv func(string) string) {
	override := func(v *string, key string) {
		if val := getenv(key); val != "" {
			*v = val
		}
	}
	fallback := func(v *string, key string) {
		if *v == "" {
			*v = getenv(key)
		}
	}

	override(&c.Server.Addr, "CLINICFLOW_ADDR")
	override(&c.Server.OpsAddr, "CLINICFLOW_OPS_ADDR")
	override(&c.Logging.Level, "CLINICFLOW_LOG_LEVEL")
	override(&c.Logging.Format, "CLINICFLOW_LOG_FORMAT")
	override(&c.Checkpoint.Backend, "CLINICFLOW_CHECKPOINT_BACKEND")
	override(&c.Checkpoint.Postgres.DSN, "CLINICFLOW_CHECKPOINT_DSN")
	override(&c.NLU.Classifier, "CLINICFLOW_NLU_CLASSIFIER")
	override(&c.NLU.Renderer, "CLINICFLOW_NLU_RENDERER")
	override(&c.NLU.Provider, "CLINICFLOW_NLU_PROVIDER")
	override(&c.NLU.Model, "CLINICFLOW_NLU_MODEL")
	override(&c.Webhook.Secret, "CLINICFLOW_WEBHOOK_SECRET")

	if v := getenv("CLINICFLOW_MAX_CONCURRENT_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentTurns = n
		}
	}

	switch c.NLU.Provider {
	case "openai":
		fallback(&c.NLU.APIKey, "OPENAI_API_KEY")
	case "anthropic":
		fallback(&c.NLU.APIKey, "ANTHROPIC_API_KEY")
	case "gemini":
		fallback(&c.NLU.Project, "GOOGLE_CLOUD_PROJECT")
	case "bedrock":
		fallback(&c.NLU.Region, "AWS_REGION")
	}

	fallback(&c.Checkpoint.Redis.Addr, "REDIS_ADDR")
	fallback(&c.Audit.Redis.Addr, "REDIS_ADDR")
	fallback(&c.Checkpoint.DynamoDB.Region, "AWS_REGION")

	override(&c.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if h := tracing.ParseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS")); h != nil {
		c.Tracing.OTLPHeaders = h
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	oneOf := func(field, v string, allowed []string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add("%s: unknown value %q (want one of %v)", field, v, allowed)
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add("%s must be positive", field)
		}
	}

	positive("server.read_timeout", c.Server.ReadTimeout)
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	positive("engine.queue_timeout", c.Engine.QueueTimeout)
	positive("engine.store_timeout", c.Engine.StoreTimeout)
	positive("engine.nlu_timeout", c.Engine.NLUTimeout)
	positive("engine.query_timeout", c.Engine.QueryTimeout)
	positive("engine.retry_backoff", c.Engine.RetryBackoff)
	positive("retention.ttl", c.Retention.TTL)
	positive("audit.backoff", c.Audit.Backoff)

	if c.Engine.MaxConcurrentTurns <= 0 {
		add("engine.max_concurrent_turns must be positive")
	}
	if c.Engine.HistoryWindow <= 0 {
		add("engine.history_window must be positive")
	}
	if c.Engine.MaxRows <= 0 || c.Engine.MaxRows > query.MaxRowCap {
		add("engine.max_rows must be between 1 and %d", query.MaxRowCap)
	}
	if c.Engine.ConfidenceThreshold <= 0 || c.Engine.ConfidenceThreshold > 1 {
		add("engine.confidence_threshold must be in (0, 1]")
	}
	if _, err := security.ParseSensitivity(c.Engine.InjectionSensitivity); err != nil {
		add("engine.injection_sensitivity: %v", err)
	}

	oneOf("checkpoint.backend", c.Checkpoint.Backend, checkpointBackends)
	switch c.Checkpoint.Backend {
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			add("checkpoint.redis.addr is required")
		}
	case "firestore":
		if c.Checkpoint.Firestore.ProjectID == "" {
			add("checkpoint.firestore.project_id is required")
		}
	case "postgres":
		if c.Checkpoint.Postgres.DSN == "" {
			add("checkpoint.postgres.dsn is required")
		}
	}

	oneOf("nlu.classifier", c.NLU.Classifier, classifiers)
	oneOf("nlu.renderer", c.NLU.Renderer, renderers)
	if c.NLU.Classifier == "llm" || c.NLU.Renderer == "llm" {
		oneOf("nlu.provider", c.NLU.Provider, providers)
		if c.NLU.Model == "" {
			add("nlu.model is required for the llm classifier or renderer")
		}
		if (c.NLU.Provider == "openai" || c.NLU.Provider == "anthropic") && c.NLU.APIKey == "" {
			add("nlu.api_key is required for provider %s", c.NLU.Provider)
		}
	}
	if _, err := time.LoadLocation(c.NLU.Timezone); err != nil {
		add("nlu.timezone: %v", err)
	}

	for _, name := range sortedKeys(c.Domains) {
		d := c.Domains[name]
		if !knownDomain(name) {
			add("domains: unknown domain %q", name)
			continue
		}
		oneOf("domains."+name+".backend", d.Backend, domainBackends)
		switch d.Backend {
		case "postgres":
			if d.DSN == "" {
				add("domains.%s.dsn is required", name)
			}
		case "supabase":
			if d.Supabase.URL == "" || d.Supabase.APIKey == "" {
				add("domains.%s.supabase url and api_key are required", name)
			}
		}
	}

	enabled := 0
	for _, name := range sortedKeys(c.Channels) {
		ch := c.Channels[name]
		origin := conversation.Origin(name)
		if !origin.Valid() {
			add("channels: unknown origin %q", name)
			continue
		}
		if ch.Verbosity != "" && ch.Verbosity != string(nlu.Verbose) && ch.Verbosity != string(nlu.Terse) {
			add("channels.%s.verbosity: unknown value %q", name, ch.Verbosity)
		}
		if ch.MaxChars < 0 {
			add("channels.%s.max_chars must not be negative", name)
		}
		if origin == conversation.OriginPatientMessaging && ch.MaxChars != 0 && ch.MaxChars < MinPatientBudget {
			add("channels.%s.max_chars must be at least %d", name, MinPatientBudget)
		}
		if ch.Enabled == nil || *ch.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		add("channels: no origin enabled")
	}

	oneOf("audit.sink", c.Audit.Sink, auditSinks)
	if c.Audit.Sink == "redis" && c.Audit.Redis.Addr == "" {
		add("audit.redis.addr is required")
	}
	if c.Audit.MaxAttempts <= 0 {
		add("audit.max_attempts must be positive")
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		add("rate_limit requests_per_second and burst must be positive")
	}

	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" || tok.ID == "" {
			add("auth.tokens[%d]: token and id are required", i)
		}
		if !tok.Role.Valid() {
			add("auth.tokens[%d]: unknown role %q", i, tok.Role)
		}
		for _, o := range tok.Origins {
			if !o.Valid() {
				add("auth.tokens[%d]: unknown origin %q", i, o)
			}
		}
	}
	for _, sender := range sortedKeys(c.Directory) {
		p := c.Directory[sender]
		if p.ID == "" || !p.Role.Valid() {
			add("directory[%s]: id and a known role are required", sender)
		}
	}

	oneOf("logging.level", c.Logging.Level, logLevels)
	oneOf("logging.format", c.Logging.Format, logFormats)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Origins returns the enabled origins in canonical order.
func (c *Config) Origins() []conversation.Origin {
	var out []conversation.Origin
	for _, o := range conversation.KnownOrigins {
		ch, ok := c.Channels[string(o)]
		if ok && (ch.Enabled == nil || *ch.Enabled) {
			out = append(out, o)
		}
	}
	return out
}

// Styles returns the configured style overrides per origin.
func (c *Config) Styles() map[conversation.Origin]nlu.Style {
	out := make(map[conversation.Origin]nlu.Style)
	for name, ch := range c.Channels {
		if ch.MaxChars == 0 && ch.Verbosity == "" {
			continue
		}
		out[conversation.Origin(name)] = nlu.Style{Verbosity: nlu.Verbosity(ch.Verbosity), MaxChars: ch.MaxChars}
	}
	return out
}

// WorkflowConfig converts the engine section.
func (c *Config) WorkflowConfig() workflow.Config {
	return workflow.Config{
		MaxConcurrentTurns: c.Engine.MaxConcurrentTurns,
		QueueTimeout:       c.Engine.QueueTimeout,
		StoreTimeout:       c.Engine.StoreTimeout,
		HistoryWindow:      c.Engine.HistoryWindow,
		Retention:          c.Retention.TTL,
	}
}

// DispatcherConfig converts the audit section.
func (c *Config) DispatcherConfig() security.DispatcherConfig {
	dc := security.DefaultDispatcherConfig()
	dc.BufferSize = c.Audit.BufferSize
	dc.MaxAttempts = c.Audit.MaxAttempts
	dc.Backoff = c.Audit.Backoff
	return dc
}

func knownDomain(name string) bool {
	for _, d := range conversation.Domains {
		if string(d) == name {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
