package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Artifact   ArtifactConfig   `yaml:"artifact" mapstructure:"artifact"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Evaluation EvaluationConfig `yaml:"evaluation" mapstructure:"evaluation"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Telegram   TelegramConfig   `yaml:"telegram" mapstructure:"telegram"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Blobstore  BlobstoreConfig  `yaml:"blobstore" mapstructure:"blobstore"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// WorkerConfig configures the worker loop's claim/lease/backoff cadence.
// Field names mirror spec.md §6's environment variable table exactly.
type WorkerConfig struct {
	PollIntervalMS      int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	IdleBackoffMS       int `yaml:"idle_backoff_ms" mapstructure:"idle_backoff_ms"`
	ErrorBackoffMS      int `yaml:"error_backoff_ms" mapstructure:"error_backoff_ms"`
	ClaimLeaseSeconds   int `yaml:"claim_lease_seconds" mapstructure:"claim_lease_seconds"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
}

// PollInterval returns the post-work sleep duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// IdleBackoff returns the post-idle sleep duration.
func (w WorkerConfig) IdleBackoff() time.Duration {
	return time.Duration(w.IdleBackoffMS) * time.Millisecond
}

// ErrorBackoff returns the post-exception sleep duration.
func (w WorkerConfig) ErrorBackoff() time.Duration {
	return time.Duration(w.ErrorBackoffMS) * time.Millisecond
}

// ClaimLease returns the initial lease duration granted by claim_next.
func (w WorkerConfig) ClaimLease() time.Duration {
	return time.Duration(w.ClaimLeaseSeconds) * time.Second
}

// HeartbeatInterval returns the cadence at which a worker renews its lease.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMS) * time.Millisecond
}

// ArtifactConfig gates schema-version enforcement for stage artifacts.
type ArtifactConfig struct {
	CompatPolicy string `yaml:"compat_policy" mapstructure:"compat_policy"`
}

// Strict reports whether a schema-version mismatch on an artifact must be
// classified permanent_bad_input rather than tolerated.
func (a ArtifactConfig) Strict() bool {
	return a.CompatPolicy == "strict"
}

// NotionConfig holds Notion API credentials and the database IDs of the
// rubric registry (evaluate stage) and the Salesforce field registry
// (deliver stage).
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	RubricDB string `yaml:"rubric_db" mapstructure:"rubric_db"`
	FieldDB  string `yaml:"field_db" mapstructure:"field_db"`

	// RubricFixturePath and FieldFixturePath let worker-evaluate and
	// worker-deliver run against a JSON fixture (internal/registry.LoadRubricFromFile
	// / LoadFieldsFromFile) instead of a live Notion connection, for
	// --dry-run-startup and local development. A live Token together with
	// the matching database ID takes priority over the fixture.
	RubricFixturePath string `yaml:"rubric_fixture_path" mapstructure:"rubric_fixture_path"`
	FieldFixturePath  string `yaml:"field_fixture_path" mapstructure:"field_fixture_path"`

	// RubricMaxTier gates which criteria the evaluate stage scores against,
	// passed straight through to model.FilterByMaxTier.
	RubricMaxTier int `yaml:"rubric_max_tier" mapstructure:"rubric_max_tier"`
}

// AnthropicConfig holds the language-model client settings consumed by
// pkg/llm.
type AnthropicConfig struct {
	Key                 string `yaml:"key" mapstructure:"key"`
	HaikuModel          string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel         string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel           string `yaml:"opus_model" mapstructure:"opus_model"`
	MaxBatchSize        int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	NoBatch             bool   `yaml:"no_batch" mapstructure:"no_batch"`
	SmallBatchThreshold int    `yaml:"small_batch_threshold" mapstructure:"small_batch_threshold"`
}

// EvaluationConfig pins the evaluate stage's determinism parameters, per
// the Stage Handler reproducibility requirement: a given (model, seed,
// temperature, chain_version, prompt_version) tuple must always be
// recoverable from a persisted model.Evaluation row.
type EvaluationConfig struct {
	Model         string  `yaml:"model" mapstructure:"model"`
	Temperature   float64 `yaml:"temperature" mapstructure:"temperature"`
	Seed          int64   `yaml:"seed" mapstructure:"seed"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	ChainVersion  string  `yaml:"chain_version" mapstructure:"chain_version"`
	PromptVersion string  `yaml:"prompt_version" mapstructure:"prompt_version"`
}

// PricingConfig holds per-model token pricing fed into internal/cost.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// TelegramConfig holds the Telegram Bot API settings used by the deliver
// stage and the /webhooks/telegram ingestion route.
type TelegramConfig struct {
	BotToken      string `yaml:"bot_token" mapstructure:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
}

// SalesforceConfig holds Salesforce JWT auth settings for the CRM delivery
// channel.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`

	// SObject and ExternalIDField target the custom object pkg/salesforcesync
	// upserts feedback onto, keyed by the candidate's external identifier.
	SObject         string `yaml:"sobject" mapstructure:"sobject"`
	ExternalIDField string `yaml:"external_id_field" mapstructure:"external_id_field"`
}

// BlobstoreConfig configures the artifact object store.
type BlobstoreConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	RootDir string `yaml:"root_dir" mapstructure:"root_dir"`
}

// ExportConfig configures the Temporal-backed async export workflow.
type ExportConfig struct {
	TemporalHostPort string `yaml:"temporal_host_port" mapstructure:"temporal_host_port"`
	TaskQueue        string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP ingress server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. Environment variables
// are read with no prefix so the literal names in spec.md §6
// (WORKER_POLL_INTERVAL_MS, ARTIFACT_COMPAT_POLICY, ...) work unmodified —
// a deliberate deviation from a prefixed scheme, since the spec fixes these
// exact external variable names as part of its contract.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "worker.poll_interval_ms", "WORKER_POLL_INTERVAL_MS")
	bindEnv(v, "worker.idle_backoff_ms", "WORKER_IDLE_BACKOFF_MS")
	bindEnv(v, "worker.error_backoff_ms", "WORKER_ERROR_BACKOFF_MS")
	bindEnv(v, "worker.claim_lease_seconds", "WORKER_CLAIM_LEASE_SECONDS")
	bindEnv(v, "worker.heartbeat_interval_ms", "WORKER_HEARTBEAT_INTERVAL_MS")
	bindEnv(v, "artifact.compat_policy", "ARTIFACT_COMPAT_POLICY")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.poll_interval_ms", 200)
	v.SetDefault("worker.idle_backoff_ms", 1000)
	v.SetDefault("worker.error_backoff_ms", 2000)
	v.SetDefault("worker.claim_lease_seconds", 30)
	v.SetDefault("worker.heartbeat_interval_ms", 10000)
	v.SetDefault("artifact.compat_policy", "strict")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-6")
	v.SetDefault("anthropic.max_batch_size", 100)
	v.SetDefault("anthropic.small_batch_threshold", 3)
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("blobstore.driver", "local")
	v.SetDefault("blobstore.root_dir", "/tmp/submission-grader/artifacts")
	v.SetDefault("export.task_queue", "submission-grader-exports")
	v.SetDefault("notion.rubric_max_tier", 3)
	v.SetDefault("evaluation.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("evaluation.temperature", 0.0)
	v.SetDefault("evaluation.max_tokens", int64(4096))
	v.SetDefault("evaluation.chain_version", "v1")
	v.SetDefault("evaluation.prompt_version", "v1")
	v.SetDefault("salesforce.sobject", "Submission_Feedback__c")
	v.SetDefault("salesforce.external_id_field", "Candidate_External_Id__c")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// bindEnv binds a config key to an unprefixed environment variable name,
// overriding viper's default SetEnvPrefix+replacer derivation so the
// spec's literal variable names are honored exactly.
func bindEnv(v *viper.Viper, key, envVar string) {
	_ = v.BindEnv(key, envVar)
}

// Validate checks that the fields required by the given process role
// (spec.md §6's --role values: api, worker-ingest-telegram,
// worker-normalize, worker-evaluate, worker-deliver) are present, mirroring
// the teacher's per-mode validation in cmd/root.go's PersistentPreRunE.
func (c *Config) Validate(role string) error {
	var errs []string

	require := func(cond bool, msg string) {
		if !cond {
			errs = append(errs, msg)
		}
	}

	switch role {
	case "api":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
		require(c.Server.Port > 0, "server.port must be > 0")
	case "worker-ingest-telegram":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
		require(c.Telegram.BotToken != "", "telegram.bot_token is required")
	case "worker-normalize":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	case "worker-evaluate":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Notion.RubricFixturePath != "" || (c.Notion.Token != "" && c.Notion.RubricDB != ""),
			"either notion.rubric_fixture_path, or both notion.token and notion.rubric_db, are required")
	case "worker-deliver":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
		require(c.Telegram.BotToken != "" || c.Salesforce.Username != "", "at least one delivery channel (telegram.bot_token or salesforce.username) is required")
	default:
		return fmt.Errorf("config: unknown role %q", role)
	}

	require(c.Worker.ClaimLeaseSeconds > 0, "worker.claim_lease_seconds must be > 0")
	require(c.Worker.PollIntervalMS >= 0, "worker.poll_interval_ms must be >= 0")

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
