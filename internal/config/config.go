package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/catalog-curator/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Diff       DiffConfig       `yaml:"diff" mapstructure:"diff"`
	Approval   ApprovalConfig   `yaml:"approval" mapstructure:"approval"`
	Rollback   RollbackConfig   `yaml:"rollback" mapstructure:"rollback"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig configures the Perplexity backend.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnalysisConfig selects and tunes the text-generation backends used for
// analysis synthesis.
type AnalysisConfig struct {
	Backends    []string `yaml:"backends" mapstructure:"backends"`
	MaxTokens   int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64  `yaml:"temperature" mapstructure:"temperature"`
}

// ScrapeConfig configures document retrieval for scrape synthesis.
type ScrapeConfig struct {
	URLTemplate string  `yaml:"url_template" mapstructure:"url_template"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	JinaKey     string  `yaml:"jina_key" mapstructure:"jina_key"`
	JinaBaseURL string  `yaml:"jina_base_url" mapstructure:"jina_base_url"`
}

// ResilienceConfig tunes provider retries and circuit breakers.
type ResilienceConfig struct {
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BudgetConfig configures the monthly spend ledger.
type BudgetConfig struct {
	MonthlyCeilingUSD float64 `yaml:"monthly_ceiling_usd" mapstructure:"monthly_ceiling_usd"`
}

// JobsConfig configures bulk job execution.
type JobsConfig struct {
	MaxConcurrent       int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	DispatchDelayMs     int     `yaml:"dispatch_delay_ms" mapstructure:"dispatch_delay_ms"`
	RetryCap            int     `yaml:"retry_cap" mapstructure:"retry_cap"`
	DefaultTokenBudget  int     `yaml:"default_token_budget" mapstructure:"default_token_budget"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	CostCeilingUSD      float64 `yaml:"cost_ceiling_usd" mapstructure:"cost_ceiling_usd"`
}

// DiffConfig configures change detection.
type DiffConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	WeightsFile         string  `yaml:"weights_file" mapstructure:"weights_file"`
}

// ApprovalConfig configures the review workflow.
type ApprovalConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
}

// RollbackConfig configures rollback point retention.
type RollbackConfig struct {
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// Optional .env; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CURATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults still need binding so Unmarshal sees env values.
	for _, key := range []string{
		"anthropic.key", "openai.key", "openai.base_url", "gemini.key", "perplexity.key",
		"scrape.url_template", "scrape.jina_key", "diff.weights_file",
		"jobs.confidence_threshold", "jobs.cost_ceiling_usd",
		"store.max_conns", "store.min_conns",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "curator.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("analysis.backends", []string{"anthropic"})
	v.SetDefault("analysis.max_tokens", 1024)
	v.SetDefault("analysis.temperature", 0.2)
	v.SetDefault("scrape.user_agent", "catalog-curator/1.0")
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.rate_per_sec", 1.0)
	v.SetDefault("scrape.max_retries", 2)
	v.SetDefault("scrape.jina_base_url", "https://r.jina.ai")
	v.SetDefault("resilience.max_retries", 2)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)
	v.SetDefault("budget.monthly_ceiling_usd", 50.0)
	v.SetDefault("jobs.max_concurrent", 3)
	v.SetDefault("jobs.batch_size", 10)
	v.SetDefault("jobs.dispatch_delay_ms", 1000)
	v.SetDefault("jobs.retry_cap", 2)
	v.SetDefault("jobs.default_token_budget", 2000)
	v.SetDefault("diff.confidence_threshold", 0.5)
	v.SetDefault("approval.auto_approve_threshold", 0.9)
	v.SetDefault("rollback.retention_days", 90)

	// Read config file (optional)
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

// Validate checks that the keys a command depends on are present and sane.
func (c *Config) Validate(command string) error {
	var errs []string

	needsStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch command {
	case "serve":
		needsStore()
		c.validateJobs(&errs)
		c.validateBackends(&errs)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "job":
		needsStore()
		c.validateJobs(&errs)
		c.validateBackends(&errs)
	case "migrate", "changes", "rollback", "stats":
		needsStore()
	default:
		return eris.Errorf("config: unknown mode %q", command)
	}

	if c.Approval.AutoApproveThreshold < 0 || c.Approval.AutoApproveThreshold > 1 {
		errs = append(errs, "approval.auto_approve_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateJobs(errs *[]string) {
	if c.Jobs.MaxConcurrent <= 0 {
		*errs = append(*errs, "jobs.max_concurrent must be > 0")
	}
	if c.Jobs.BatchSize <= 0 {
		*errs = append(*errs, "jobs.batch_size must be > 0")
	}
	if c.Jobs.RetryCap < 0 {
		*errs = append(*errs, "jobs.retry_cap must be >= 0")
	}
	if c.Diff.ConfidenceThreshold < 0 || c.Diff.ConfidenceThreshold > 1 {
		*errs = append(*errs, "diff.confidence_threshold must be between 0 and 1")
	}
	if c.Budget.MonthlyCeilingUSD < 0 {
		*errs = append(*errs, "budget.monthly_ceiling_usd must be >= 0")
	}
}

// validateBackends requires a key for every configured analysis backend.
func (c *Config) validateBackends(errs *[]string) {
	if len(c.Analysis.Backends) == 0 {
		*errs = append(*errs, "analysis.backends needs at least one backend")
		return
	}
	for _, b := range c.Analysis.Backends {
		key, known := c.BackendKey(b)
		switch {
		case !known:
			*errs = append(*errs, "analysis.backends: unknown backend "+b)
		case key == "":
			*errs = append(*errs, b+".key is required")
		}
	}
}

// BackendKey returns the API key configured for a named backend.
func (c *Config) BackendKey(name string) (string, bool) {
	switch name {
	case "anthropic":
		return c.Anthropic.Key, true
	case "openai":
		return c.OpenAI.Key, true
	case "gemini":
		return c.Gemini.Key, true
	case "perplexity":
		return c.Perplexity.Key, true
	default:
		return "", false
	}
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
