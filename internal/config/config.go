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
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	OCR          OCRConfig          `yaml:"ocr" mapstructure:"ocr"`
	Embed        EmbedConfig        `yaml:"embed" mapstructure:"embed"`
	Source       SourceConfig       `yaml:"source" mapstructure:"source"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Merge        MergeConfig        `yaml:"merge" mapstructure:"merge"`
	Router       RouterConfig       `yaml:"router" mapstructure:"router"`
	Weights      WeightsConfig      `yaml:"weights" mapstructure:"weights"`
	Resilience   ResilienceConfig   `yaml:"resilience" mapstructure:"resilience"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Profiles     ProfilesConfig     `yaml:"profiles" mapstructure:"profiles"`
	Fields       FieldsConfig       `yaml:"fields" mapstructure:"fields"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the model strategy.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// GeminiConfig holds Gemini settings for the multimodal strategy.
type GeminiConfig struct {
	Enabled bool    `yaml:"enabled" mapstructure:"enabled"`
	Model   string  `yaml:"model" mapstructure:"model"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// OCRConfig configures text and OCR extractors.
type OCRConfig struct {
	PdfToTextPath string  `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfToPPMPath  string  `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	TesseractPath string  `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	Languages     string  `yaml:"languages" mapstructure:"languages"`
	MistralKey    string  `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string  `yaml:"mistral_model" mapstructure:"mistral_model"`
	MistralRPS    float64 `yaml:"mistral_rps" mapstructure:"mistral_rps"`
}

// EmbedConfig configures the embedder used for the semantic index.
type EmbedConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// SourceConfig configures document resolution.
type SourceConfig struct {
	Root       string   `yaml:"root" mapstructure:"root"`
	MaxBytes   int64    `yaml:"max_bytes" mapstructure:"max_bytes"`
	Extensions []string `yaml:"extensions" mapstructure:"extensions"`
	GCSEnabled bool     `yaml:"gcs_enabled" mapstructure:"gcs_enabled"`
}

// OrchestratorConfig configures rounds, timeouts, and concurrency.
type OrchestratorConfig struct {
	MaxCostTier         int `yaml:"max_cost_tier" mapstructure:"max_cost_tier"`
	RoundTimeoutSecs    int `yaml:"round_timeout_secs" mapstructure:"round_timeout_secs"`
	TaskTimeoutSecs     int `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
	StrategyTimeoutSecs int `yaml:"strategy_timeout_secs" mapstructure:"strategy_timeout_secs"`
	Workers             int `yaml:"workers" mapstructure:"workers"`
	MaxConcurrency      int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// RoundTimeout returns the per-round timeout.
func (c OrchestratorConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSecs) * time.Second
}

// TaskTimeout returns the whole-task timeout.
func (c OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

// StrategyTimeout returns the per-strategy timeout.
func (c OrchestratorConfig) StrategyTimeout() time.Duration {
	return time.Duration(c.StrategyTimeoutSecs) * time.Second
}

// MergeConfig configures field confidence and review thresholds.
type MergeConfig struct {
	HighThreshold      float64            `yaml:"high_threshold" mapstructure:"high_threshold"`
	LowCeiling         float64            `yaml:"low_ceiling" mapstructure:"low_ceiling"`
	ReviewConfidence   float64            `yaml:"review_confidence" mapstructure:"review_confidence"`
	ReviewCompleteness float64            `yaml:"review_completeness" mapstructure:"review_completeness"`
	FieldTolerances    map[string]float64 `yaml:"field_tolerances" mapstructure:"field_tolerances"`
}

// RouterConfig configures the gating policy.
type RouterConfig struct {
	SingleThreshold float64 `yaml:"single_threshold" mapstructure:"single_threshold"`
	PairThreshold   float64 `yaml:"pair_threshold" mapstructure:"pair_threshold"`
	BudgetUSD       float64 `yaml:"budget_usd" mapstructure:"budget_usd"`
}

// WeightsConfig configures the performance-weight moving average.
type WeightsConfig struct {
	Alpha   float64 `yaml:"alpha" mapstructure:"alpha"`
	Min     float64 `yaml:"min" mapstructure:"min"`
	Max     float64 `yaml:"max" mapstructure:"max"`
	Initial float64 `yaml:"initial" mapstructure:"initial"`
}

// ResilienceConfig configures retry and circuit breaking for strategies.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic     map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini        map[string]ModelPricing `yaml:"gemini" mapstructure:"gemini"`
	MistralPage   float64                 `yaml:"mistral_per_page" mapstructure:"mistral_per_page"`
	EstimatePages int                     `yaml:"estimate_pages" mapstructure:"estimate_pages"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ProfilesConfig points at the expert profile definitions.
type ProfilesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FieldsConfig points at an optional field schema override.
type FieldsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures alert thresholds and the webhook they post to.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewRateThreshold  float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DATASHEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "datasheets.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.rps", 2)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.rps", 2)

	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.languages", "eng+hun+deu")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("ocr.mistral_rps", 1)

	v.SetDefault("embed.provider", "hash")
	v.SetDefault("embed.base_url", "https://api.openai.com/v1")
	v.SetDefault("embed.model", "text-embedding-3-small")
	v.SetDefault("embed.dimensions", 256)

	v.SetDefault("source.max_bytes", 50<<20)
	v.SetDefault("source.extensions", []string{".pdf", ".docx", ".doc", ".odt", ".rtf"})

	v.SetDefault("orchestrator.max_cost_tier", 3)
	v.SetDefault("orchestrator.round_timeout_secs", 120)
	v.SetDefault("orchestrator.task_timeout_secs", 300)
	v.SetDefault("orchestrator.strategy_timeout_secs", 90)
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.max_concurrency", 8)

	v.SetDefault("merge.high_threshold", 0.85)
	v.SetDefault("merge.low_ceiling", 0.7)
	v.SetDefault("merge.review_confidence", 0.6)
	v.SetDefault("merge.review_completeness", 0.5)

	v.SetDefault("router.single_threshold", 0.8)
	v.SetDefault("router.pair_threshold", 0.6)
	v.SetDefault("router.budget_usd", 0.0)

	v.SetDefault("weights.alpha", 0.1)
	v.SetDefault("weights.min", 0.1)
	v.SetDefault("weights.max", 2.0)
	v.SetDefault("weights.initial", 1.0)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)

	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.review_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)

	v.SetDefault("pricing.mistral_per_page", 0.001)
	v.SetDefault("pricing.estimate_pages", 4)
}

// Validate checks configuration for the given command mode.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "watch":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite", "none":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres, sqlite, or none", c.Store.Driver))
	}
	if c.Store.Driver != "none" && c.Store.DatabaseURL == "" && mode != "migrate" {
		errs = append(errs, "store.database_url is required")
	}

	m := c.Merge
	for name, v := range map[string]float64{
		"merge.high_threshold":      m.HighThreshold,
		"merge.low_ceiling":         m.LowCeiling,
		"merge.review_confidence":   m.ReviewConfidence,
		"merge.review_completeness": m.ReviewCompleteness,
		"router.single_threshold":   c.Router.SingleThreshold,
		"router.pair_threshold":     c.Router.PairThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	if m.LowCeiling >= m.HighThreshold {
		errs = append(errs, "merge.low_ceiling must be below merge.high_threshold")
	}
	for field, tol := range m.FieldTolerances {
		if tol < 0 || tol >= 1 {
			errs = append(errs, fmt.Sprintf("merge.field_tolerances.%s must be in [0, 1)", field))
		}
	}
	if c.Router.PairThreshold > c.Router.SingleThreshold {
		errs = append(errs, "router.pair_threshold must not exceed router.single_threshold")
	}

	o := c.Orchestrator
	if o.MaxCostTier < 1 {
		errs = append(errs, "orchestrator.max_cost_tier must be >= 1")
	}
	if o.RoundTimeoutSecs <= 0 || o.TaskTimeoutSecs <= 0 || o.StrategyTimeoutSecs <= 0 {
		errs = append(errs, "orchestrator timeouts must be > 0")
	}
	if o.Workers < 1 || o.Workers > 64 {
		errs = append(errs, "orchestrator.workers must be between 1 and 64")
	}
	if o.MaxConcurrency < 1 {
		errs = append(errs, "orchestrator.max_concurrency must be >= 1")
	}

	w := c.Weights
	if w.Alpha <= 0 || w.Alpha > 1 {
		errs = append(errs, "weights.alpha must be in (0, 1]")
	}
	if w.Min <= 0 {
		errs = append(errs, "weights.min must be > 0")
	}
	if w.Initial < w.Min || w.Initial > w.Max {
		errs = append(errs, "weights.initial must be between weights.min and weights.max")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
