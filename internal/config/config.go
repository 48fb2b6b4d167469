package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	MathEngine MathEngineConfig `yaml:"math_engine" mapstructure:"math_engine"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CacheConfig configures the answer cache.
type CacheConfig struct {
	Capacity         int     `yaml:"capacity" mapstructure:"capacity"`
	TTLDays          int     `yaml:"ttl_days" mapstructure:"ttl_days"`
	SweepIntervalSec int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	DisplayThreshold float64 `yaml:"display_threshold" mapstructure:"display_threshold"`
}

// QuotaConfig defines monthly per-tier allowances by plan. A value of -1
// means unlimited, 0 means the tier is not permitted for the plan.
type QuotaConfig struct {
	Free    PlanAllowance `yaml:"free" mapstructure:"free"`
	Basic   PlanAllowance `yaml:"basic" mapstructure:"basic"`
	Premium PlanAllowance `yaml:"premium" mapstructure:"premium"`
}

// PlanAllowance is the monthly call allowance for each costed tier.
type PlanAllowance struct {
	Mid  int `yaml:"mid" mapstructure:"mid"`
	High int `yaml:"high" mapstructure:"high"`
}

// RoutingConfig configures the provider chain walk.
type RoutingConfig struct {
	SearchThreshold            float64 `yaml:"search_threshold" mapstructure:"search_threshold"`
	MathThreshold              float64 `yaml:"math_threshold" mapstructure:"math_threshold"`
	MidThreshold               float64 `yaml:"mid_threshold" mapstructure:"mid_threshold"`
	HighThreshold              float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	SkipSearchForComputational bool    `yaml:"skip_search_for_computational" mapstructure:"skip_search_for_computational"`
	ChainFile                  string  `yaml:"chain_file" mapstructure:"chain_file"`
	ProviderTimeoutSecs        int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
}

// RetryConfig configures per-provider retry behavior.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// OCRConfig configures the two-stage text extraction chain.
type OCRConfig struct {
	TesseractPath       string  `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	EscalationThreshold float64 `yaml:"escalation_threshold" mapstructure:"escalation_threshold"`
	CloudKey            string  `yaml:"cloud_key" mapstructure:"cloud_key"`
	CloudBaseURL        string  `yaml:"cloud_base_url" mapstructure:"cloud_base_url"`
	CloudModel          string  `yaml:"cloud_model" mapstructure:"cloud_model"`
	RetainImagesDir     string  `yaml:"retain_images_dir" mapstructure:"retain_images_dir"`
}

// SearchConfig holds textbook content-search settings.
type SearchConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	RateLimit   int    `yaml:"rate_limit" mapstructure:"rate_limit"` // requests/sec
	MaxResults  int    `yaml:"max_results" mapstructure:"max_results"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MathEngineConfig holds computation-engine API settings.
type MathEngineConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	RateLimit   int    `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings for the LM tiers.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	MidModel  string `yaml:"mid_model" mapstructure:"mid_model"`
	HighModel string `yaml:"high_model" mapstructure:"high_model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	MathEngine PerQueryPricing         `yaml:"math_engine" mapstructure:"math_engine"`
	CloudOCR   PerQueryPricing         `yaml:"cloud_ocr" mapstructure:"cloud_ocr"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerQueryPricing holds flat per-call pricing.
type PerQueryPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KLARO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "klaro.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl_days", 30)
	v.SetDefault("cache.sweep_interval_secs", 300)
	v.SetDefault("cache.display_threshold", 0.5)
	v.SetDefault("quota.free.mid", 20)
	v.SetDefault("quota.free.high", 0)
	v.SetDefault("quota.basic.mid", 100)
	v.SetDefault("quota.basic.high", 10)
	v.SetDefault("quota.premium.mid", -1)
	v.SetDefault("quota.premium.high", 100)
	v.SetDefault("routing.search_threshold", 0.70)
	v.SetDefault("routing.math_threshold", 0.0)
	v.SetDefault("routing.mid_threshold", 0.60)
	v.SetDefault("routing.high_threshold", 0.50)
	v.SetDefault("routing.skip_search_for_computational", false)
	v.SetDefault("routing.provider_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 3)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.escalation_threshold", 0.6)
	v.SetDefault("ocr.cloud_base_url", "https://api.mistral.ai/v1/ocr")
	v.SetDefault("ocr.cloud_model", "pixtral-large-latest")
	v.SetDefault("search.base_url", "https://content.klaro.app")
	v.SetDefault("search.rate_limit", 10)
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.timeout_secs", 10)
	v.SetDefault("math_engine.base_url", "https://api.mathpipe.dev/v2")
	v.SetDefault("math_engine.rate_limit", 5)
	v.SetDefault("math_engine.timeout_secs", 20)
	v.SetDefault("anthropic.mid_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.high_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("pricing.math_engine.per_query", 0.0025)
	v.SetDefault("pricing.cloud_ocr.per_query", 0.001)

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

// Allowance returns the monthly allowance for a plan.
func (q QuotaConfig) Allowance(plan string) PlanAllowance {
	switch plan {
	case "basic":
		return q.Basic
	case "premium":
		return q.Premium
	default:
		return q.Free
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
