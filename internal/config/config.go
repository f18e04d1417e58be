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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Mistral   MistralConfig   `yaml:"mistral" mapstructure:"mistral"`
	Vision    VisionConfig    `yaml:"vision" mapstructure:"vision"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// SessionConfig bounds individual database operations. The keepalive matters
// on serverless Postgres, where an idle database scales to zero and the next
// acquire eats the cold start.
type SessionConfig struct {
	AcquireTimeoutSecs   int `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
	StatementTimeoutSecs int `yaml:"statement_timeout_secs" mapstructure:"statement_timeout_secs"`
	KeepaliveSecs        int `yaml:"keepalive_secs" mapstructure:"keepalive_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	EnrichModel string `yaml:"enrich_model" mapstructure:"enrich_model"`
}

// MistralConfig holds Mistral API settings for the fallback vision provider.
type MistralConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// VisionConfig configures the extraction stage.
type VisionConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// EnrichConfig configures the enrichment stage.
type EnrichConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ScanConfig configures job submission limits and retention.
type ScanConfig struct {
	MaxPhotos      int    `yaml:"max_photos" mapstructure:"max_photos"`
	MaxPhotoBytes  int64  `yaml:"max_photo_bytes" mapstructure:"max_photo_bytes"`
	RetentionMins  int    `yaml:"retention_mins" mapstructure:"retention_mins"`
	GCIntervalMins int    `yaml:"gc_interval_mins" mapstructure:"gc_interval_mins"`
	TargetURLBase  string `yaml:"target_url_base" mapstructure:"target_url_base"`
}

// NotifyConfig configures completion event delivery.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("PANELSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default still need registering,
	// or AutomaticEnv never surfaces their PANELSCAN_* override.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "panelscan.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("session.acquire_timeout_secs", 5)
	v.SetDefault("session.statement_timeout_secs", 30)
	v.SetDefault("session.keepalive_secs", 240)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.enrich_model", "claude-haiku-4-5-20251001")
	v.SetDefault("mistral.key", "")
	v.SetDefault("mistral.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("mistral.model", "pixtral-large-latest")
	v.SetDefault("vision.requests_per_second", 1.0)
	v.SetDefault("enrich.batch_size", 10)
	v.SetDefault("enrich.concurrency", 2)
	v.SetDefault("scan.max_photos", 15)
	v.SetDefault("scan.max_photo_bytes", 8<<20)
	v.SetDefault("scan.retention_mins", 60)
	v.SetDefault("scan.gc_interval_mins", 10)
	v.SetDefault("scan.target_url_base", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the fields required by the given mode are set.
// Modes: "scan" (pipeline commands), "serve" (scan plus the HTTP server),
// "migrate" (store only).
func (c *Config) Validate(mode string) error {
	var problems []string

	requireStore := func() {
		switch c.Store.Driver {
		case "sqlite":
			// sqlite_path has a default; nothing else to check.
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	requireScan := func() {
		requireStore()
		if c.Anthropic.Key == "" && c.Mistral.Key == "" {
			problems = append(problems, "anthropic.key or mistral.key is required")
		}
		if c.Enrich.BatchSize < 1 || c.Enrich.BatchSize > 10 {
			problems = append(problems, "enrich.batch_size must be between 1 and 10")
		}
		if c.Scan.MaxPhotos < 1 {
			problems = append(problems, "scan.max_photos must be >= 1")
		}
	}

	switch mode {
	case "scan":
		requireScan()
	case "serve":
		requireScan()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "migrate":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
