package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"local"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Sweep    SweepConfig
	Retry    RetryConfig
	Analyzer AnalyzerConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS" envDefault:":8080"`
}

type DatabaseConfig struct {
	PostgresDSN  string        `env:"POSTGRES_DSN,required"`
	MaxConns     int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"8s"`
}

type RedisConfig struct {
	Address     string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	InflightTTL time.Duration `env:"INFLIGHT_TTL" envDefault:"30s"`
}

// Enabled reports whether the in-progress marker is backed by Redis.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

type SweepConfig struct {
	Interval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"45s"`
	BatchLimit  int           `env:"SWEEP_BATCH_LIMIT" envDefault:"1000"`
	Concurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
	Overlap     time.Duration `env:"SWEEP_OVERLAP" envDefault:"2m"`
	OnStart     bool          `env:"SWEEP_ON_START" envDefault:"false"`
}

type RetryConfig struct {
	MaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	MaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	SyncMaxRetries int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	SyncTimeout    time.Duration `env:"SYNC_TIMEOUT" envDefault:"1m"`
}

type AnalyzerConfig struct {
	OpenAIAPIKey  string  `env:"OPENAI_API_KEY"`
	OpenAIModel   string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL string  `env:"OPENAI_BASE_URL"`
	RPS           float64 `env:"ANALYZER_RPS" envDefault:"1"`
}

// AIEnabled reports whether captions go to the OpenAI analyzer first.
func (a AnalyzerConfig) AIEnabled() bool {
	return a.OpenAIAPIKey != ""
}

type WebhookConfig struct {
	URL     string        `env:"WEBHOOK_URL"`
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

// LoadAll reads an optional .env file and then the process environment.
func LoadAll() (*Config, error) {
	_ = godotenv.Load()
	return Load()
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if cfg.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be > 0"))
	}
	if cfg.Database.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be > 0"))
	}
	if cfg.Redis.InflightTTL <= 0 {
		errs = append(errs, errors.New("INFLIGHT_TTL must be > 0"))
	}
	if cfg.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.Sweep.BatchLimit <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH_LIMIT must be > 0"))
	}
	if cfg.Sweep.Concurrency <= 0 {
		errs = append(errs, errors.New("SWEEP_CONCURRENCY must be > 0"))
	}
	if cfg.Sweep.Overlap < 0 {
		errs = append(errs, errors.New("SWEEP_OVERLAP must be >= 0"))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be > 0"))
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if cfg.Retry.SyncMaxRetries <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_RETRIES must be > 0"))
	}
	if cfg.Retry.SyncTimeout <= 0 {
		errs = append(errs, errors.New("SYNC_TIMEOUT must be > 0"))
	}
	if cfg.Analyzer.RPS <= 0 {
		errs = append(errs, errors.New("ANALYZER_RPS must be > 0"))
	}
	if cfg.Webhook.URL != "" {
		if u, err := url.Parse(cfg.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL is not an absolute URL: %q", cfg.Webhook.URL))
		}
	}
	if cfg.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT must be > 0"))
	}

	return errors.Join(errs...)
}
