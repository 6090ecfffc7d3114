package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	RateLimitBackendRedis  = "redis"
	RateLimitBackendMemory = "memory"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	ProvidersFile     string `env:"PROVIDERS_FILE,default=providers.yaml"`
	RateLimitBackend  string `env:"RATE_LIMIT_BACKEND,default=redis"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	Environment       string `env:"ENVIRONMENT,default=production"`

	// MaxRetriesLimit caps the max_retries a request may ask for.
	MaxRetriesLimit  int `env:"MAX_RETRIES_LIMIT,default=10"`
	RetryBaseDelayMs int `env:"RETRY_BASE_DELAY_MS,default=1000"`
	RetryMaxDelayMs  int `env:"RETRY_MAX_DELAY_MS,default=60000"`

	DispatchTimeoutSeconds      int `env:"DISPATCH_TIMEOUT_SECONDS,default=120"`
	PendingRecoveryAfterSeconds int `env:"PENDING_RECOVERY_AFTER_SECONDS,default=120"`
	RecoveryScanIntervalSeconds int `env:"RECOVERY_SCAN_INTERVAL_SECONDS,default=30"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	switch c.RateLimitBackend {
	case RateLimitBackendRedis, RateLimitBackendMemory:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", RateLimitBackendRedis, RateLimitBackendMemory, c.RateLimitBackend)
	}
	if strings.TrimSpace(c.ProvidersFile) == "" {
		return fmt.Errorf("PROVIDERS_FILE is required")
	}
	if c.MaxRetriesLimit < 0 {
		return fmt.Errorf("MAX_RETRIES_LIMIT cannot be negative")
	}
	if c.RetryBaseDelayMs <= 0 || c.RetryMaxDelayMs < c.RetryBaseDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 < RETRY_BASE_DELAY_MS <= RETRY_MAX_DELAY_MS")
	}
	if c.DispatchTimeoutSeconds <= 0 || c.PendingRecoveryAfterSeconds <= 0 || c.RecoveryScanIntervalSeconds <= 0 {
		return fmt.Errorf("dispatch and recovery durations must be positive")
	}
	return nil
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

func (c *Config) PendingRecoveryAfter() time.Duration {
	return time.Duration(c.PendingRecoveryAfterSeconds) * time.Second
}

func (c *Config) RecoveryScanInterval() time.Duration {
	return time.Duration(c.RecoveryScanIntervalSeconds) * time.Second
}
