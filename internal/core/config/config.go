package config

import (
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
	redisclient "github.com/vietddude/settler/internal/infra/redis"
	"github.com/vietddude/settler/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Redis      redisclient.Config `yaml:"redis"`
	Database   postgres.Config    `yaml:"database"`
	Store      StoreConfig        `yaml:"store"`
	Queue      QueueConfig        `yaml:"queue"`
	Supervisor SupervisorConfig   `yaml:"supervisor"`
	Processing ProcessingConfig   `yaml:"processing"`
	Currencies []CurrencyConfig   `yaml:"currencies"`
	Alerts     AlertsConfig       `yaml:"alerts"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReusePort       *bool           `yaml:"reuse_port"` // share the port across worker processes; default on linux
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// SharedPort reports whether worker processes bind the API port with
// SO_REUSEPORT.
func (s ServerConfig) SharedPort() bool {
	return s.ReusePort != nil && *s.ReusePort
}

// RateLimitConfig caps requests per client IP within Window.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"` // default 100; negative disables limiting
	Window   time.Duration `yaml:"window"`
}

// StoreConfig selects the payment status store.
type StoreConfig struct {
	Driver    string        `yaml:"driver"`    // redis, postgres, memory
	TTL       time.Duration `yaml:"ttl"`       // redis only; 0 = keep forever
	Retention time.Duration `yaml:"retention"` // postgres, memory; 0 = keep forever
}

// QueueConfig holds job queue settings. RedisURL defaults to redis.url.
type QueueConfig struct {
	RedisURL        string        `yaml:"redis_url"`
	Name            string        `yaml:"name"`
	MaxRetry        int           `yaml:"max_retry"`
	Retention       time.Duration `yaml:"retention"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SupervisorConfig controls the worker process pool.
type SupervisorConfig struct {
	MaxWorkers       int           `yaml:"max_workers"`     // default: CPU count
	InitialWorkers   int           `yaml:"initial_workers"` // default: max_workers
	RestartDelay     time.Duration `yaml:"restart_delay"`
	RestartWindow    time.Duration `yaml:"restart_window"`
	RestartThreshold int           `yaml:"restart_threshold"`
	ScaleInterval    time.Duration `yaml:"scale_interval"`
	ScaleUpLoad      float64       `yaml:"scale_up_load"`   // percent
	ScaleDownLoad    float64       `yaml:"scale_down_load"` // percent
	LoadWindow       int           `yaml:"load_window"`     // samples kept for the rolling average
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsPort      int           `yaml:"metrics_port"` // supervisor gauges; 0 disables
}

// ProcessingConfig tunes the payment processor.
type ProcessingConfig struct {
	FeeCacheTTL    time.Duration `yaml:"fee_cache_ttl"`
	DurationWindow int           `yaml:"duration_window"`
}

// CurrencyConfig holds settings for one settlement backend.
type CurrencyConfig struct {
	Currency            domain.Currency `yaml:"currency"`
	URL                 string          `yaml:"url"`
	Account             string          `yaml:"account"` // ETH from-address, XRP source account
	Secret              string          `yaml:"secret"`  // XRP only
	RequestTimeout      time.Duration   `yaml:"request_timeout"`
	ConfirmationTimeout time.Duration   `yaml:"confirmation_timeout"`
	PollInterval        time.Duration   `yaml:"poll_interval"`
	Confirmations       int             `yaml:"confirmations"` // BTC only
	FeeTarget           int             `yaml:"fee_target"`    // BTC only, blocks
	GasLimit            uint64          `yaml:"gas_limit"`     // ETH only
	Retry               retry.Policy    `yaml:"retry"`
}

// AlertsConfig configures operator alerts. Alerts always go to the log.
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
