package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/settlement"
)

// reusePortSupported matches the platforms where the API listener sets
// SO_REUSEPORT.
const reusePortSupported = runtime.GOOS == "linux"

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expanding ${ENV} references, and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReusePort == nil {
		shared := reusePortSupported
		c.Server.ReusePort = &shared
	}
	if c.Server.RateLimit.Requests == 0 {
		c.Server.RateLimit.Requests = 100
	}
	if c.Server.RateLimit.Window == 0 {
		c.Server.RateLimit.Window = 15 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreRedis
	}

	if c.Queue.RedisURL == "" {
		c.Queue.RedisURL = c.Redis.URL
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "payments"
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = 10
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = 24 * time.Hour
	}
	if c.Queue.ShutdownTimeout == 0 {
		c.Queue.ShutdownTimeout = settlement.DefaultConfirmationTimeout + 30*time.Second
	}

	s := &c.Supervisor
	if s.MaxWorkers == 0 {
		s.MaxWorkers = 1
		if c.Server.SharedPort() {
			s.MaxWorkers = runtime.NumCPU()
		}
	}
	if s.InitialWorkers == 0 {
		s.InitialWorkers = s.MaxWorkers
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = 30 * time.Second
	}
	if s.RestartWindow == 0 {
		s.RestartWindow = 60 * time.Second
	}
	if s.RestartThreshold == 0 {
		s.RestartThreshold = 5
	}
	if s.ScaleInterval == 0 {
		s.ScaleInterval = 60 * time.Second
	}
	if s.ScaleUpLoad == 0 {
		s.ScaleUpLoad = 70
	}
	if s.ScaleDownLoad == 0 {
		s.ScaleDownLoad = 30
	}
	if s.LoadWindow == 0 {
		s.LoadWindow = 60
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = c.Queue.ShutdownTimeout + 5*time.Second
	}

	if c.Processing.FeeCacheTTL == 0 {
		c.Processing.FeeCacheTTL = 10 * time.Second
	}
	if c.Processing.DurationWindow == 0 {
		c.Processing.DurationWindow = 100
	}

	for i := range c.Currencies {
		cur := &c.Currencies[i]
		cur.Currency = domain.ParseCurrency(string(cur.Currency))
		if cur.RequestTimeout == 0 {
			cur.RequestTimeout = 30 * time.Second
		}
		if cur.ConfirmationTimeout == 0 {
			cur.ConfirmationTimeout = settlement.DefaultConfirmationTimeout
		}
		cur.Retry = cur.Retry.WithDefaults()
	}

	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the processes cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Store.Driver {
	case StoreRedis, StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == StorePostgres && c.Database.URL == "" {
		return fmt.Errorf("store driver postgres requires database.url")
	}

	s := c.Supervisor
	if s.MaxWorkers < 1 {
		return fmt.Errorf("supervisor.max_workers must be at least 1")
	}
	if s.InitialWorkers < 1 || s.InitialWorkers > s.MaxWorkers {
		return fmt.Errorf("supervisor.initial_workers must be within [1, %d]", s.MaxWorkers)
	}
	if s.MaxWorkers > 1 && !c.Server.SharedPort() {
		return fmt.Errorf("supervisor.max_workers %d requires server.reuse_port", s.MaxWorkers)
	}
	if s.ScaleDownLoad >= s.ScaleUpLoad {
		return fmt.Errorf("supervisor.scale_down_load (%v) must be below scale_up_load (%v)",
			s.ScaleDownLoad, s.ScaleUpLoad)
	}

	seen := make(map[domain.Currency]bool)
	for _, cur := range c.Currencies {
		switch cur.Currency {
		case domain.CurrencyETH, domain.CurrencyBTC, domain.CurrencyXRP:
		default:
			return fmt.Errorf("unsupported currency %q in config", cur.Currency)
		}
		if seen[cur.Currency] {
			return fmt.Errorf("currency %s configured twice", cur.Currency)
		}
		seen[cur.Currency] = true
		if cur.URL == "" {
			return fmt.Errorf("currency %s: url is required", cur.Currency)
		}
	}
	return nil
}

// Currency returns the settings for currency, if configured.
func (c *AppConfig) Currency(cur domain.Currency) (CurrencyConfig, bool) {
	for _, cc := range c.Currencies {
		if cc.Currency == cur {
			return cc, true
		}
	}
	return CurrencyConfig{}, false
}
