package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RoleLeader is the ROLE value that makes this instance probe upstream
// health. Any other value makes it a follower that only mirrors bus
// updates.
const RoleLeader = "LIDER"

// Config is the gateway configuration, bound from the environment.
type Config struct {
	URLDefault  string `envconfig:"URL_DEFAULT" default:"http://localhost:8001"`
	URLFallback string `envconfig:"URL_FALLBACK" default:"http://localhost:8002"`
	DBURL       string `envconfig:"DB_URL" default:"redis://localhost:6379/"`
	NATSURL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	NumConsumer            int    `envconfig:"NUM_CONSUMER" default:"40"`
	Role                   string `envconfig:"ROLE" default:"LIDER"`
	RetryDefaultPercentage int    `envconfig:"RETRY_DEFAULT_PERCENTAGE" default:"75"`
	Ambiente               string `envconfig:"AMBIENTE" default:"DEV"`

	ListenAddr string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:9999"`

	// Dispatch retry budget.
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"40"`
	InitialDelay time.Duration `envconfig:"INITIAL_DELAY" default:"100ms"`
	MaxDelay     time.Duration `envconfig:"MAX_DELAY" default:"700ms"`

	// Ingress admission.
	FastPathPermits int `envconfig:"FAST_PATH_PERMITS" default:"100"`
	QueueDepth      int `envconfig:"QUEUE_DEPTH" default:"4096"`

	// Stored payments are a window cache, not a ledger.
	StoreTTL time.Duration `envconfig:"STORE_TTL" default:"75s"`

	// Health probe cadence.
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"5s"`
}

// Load binds configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the dispatch loop cannot run with.
func (c Config) Validate() error {
	if c.NumConsumer < 1 {
		return fmt.Errorf("NUM_CONSUMER must be at least 1, got %d", c.NumConsumer)
	}
	if c.RetryDefaultPercentage < 0 || c.RetryDefaultPercentage > 100 {
		return fmt.Errorf("RETRY_DEFAULT_PERCENTAGE must be in [0,100], got %d", c.RetryDefaultPercentage)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.FastPathPermits < 1 {
		return fmt.Errorf("FAST_PATH_PERMITS must be at least 1, got %d", c.FastPathPermits)
	}
	return nil
}

// FallbackThreshold is the attempt index at which the fallback processor
// becomes eligible while the default is failing.
func (c Config) FallbackThreshold() int {
	return c.MaxAttempts * c.RetryDefaultPercentage / 100
}

// IsLeader reports whether this instance should probe upstream health.
func (c Config) IsLeader() bool {
	return c.Role == RoleLeader
}

// IsProd reports whether production logging is enabled.
func (c Config) IsProd() bool {
	return c.Ambiente == "PROD"
}

// StorePoolSize sizes the Redis connection pool so every worker can hold
// a connection while the remainder serves the summary path.
func (c Config) StorePoolSize() int {
	return 2 * c.NumConsumer
}
