package notify

import (
	"time"

	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/pkg/backoff"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultDeliveryTimeout  = 30 * time.Second
)

// Config holds configuration for lifecycle callbacks.
type Config struct {
	URL        string   // callback destination, empty disables callbacks
	SigningKey string   // HMAC key, empty = unsigned
	Events     []string // event types to send, empty = all

	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	Retry       backoff.Config

	// BreakerCooldown is how long an open circuit rejects deliveries and
	// how long a requeued event waits.
	BreakerCooldown time.Duration
}

// LoadConfigFromEnv loads callback configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", "")),
		Events:      config.GetListEnv("CALLBACK_EVENTS", nil),
		BufferSize:  config.GetIntEnv("CALLBACK_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("CALLBACK_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("CALLBACK_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// Enabled reports whether a callback destination is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}
