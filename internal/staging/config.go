package staging

import (
	"time"

	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/pkg/backoff"
)

// Config controls how inputs are staged.
type Config struct {
	InputPath string        // Root staged files are written to
	Timeout   time.Duration // Per download attempt
	MaxBytes  int64         // Largest accepted download
	Retry     backoff.Config
}

// LoadConfigFromEnv loads staging configuration from environment variables.
func LoadConfigFromEnv(inputPath string) Config {
	cfg := Config{
		InputPath: inputPath,
		Timeout:   config.GetDurationEnv("STAGE_TIMEOUT", 2*time.Minute),
		MaxBytes:  int64(config.GetIntEnv("STAGE_MAX_MB", 2048)) << 20,
		Retry: backoff.Config{
			Initial:  config.GetDurationEnv("STAGE_RETRY_INITIAL", 500*time.Millisecond),
			Max:      config.GetDurationEnv("STAGE_RETRY_MAX", 10*time.Second),
			Attempts: config.GetIntEnv("STAGE_ATTEMPTS", 3),
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2048 << 20
	}
	return c
}
