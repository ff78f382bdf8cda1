// Package config provides configuration loading from environment variables
// and the step defaults file.
package config

import (
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration shared by the API server and the job CLI.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	RateLimitRPS      float64       // Requests per second across the API (0 disables)

	JobsPath     string // Root of the persisted job records
	JobsBackend  string // "fs" or "badger"
	InputPath    string // Staged source/target files
	OutputPath   string // Produced artifacts, <job id>.<ext>
	ErrorLogPath string // Dated step failure logs
	DefaultsFile string // TOML or YAML step argument defaults

	RetentionMaxAge   time.Duration // Age after which inputs/outputs are swept
	SweepSchedule     string        // Cron expression for periodic sweeps, empty disables
	MaxConcurrentRuns int           // Pipelines allowed to run at once
}

// Backends accepted by JOBS_BACKEND.
const (
	BackendFS     = "fs"
	BackendBadger = "badger"
)

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	cfg := &ServiceConfig{
		Port:              GetEnv("PORT", "7864"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		RateLimitRPS:      GetFloatEnv("RATE_LIMIT_RPS", 0),
		JobsPath:          GetEnv("JOBS_PATH", ".jobs"),
		JobsBackend:       GetEnv("JOBS_BACKEND", BackendFS),
		InputPath:         GetEnv("INPUT_PATH", filepath.Join("result", "input")),
		OutputPath:        GetEnv("OUTPUT_PATH", filepath.Join("result", "output")),
		ErrorLogPath:      GetEnv("ERROR_LOG_PATH", "error"),
		DefaultsFile:      GetEnv("DEFAULTS_FILE", ""),
		RetentionMaxAge:   GetDurationEnv("RETENTION_MAX_AGE", 24*time.Hour),
		SweepSchedule:     GetEnv("SWEEP_SCHEDULE", ""),
		MaxConcurrentRuns: GetIntEnv("MAX_CONCURRENT_RUNS", 1),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c *ServiceConfig) withDefaults() *ServiceConfig {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 1
	}
	if c.RetentionMaxAge <= 0 {
		c.RetentionMaxAge = 24 * time.Hour
	}
	if c.JobsBackend != BackendBadger {
		c.JobsBackend = BackendFS
	}
	return c
}
