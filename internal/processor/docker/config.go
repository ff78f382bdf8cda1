package docker

import (
	"strings"
	"time"

	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/internal/processor"
)

// Config holds configuration for the container processor.
type Config struct {
	Image      string        // Engine image
	Command    []string      // Command run inside the container, step flags are appended
	Mounts     []string      // Host directories bind-mounted at the same path
	WorkDir    string        // Working directory inside the container
	ExtraHosts []string      // Extra /etc/hosts entries (e.g. ["models.local:host-gateway"])
	GPUDriver  string        // Device request driver when a GPU provider is requested
	StopGrace  time.Duration // Time a container gets to stop on shutdown
}

// LoadConfigFromEnv loads container processor configuration from environment
// variables. mounts are always bind-mounted, typically the input and output
// roots.
func LoadConfigFromEnv(mounts ...string) Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	cfg := Config{
		Image:      config.GetEnv("DOCKER_IMAGE", "facefusion/facefusion:latest-cuda"),
		Command:    strings.Fields(config.GetEnv("PROCESSOR_COMMAND", "")),
		Mounts:     append(mounts, config.GetListEnv("DOCKER_MOUNTS", nil)...),
		WorkDir:    config.GetEnv("DOCKER_WORKDIR", "/facefusion"),
		ExtraHosts: extraHosts,
		GPUDriver:  config.GetEnv("DOCKER_GPU_DRIVER", "nvidia"),
		StopGrace:  config.GetDurationEnv("DOCKER_STOP_GRACE", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if len(c.Command) == 0 {
		c.Command = processor.DefaultCommand
	}
	if c.GPUDriver == "" {
		c.GPUDriver = "nvidia"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}
