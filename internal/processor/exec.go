package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/internal/job"
)

// Kinds accepted by PROCESSOR.
const (
	KindExec   = "exec"
	KindDocker = "docker"
)

// DefaultCommand runs one headless facefusion pass.
var DefaultCommand = []string{"python", "facefusion.py", "headless-run"}

// outputTail bounds how much of a failed command's output ends up in the
// step error.
const outputTail = 4096

// waitDelay bounds how long a killed command's children may hold its
// output open.
const waitDelay = 2 * time.Second

// ExecConfig configures the local command processor.
type ExecConfig struct {
	Command []string
	WorkDir string
	Env     []string // extra KEY=VALUE pairs
	Timeout time.Duration
}

// LoadExecConfigFromEnv loads the local command settings.
func LoadExecConfigFromEnv() ExecConfig {
	cfg := ExecConfig{
		Command: strings.Fields(config.GetEnv("PROCESSOR_COMMAND", "")),
		WorkDir: config.GetEnv("PROCESSOR_WORKDIR", ""),
		Env:     config.GetListEnv("PROCESSOR_ENV", nil),
		Timeout: config.GetDurationEnv("PROCESSOR_TIMEOUT", 0),
	}
	return cfg.withDefaults()
}

func (c ExecConfig) withDefaults() ExecConfig {
	if len(c.Command) == 0 {
		c.Command = DefaultCommand
	}
	return c
}

// Exec runs each step as a child process.
type Exec struct {
	cfg ExecConfig
}

var _ job.StepProcessor = (*Exec)(nil)

// NewExec creates a local command processor.
func NewExec(cfg ExecConfig) *Exec {
	return &Exec{cfg: cfg.withDefaults()}
}

// ProcessStep runs the command with the step's flags appended. A non-zero
// exit fails the step; the error carries the tail of the command's output.
func (e *Exec) ProcessStep(ctx context.Context, req job.StepRequest) error {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.cfg.Command[1:]...), Flags(req.Arguments, req.Config)...)
	cmd := exec.CommandContext(ctx, e.cfg.Command[0], args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger := slog.With("jobId", req.JobID, "step", req.Index)
	logger.Debug("Running step command", "command", e.cfg.Command[0], "args", args)

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		logger.Debug("Step command finished", "duration", time.Since(start))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), tail(output.Bytes()))
	}
	return fmt.Errorf("failed to run command: %w", err)
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(b)
}
