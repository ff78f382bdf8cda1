package job

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/jobid"
)

// DefaultOutputExtension is used when the target has no extension.
const DefaultOutputExtension = ".mp4"

// Stager makes a source or target reference available as a local file
// under the input root.
type Stager interface {
	Stage(ctx context.Context, jobID, ref string) (string, error)
}

// Sweeper removes expired inputs and outputs.
type Sweeper interface {
	SweepAll(ctx context.Context) error
}

// ServiceConfig wires the collaborators of a Service.
type ServiceConfig struct {
	Processor         StepProcessor
	Stager            Stager  // nil uses references as local paths
	Sweeper           Sweeper // nil disables the after-request sweep
	OutputPath        string
	RunConfig         RunConfig
	MaxConcurrentRuns int
}

// Service runs the one-request pipeline: create, add a step, submit and
// run, then sweep expired files. Concurrent runs are bounded because step
// processing is GPU bound.
type Service struct {
	manager   *Manager
	runner    *Runner
	processor StepProcessor
	stager    Stager
	sweeper   Sweeper
	output    string
	runCfg    RunConfig
	runs      *semaphore.Weighted
	sweeps    sync.WaitGroup
}

// NewService creates a new job service.
func NewService(manager *Manager, runner *Runner, cfg ServiceConfig) *Service {
	limit := int64(cfg.MaxConcurrentRuns)
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		manager:   manager,
		runner:    runner,
		processor: cfg.Processor,
		stager:    cfg.Stager,
		sweeper:   cfg.Sweeper,
		output:    cfg.OutputPath,
		runCfg:    cfg.RunConfig,
		runs:      semaphore.NewWeighted(limit),
	}
}

// Manager returns the service's job manager.
func (s *Service) Manager() *Manager { return s.manager }

// ProcessRequest asks for one face swap.
type ProcessRequest struct {
	Prefix      string
	SourcePaths []string
	TargetPath  string
	Options     map[string]any // extra step arguments
}

// ProcessResult describes a finished request.
type ProcessResult struct {
	Job        *Job
	OutputPath string
}

// Process runs the whole pipeline for req. The returned result is set even
// when the run fails, so callers can report the job id.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	defer s.sweepAsync()

	if len(req.SourcePaths) == 0 {
		return nil, apperrors.Validation(KeySourcePaths, "at least one source path is required")
	}
	if req.TargetPath == "" {
		return nil, apperrors.Validation(KeyTargetPath, "target path is required")
	}

	prefix := req.Prefix
	if prefix == "" {
		prefix = jobid.PrefixAPI
	}
	id := jobid.Suggest(prefix)
	logger := slog.With("jobId", id)

	sources := make([]string, 0, len(req.SourcePaths))
	for _, ref := range req.SourcePaths {
		local, err := s.stage(ctx, id, ref)
		if err != nil {
			return nil, err
		}
		sources = append(sources, local)
	}
	target, err := s.stage(ctx, id, req.TargetPath)
	if err != nil {
		return nil, err
	}

	args := maps.Clone(req.Options)
	if args == nil {
		args = map[string]any{}
	}
	args[KeySourcePaths] = sources
	args[KeyTargetPath] = target
	args[KeyOutputPath] = OutputFile(s.output, id, target)

	if err := s.runs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.runs.Release(1)

	if _, err := s.manager.Create(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.manager.AddStep(ctx, id, args); err != nil {
		return nil, err
	}
	job, err := s.manager.Submit(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Job: job, OutputPath: job.Steps[0].OutputPath()}
	status, runErr := s.runner.Run(ctx, id, s.processor, s.runCfg)
	job.Status = status
	if runErr != nil {
		logger.Warn("Request failed", "error", runErr)
		return result, runErr
	}
	return result, nil
}

// RunJob runs a queued job with the service's processor. A nil cfg uses
// the service's run settings.
func (s *Service) RunJob(ctx context.Context, id string, cfg *RunConfig) (Status, error) {
	runCfg := s.runCfg
	if cfg != nil {
		runCfg = *cfg
	}
	if err := s.runs.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.runs.Release(1)
	return s.runner.Run(ctx, id, s.processor, runCfg)
}

// RunAll runs every queued job.
func (s *Service) RunAll(ctx context.Context) ([]RunResult, error) {
	if err := s.runs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.runs.Release(1)
	return s.runner.RunAll(ctx, s.processor, s.runCfg)
}

// Close waits for outstanding sweeps.
func (s *Service) Close() {
	s.sweeps.Wait()
}

func (s *Service) stage(ctx context.Context, id, ref string) (string, error) {
	if s.stager == nil {
		return ref, nil
	}
	local, err := s.stager.Stage(ctx, id, ref)
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", ref, err)
	}
	return local, nil
}

// sweepAsync runs the retention sweep without holding up the response.
func (s *Service) sweepAsync() {
	if s.sweeper == nil {
		return
	}
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		if err := s.sweeper.SweepAll(context.Background()); err != nil {
			slog.Warn("Retention sweep failed", "error", err)
		}
	}()
}

// OutputFile returns the conventional output path of a job:
// <root>/<job id><ext>, where ext follows the target so image targets
// produce images.
func OutputFile(root, id, target string) string {
	ext := strings.ToLower(filepath.Ext(target))
	if ext == "" {
		ext = DefaultOutputExtension
	}
	return filepath.Join(root, id+ext)
}
