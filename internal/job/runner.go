package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/observability"
)

// StepRequest is everything a processor needs to execute one step.
type StepRequest struct {
	JobID     string
	Index     int
	Arguments Arguments
	Config    RunConfig
}

// StepProcessor performs the actual face processing for one step. It must
// leave the step's output at Arguments.OutputPath on success.
type StepProcessor interface {
	ProcessStep(ctx context.Context, req StepRequest) error
}

// StepProcessorFunc adapts a function to StepProcessor.
type StepProcessorFunc func(ctx context.Context, req StepRequest) error

// ProcessStep calls f.
func (f StepProcessorFunc) ProcessStep(ctx context.Context, req StepRequest) error {
	return f(ctx, req)
}

// FailureRecorder persists step failures for later inspection.
type FailureRecorder interface {
	RecordFailure(jobID string, step int, cause error, stack []byte) error
}

// Runner executes queued jobs step by step.
type Runner struct {
	manager      *Manager
	recorder     FailureRecorder
	metrics      *observability.Metrics
	verifyOutput bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithFailureRecorder writes every step failure to r.
func WithFailureRecorder(r FailureRecorder) RunnerOption {
	return func(run *Runner) { run.recorder = r }
}

// WithRunMetrics records run and step metrics.
func WithRunMetrics(metrics *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = metrics }
}

// WithoutOutputCheck trusts a processor's success without looking for the
// output file.
func WithoutOutputCheck() RunnerOption {
	return func(r *Runner) { r.verifyOutput = false }
}

// NewRunner creates a Runner sharing manager's repository and job locks.
func NewRunner(manager *Manager, opts ...RunnerOption) *Runner {
	r := &Runner{manager: manager, verifyOutput: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every step of a queued job in order and moves it to
// completed, or to failed at the first step that fails. A failed run
// returns a StepExecution error carrying the failing step index.
//
// Once started, a run is not interrupted by ctx; cancellation only applies
// while waiting for the job's lock.
func (r *Runner) Run(ctx context.Context, id string, proc StepProcessor, cfg RunConfig) (Status, error) {
	job, err := r.claim(ctx, id)
	if err != nil {
		return "", err
	}
	defer r.unclaim(id)

	ctx = context.WithoutCancel(ctx)
	logger := slog.With("jobId", id)
	start := time.Now()
	r.metrics.RecordRunStarted(ctx)
	r.manager.emit(r.manager.events.BuildJobEvent(EventTypeStarted, job))
	logger.Info("Job started", "steps", len(job.Steps))

	for i := range job.Steps {
		if err := r.setStep(ctx, job, i, StepStarted); err != nil {
			return r.finish(ctx, job, StatusFailed, start, apperrors.StepExecution(id, i, err))
		}

		stepStart := time.Now()
		stepErr := r.runStep(ctx, proc, job, i, cfg)
		r.metrics.RecordStep(ctx, stepErr == nil, time.Since(stepStart).Seconds())

		if stepErr != nil {
			logger.Error("Step failed", "step", i, "error", stepErr)
			runErr := apperrors.StepExecution(id, i, stepErr)
			if err := r.setStep(ctx, job, i, StepFailed); err != nil {
				runErr = errors.Join(runErr, err)
			}
			r.manager.emit(r.manager.events.BuildStepEvent(job, i, stepErr))
			return r.finish(ctx, job, StatusFailed, start, runErr)
		}

		if err := r.setStep(ctx, job, i, StepCompleted); err != nil {
			return r.finish(ctx, job, StatusFailed, start, apperrors.StepExecution(id, i, err))
		}
		r.manager.emit(r.manager.events.BuildStepEvent(job, i, nil))
		logger.Debug("Step completed", "step", i, "output", job.Steps[i].OutputPath())
	}

	return r.finish(ctx, job, StatusCompleted, start, nil)
}

// RunResult is the outcome of one job in RunAll.
type RunResult struct {
	JobID  string
	Status Status
	Err    error
}

// RunAll runs every queued job, oldest first. A failing job does not stop
// the others. Jobs another runner claimed or finished after the listing are
// skipped and left out of the results.
func (r *Runner) RunAll(ctx context.Context, proc StepProcessor, cfg RunConfig) ([]RunResult, error) {
	queued, err := r.manager.List(ctx, StatusQueued)
	if err != nil {
		return nil, err
	}
	results := make([]RunResult, 0, len(queued))
	for _, job := range queued {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		status, err := r.Run(ctx, job.ID, proc, cfg)
		if status == "" && errors.Is(err, apperrors.ErrInvalidState) {
			slog.Debug("Skipping job claimed elsewhere", "jobId", job.ID, "error", err)
			continue
		}
		results = append(results, RunResult{JobID: job.ID, Status: status, Err: err})
	}
	return results, nil
}

// claim checks the job is queued and marks it running, first in this
// process and then in the repository, which excludes runners in other
// processes. The status is read again once the claim is held, since another
// runner may have finished the job in between. Nothing is written to the
// record, so a rejected run has no side effects.
func (r *Runner) claim(ctx context.Context, id string) (*Job, error) {
	release, err := r.manager.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := r.manager.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusQueued {
		return nil, apperrors.InvalidState(resourceJob, id, string(job.Status), "only queued jobs can be run")
	}
	if !r.manager.locks.startRun(id) {
		return nil, apperrors.InvalidState(resourceJob, id, string(job.Status), "the job is already running")
	}
	if err := r.manager.repo.Claim(ctx, id); err != nil {
		r.manager.locks.finishRun(id)
		return nil, err
	}

	job, err = r.manager.repo.Get(ctx, id)
	if err == nil && job.Status != StatusQueued {
		err = apperrors.InvalidState(resourceJob, id, string(job.Status), "only queued jobs can be run")
	}
	if err != nil {
		r.unclaim(id)
		return nil, err
	}
	return job, nil
}

// unclaim drops the repository claim and the in-process running mark.
func (r *Runner) unclaim(id string) {
	if err := r.manager.repo.Release(context.Background(), id); err != nil {
		slog.Error("Failed to release job claim", "jobId", id, "error", err)
	}
	r.manager.locks.finishRun(id)
}

// runStep invokes the processor for step i. A panic in the processor is
// converted into a step failure.
func (r *Runner) runStep(ctx context.Context, proc StepProcessor, job *Job, i int, cfg RunConfig) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step processor panicked: %v", p)
			r.record(job.ID, i, err, debug.Stack())
		}
	}()

	req := StepRequest{
		JobID:     job.ID,
		Index:     i,
		Arguments: job.Steps[i].Arguments.Clone(),
		Config:    cfg,
	}
	if err := proc.ProcessStep(ctx, req); err != nil {
		r.record(job.ID, i, err, nil)
		return err
	}
	if r.verifyOutput {
		output := job.Steps[i].OutputPath()
		if _, err := os.Stat(output); err != nil {
			err = fmt.Errorf("step reported success but output %s is missing: %w", output, err)
			r.record(job.ID, i, err, nil)
			return err
		}
	}
	return nil
}

func (r *Runner) record(jobID string, step int, cause error, stack []byte) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordFailure(jobID, step, cause, stack); err != nil {
		slog.Error("Failed to record step failure", "jobId", jobID, "step", step, "error", err)
	}
}

func (r *Runner) setStep(ctx context.Context, job *Job, i int, status StepStatus) error {
	release, err := r.manager.locks.acquire(ctx, job.ID)
	if err != nil {
		return err
	}
	defer release()

	job.Steps[i].Status = status
	job.UpdatedAt = r.manager.now().UTC()
	return r.manager.repo.Update(ctx, job)
}

// finish performs the terminal queued -> completed|failed transition. The
// repository rejects it if the record left queued in the meantime.
func (r *Runner) finish(ctx context.Context, job *Job, status Status, start time.Time, runErr error) (Status, error) {
	logger := slog.With("jobId", job.ID)
	duration := time.Since(start)

	release, err := r.manager.locks.acquire(ctx, job.ID)
	if err == nil {
		job.Status = status
		job.UpdatedAt = r.manager.now().UTC()
		err = r.manager.repo.Transition(ctx, job, StatusQueued)
		release()
	}
	if err != nil {
		logger.Error("Failed to record job outcome", "status", status, "error", err)
		r.metrics.RecordRunFinished(ctx, string(StatusFailed), duration.Seconds())
		return StatusFailed, errors.Join(runErr, err)
	}

	r.metrics.RecordRunFinished(ctx, string(status), duration.Seconds())
	r.manager.metrics.RecordJobTransition(ctx, string(status))

	if status == StatusCompleted {
		logger.Info("Job completed", "duration", duration, "outputs", job.OutputPaths())
		r.manager.emit(r.manager.events.BuildJobEvent(EventTypeCompleted, job))
		return status, nil
	}

	index, ok := apperrors.FailedStep(runErr)
	if !ok {
		index = apperrors.NoStep
	}
	logger.Warn("Job failed", "duration", duration, "step", index, "error", runErr)
	r.manager.emit(r.manager.events.BuildFailedEvent(job, index, runErr))
	return status, runErr
}
