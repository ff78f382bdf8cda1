package job_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/store/filestore"
)

// succeed writes the step output the way the real engine would.
func succeed(_ context.Context, req job.StepRequest) error {
	output := req.Arguments.String(job.KeyOutputPath)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	return os.WriteFile(output, []byte(req.JobID), 0o644)
}

type failureLog struct {
	mu      sync.Mutex
	entries []string
	stacks  int
}

func (l *failureLog) RecordFailure(jobID string, step int, cause error, stack []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, cause.Error())
	if len(stack) > 0 {
		l.stacks++
	}
	return nil
}

func stepStatuses(j *job.Job) []job.StepStatus {
	out := make([]job.StepStatus, 0, len(j.Steps))
	for _, s := range j.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestRunner_Completes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a", "b")

	var seen []job.StepRequest
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		seen = append(seen, req)
		return succeed(ctx, req)
	})
	cfg := job.RunConfig{ExecutionProviders: []string{"cuda"}}

	status, err := job.NewRunner(f.manager).Run(ctx, "job-1", proc, cfg)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	require.Len(t, seen, 2)
	assert.Equal(t, 0, seen[0].Index)
	assert.Equal(t, 1, seen[1].Index)
	assert.Equal(t, cfg, seen[0].Config)

	stored, err := f.manager.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, []job.StepStatus{job.StepCompleted, job.StepCompleted}, stepStatuses(stored))
	assert.FileExists(t, filepath.Join(f.dir, "out", "a.mp4"))

	assert.Equal(t, []string{
		job.EventTypeCreated, job.EventTypeSubmitted, job.EventTypeStarted,
		job.EventTypeStep, job.EventTypeStep, job.EventTypeCompleted,
	}, f.events.types())
}

func TestRunner_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a", "b", "c")

	var calls atomic.Int32
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		calls.Add(1)
		if req.Index == 1 {
			return errors.New("no face detected")
		}
		return succeed(ctx, req)
	})
	failures := &failureLog{}

	status, err := job.NewRunner(f.manager, job.WithFailureRecorder(failures)).Run(ctx, "job-1", proc, job.RunConfig{})
	require.Error(t, err)
	assert.Equal(t, job.StatusFailed, status)
	assert.ErrorIs(t, err, apperrors.ErrStepExecution)
	index, ok := apperrors.FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, 1, index)
	assert.Contains(t, err.Error(), "no face detected")

	assert.EqualValues(t, 2, calls.Load(), "later steps are not attempted")
	assert.Equal(t, []string{"no face detected"}, failures.entries)

	stored, err := f.manager.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, []job.StepStatus{job.StepCompleted, job.StepFailed, job.StepQueued}, stepStatuses(stored))
	assert.FileExists(t, filepath.Join(f.dir, "out", "a.mp4"), "partial artifacts remain")

	types := f.events.types()
	assert.Equal(t, job.EventTypeFailed, types[len(types)-1])
}

func TestRunner_OnlyQueuedJobsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.draft(t, "draft", "a")
	runner := job.NewRunner(f.manager)

	_, err := runner.Run(ctx, "draft", job.StepProcessorFunc(succeed), job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	_, err = runner.Run(ctx, "missing", job.StepProcessorFunc(succeed), job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	f.queued(t, "job-1", "b")
	_, err = runner.Run(ctx, "job-1", job.StepProcessorFunc(succeed), job.RunConfig{})
	require.NoError(t, err)
	_, err = runner.Run(ctx, "job-1", job.StepProcessorFunc(succeed), job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "completed jobs do not run twice")

	stored, err := f.manager.Get(ctx, "draft")
	require.NoError(t, err)
	assert.Equal(t, job.StatusDraft, stored.Status, "a rejected run has no side effects")
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")
	failures := &failureLog{}

	proc := job.StepProcessorFunc(func(context.Context, job.StepRequest) error {
		panic("model crashed")
	})
	status, err := job.NewRunner(f.manager, job.WithFailureRecorder(failures)).Run(ctx, "job-1", proc, job.RunConfig{})

	assert.Equal(t, job.StatusFailed, status)
	assert.ErrorContains(t, err, "model crashed")
	assert.Equal(t, 1, failures.stacks)
}

func TestRunner_MissingOutputFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")
	f.queued(t, "job-2", "b")

	noop := job.StepProcessorFunc(func(context.Context, job.StepRequest) error { return nil })

	status, err := job.NewRunner(f.manager).Run(ctx, "job-1", noop, job.RunConfig{})
	assert.Equal(t, job.StatusFailed, status)
	assert.ErrorContains(t, err, "missing")

	status, err = job.NewRunner(f.manager, job.WithoutOutputCheck()).Run(ctx, "job-2", noop, job.RunConfig{})
	assert.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
}

func TestRunner_ConcurrentRunsOfOneJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")

	var calls atomic.Int32
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return succeed(ctx, req)
	})
	runner := job.NewRunner(f.manager)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := runner.Run(ctx, "job-1", proc, job.RunConfig{}); err != nil {
				assert.ErrorIs(t, err, apperrors.ErrInvalidState)
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 4, rejected)
}

// peer returns a second manager over f's jobs root, standing in for another
// process such as the CLI running next to the API.
func (f *fixture) peer(t *testing.T) *job.Manager {
	t.Helper()
	repo, err := filestore.New(filepath.Join(f.dir, "jobs"))
	require.NoError(t, err)
	return job.NewManager(repo, nil)
}

func TestRunner_RunClaimSpansManagers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other := f.peer(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")

	var calls atomic.Int32
	started := make(chan struct{})
	proceed := make(chan struct{})
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		calls.Add(1)
		close(started)
		<-proceed
		return succeed(ctx, req)
	})

	done := make(chan error, 1)
	go func() {
		_, err := job.NewRunner(f.manager).Run(ctx, "job-1", proc, job.RunConfig{})
		done <- err
	}()
	<-started

	status, err := job.NewRunner(other).Run(ctx, "job-1", proc, job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Empty(t, status, "a rejected run reports no outcome")
	assert.ErrorIs(t, other.Delete(ctx, "job-1"), apperrors.ErrInvalidState)

	close(proceed)
	require.NoError(t, <-done)
	assert.NoFileExists(t, filepath.Join(f.dir, "jobs", "queued", "job-1.claim"))

	_, err = job.NewRunner(other).Run(ctx, "job-1", proc, job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "completed jobs do not run again")
	assert.EqualValues(t, 1, calls.Load())
	require.NoError(t, other.Delete(ctx, "job-1"))
}

func TestRunner_ConcurrentRunsAcrossManagers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	managers := []*job.Manager{f.manager, f.peer(t)}
	ctx := context.Background()
	f.queued(t, "job-1", "a")

	var calls atomic.Int32
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return succeed(ctx, req)
	})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := job.NewRunner(managers[i%2]).Run(ctx, "job-1", proc, job.RunConfig{})
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrInvalidState)
				assert.Empty(t, status)
				return
			}
			assert.Equal(t, job.StatusCompleted, status)
			mu.Lock()
			completed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, completed)
	stored, err := f.manager.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

func TestRunner_RunningJobIsLocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")

	started := make(chan struct{})
	proceed := make(chan struct{})
	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		close(started)
		<-proceed
		return succeed(ctx, req)
	})

	done := make(chan error, 1)
	go func() {
		_, err := job.NewRunner(f.manager).Run(ctx, "job-1", proc, job.RunConfig{})
		done <- err
	}()
	<-started

	assert.ErrorIs(t, f.manager.Delete(ctx, "job-1"), apperrors.ErrInvalidState)
	stored, err := f.manager.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StepStarted, stored.Steps[0].Status)

	close(proceed)
	require.NoError(t, <-done)
	assert.NoError(t, f.manager.Delete(ctx, "job-1"), "finished jobs can be deleted")
}

func TestRunner_CancelledContextDoesNotAbortRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queued(t, "job-1", "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	proc := job.StepProcessorFunc(func(stepCtx context.Context, req job.StepRequest) error {
		cancel()
		return succeed(stepCtx, req)
	})

	status, err := job.NewRunner(f.manager).Run(ctx, "job-1", proc, job.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
}

func TestRunner_RetryAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")
	runner := job.NewRunner(f.manager)

	var attempts atomic.Int32
	flaky := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		if attempts.Add(1) == 1 {
			return errors.New("out of memory")
		}
		return succeed(ctx, req)
	})

	status, err := runner.Run(ctx, "job-1", flaky, job.RunConfig{})
	require.Error(t, err)
	assert.Equal(t, job.StatusFailed, status)

	_, err = runner.Run(ctx, "job-1", flaky, job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "failed jobs need an explicit retry")

	retried, err := f.manager.Retry(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []job.StepStatus{job.StepQueued}, stepStatuses(retried))

	status, err = runner.Run(ctx, "job-1", flaky, job.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
}

func TestRunner_RunAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")
	f.queued(t, "job-2", "broken")
	f.queued(t, "job-3", "c")
	f.draft(t, "job-4", "d")

	proc := job.StepProcessorFunc(func(ctx context.Context, req job.StepRequest) error {
		if req.JobID == "job-2" {
			return errors.New("unreadable target")
		}
		return succeed(ctx, req)
	})

	results, err := job.NewRunner(f.manager).RunAll(ctx, proc, job.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]job.RunResult{}
	for _, r := range results {
		byID[r.JobID] = r
	}
	assert.Equal(t, job.StatusCompleted, byID["job-1"].Status)
	assert.Equal(t, job.StatusFailed, byID["job-2"].Status)
	assert.Error(t, byID["job-2"].Err)
	assert.Equal(t, job.StatusCompleted, byID["job-3"].Status)

	drafts, err := f.manager.List(ctx, job.StatusDraft)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func TestRunner_StaleClaimNeedsRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")

	claim := filepath.Join(f.dir, "jobs", "queued", "job-1.claim")
	require.NoError(t, os.WriteFile(claim, []byte("4242 crashed\n"), 0o644))

	runner := job.NewRunner(f.manager)
	_, err := runner.Run(ctx, "job-1", job.StepProcessorFunc(succeed), job.RunConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.ErrorIs(t, f.manager.Delete(ctx, "job-1"), apperrors.ErrInvalidState)

	require.NoError(t, f.manager.ReleaseClaim(ctx, "job-1"))
	status, err := runner.Run(ctx, "job-1", job.StepProcessorFunc(succeed), job.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
}

func TestRunner_RunAllSkipsJobsClaimedElsewhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "job-1", "a")
	f.queued(t, "job-2", "b")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "jobs", "queued", "job-2.claim"), nil, 0o644))

	results, err := job.NewRunner(f.manager).RunAll(ctx, job.StepProcessorFunc(succeed), job.RunConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "job-1", results[0].JobID)

	stored, err := f.manager.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
}
