package job

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/jobid"
	"github.com/szytwo/facefusion/internal/observability"
	"github.com/szytwo/facefusion/pkg/cloudevent"
)

const resourceJob = "job"

// Manager owns the job lifecycle up to submission: creating drafts,
// attaching steps and queueing them. Every mutation holds the job's lock,
// which is shared with the Runner built from this Manager.
type Manager struct {
	repo     Repository
	schema   *Schema
	locks    *jobLocks
	claims   sync.Mutex // serializes output path checks across jobs
	now      func() time.Time
	metrics  *observability.Metrics
	notifier Notifier
	events   *EventBuilder
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records lifecycle metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNotifier sends lifecycle events to n.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates a Manager persisting through repo. A nil schema means
// DefaultSchema.
func NewManager(repo Repository, schema *Schema, opts ...ManagerOption) *Manager {
	if schema == nil {
		schema = DefaultSchema()
	}
	m := &Manager{
		repo:   repo,
		schema: schema,
		locks:  newJobLocks(),
		now:    time.Now,
		events: NewEventBuilder("facefusion"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schema returns the schema steps are validated against.
func (m *Manager) Schema() *Schema { return m.schema }

// Init prepares the jobs storage.
func (m *Manager) Init(ctx context.Context) error {
	return m.repo.Init(ctx)
}

// ClearAll removes every job record and recreates the empty storage.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.repo.Clear(ctx); err != nil {
		return err
	}
	return m.repo.Init(ctx)
}

// Ready reports whether the jobs storage is usable.
func (m *Manager) Ready(ctx context.Context) error {
	return m.repo.Ready(ctx)
}

// Create persists an empty draft job.
func (m *Manager) Create(ctx context.Context, id string) (*Job, error) {
	if !jobid.Valid(id) {
		return nil, apperrors.Validation("id", fmt.Sprintf("job id %q must match %s", id, jobid.Pattern))
	}
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.now().UTC()
	job := &Job{
		Version:   RecordVersion,
		ID:        id,
		Status:    StatusDraft,
		Steps:     []Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	m.metrics.RecordJobCreated(ctx)
	slog.Debug("Job created", "jobId", id)
	m.emit(m.events.BuildJobEvent(EventTypeCreated, job))
	return job, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.repo.Get(ctx, id)
}

// List returns jobs in status, or every job when status is empty.
func (m *Manager) List(ctx context.Context, status Status) ([]*Job, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown job status %q", status))
	}
	return m.repo.List(ctx, status)
}

// AddStep validates args and appends them as a new step of a draft job.
func (m *Manager) AddStep(ctx context.Context, id string, args map[string]any) (*Job, error) {
	return m.editSteps(ctx, id, "steps can only be added to a draft job", func(job *Job) (int, Arguments, error) {
		return len(job.Steps), args, nil
	})
}

// InsertStep validates args and inserts them before step index.
func (m *Manager) InsertStep(ctx context.Context, id string, index int, args map[string]any) (*Job, error) {
	return m.editSteps(ctx, id, "steps can only be inserted into a draft job", func(job *Job) (int, Arguments, error) {
		if index < 0 || index > len(job.Steps) {
			return 0, nil, stepIndexError(index, len(job.Steps)+1)
		}
		return index, args, nil
	})
}

// RemixStep appends a step that takes step index's output as its target.
// The new step inherits the source paths of step index unless args
// provides its own.
func (m *Manager) RemixStep(ctx context.Context, id string, index int, args map[string]any) (*Job, error) {
	return m.editSteps(ctx, id, "steps can only be remixed in a draft job", func(job *Job) (int, Arguments, error) {
		if index < 0 || index >= len(job.Steps) {
			return 0, nil, stepIndexError(index, len(job.Steps))
		}
		base := job.Steps[index]
		remix := maps.Clone(args)
		if remix == nil {
			remix = map[string]any{}
		}
		if _, ok := remix[KeyTargetPath]; ok {
			return 0, nil, apperrors.Validation(KeyTargetPath, "a remixed step takes its target from the remixed step's output")
		}
		remix[KeyTargetPath] = base.OutputPath()
		if _, ok := remix[KeySourcePaths]; !ok {
			remix[KeySourcePaths] = base.SourcePaths()
		}
		return len(job.Steps), remix, nil
	})
}

// RemoveStep deletes step index from a draft job.
func (m *Manager) RemoveStep(ctx context.Context, id string, index int) (*Job, error) {
	return m.mutate(ctx, id, func(job *Job) error {
		if err := requireStatus(job, StatusDraft, "steps can only be removed from a draft job"); err != nil {
			return err
		}
		if index < 0 || index >= len(job.Steps) {
			return stepIndexError(index, len(job.Steps))
		}
		job.Steps = slices.Delete(job.Steps, index, index+1)
		return nil
	})
}

// editSteps validates the arguments chosen by pick and inserts them at the
// returned position. Holding m.claims across the check and the write keeps
// two jobs from claiming the same output path.
func (m *Manager) editSteps(ctx context.Context, id, reason string, pick func(*Job) (int, Arguments, error)) (*Job, error) {
	m.claims.Lock()
	defer m.claims.Unlock()

	return m.mutate(ctx, id, func(job *Job) error {
		if err := requireStatus(job, StatusDraft, reason); err != nil {
			return err
		}
		at, raw, err := pick(job)
		if err != nil {
			return err
		}
		args, err := m.schema.Normalize(raw)
		if err != nil {
			return err
		}
		if err := m.checkOutputClaim(ctx, job, args.String(KeyOutputPath)); err != nil {
			return err
		}
		job.Steps = slices.Insert(job.Steps, at, Step{Arguments: args, Status: StepDrafted})
		return nil
	})
}

// checkOutputClaim rejects an output path already used by a step of this
// job or of any other job.
func (m *Manager) checkOutputClaim(ctx context.Context, job *Job, output string) error {
	clean := filepath.Clean(output)
	for i, s := range job.Steps {
		if filepath.Clean(s.OutputPath()) == clean {
			return apperrors.Validation(KeyOutputPath, fmt.Sprintf("output path %s is already used by step %d", output, i))
		}
	}
	others, err := m.repo.List(ctx, "")
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID == job.ID {
			continue
		}
		for _, p := range other.OutputPaths() {
			if filepath.Clean(p) == clean {
				return apperrors.Validation(KeyOutputPath, fmt.Sprintf("output path %s is claimed by job %s", output, other.ID))
			}
		}
	}
	return nil
}

// Submit queues a draft job that has at least one step.
func (m *Manager) Submit(ctx context.Context, id string) (*Job, error) {
	job, err := m.transition(ctx, id, StatusDraft, StatusQueued, func(job *Job) error {
		if len(job.Steps) == 0 {
			return apperrors.InvalidState(resourceJob, id, string(job.Status), "a job needs at least one step before submission")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Job submitted", "jobId", id, "steps", len(job.Steps))
	m.emit(m.events.BuildJobEvent(EventTypeSubmitted, job))
	return job, nil
}

// Retry queues a failed job again. Every step is reset and will run from
// the first one.
func (m *Manager) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := m.transition(ctx, id, StatusFailed, StatusQueued, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("Job requeued", "jobId", id)
	m.emit(m.events.BuildJobEvent(EventTypeSubmitted, job))
	return job, nil
}

// Delete removes a job in any state except while it is running. Holding
// the run claim for the duration keeps runners in other processes out.
func (m *Manager) Delete(ctx context.Context, id string) error {
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if m.locks.isRunning(id) {
		return apperrors.InvalidState(resourceJob, id, string(StatusQueued), "a running job cannot be deleted")
	}
	if err := m.repo.Claim(ctx, id); err != nil {
		return err
	}
	defer func() {
		if err := m.repo.Release(context.WithoutCancel(ctx), id); err != nil {
			slog.Error("Failed to release job claim", "jobId", id, "error", err)
		}
	}()
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("Job deleted", "jobId", id, "status", job.Status)
	m.emit(m.events.BuildJobEvent(EventTypeDeleted, job))
	return nil
}

// ReleaseClaim drops a run claim left behind by a process that died while
// running id. It refuses while this process is running the job, but cannot
// tell whether another live process still is.
func (m *Manager) ReleaseClaim(ctx context.Context, id string) error {
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if m.locks.isRunning(id) {
		return apperrors.InvalidState(resourceJob, id, string(StatusQueued), "the job is running")
	}
	if err := m.repo.Release(ctx, id); err != nil {
		return err
	}
	slog.Warn("Job claim released", "jobId", id)
	return nil
}

// transition moves a job from one state to the next, resetting every step
// to queued. check may veto the move.
func (m *Manager) transition(ctx context.Context, id string, from, to Status, check func(*Job) error) (*Job, error) {
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return nil, apperrors.InvalidState(resourceJob, id, string(job.Status), fmt.Sprintf("only %s jobs can become %s", from, to))
	}
	if check != nil {
		if err := check(job); err != nil {
			return nil, err
		}
	}
	for i := range job.Steps {
		job.Steps[i].Status = StepQueued
	}
	job.Status = to
	job.UpdatedAt = m.now().UTC()
	if err := m.repo.Transition(ctx, job, from); err != nil {
		return nil, err
	}
	m.metrics.RecordJobTransition(ctx, string(to))
	return job, nil
}

// mutate loads a job under its lock, applies fn and persists the result.
// Nothing is written when fn fails.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if m.locks.isRunning(id) {
		return nil, apperrors.InvalidState(resourceJob, id, string(StatusQueued), "the job is running")
	}
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = m.now().UTC()
	if err := m.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) emit(event *cloudevent.CloudEvent) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Dispatch(event); err != nil {
		slog.Warn("Failed to dispatch job event", "jobId", event.Subject, "type", event.Type, "error", err)
	}
}

func requireStatus(job *Job, want Status, reason string) error {
	if job.Status != want {
		return apperrors.InvalidState(resourceJob, job.ID, string(job.Status), reason)
	}
	return nil
}

func stepIndexError(index, count int) error {
	return apperrors.Validation("index", fmt.Sprintf("step index %d is out of range [0, %d)", index, count))
}
