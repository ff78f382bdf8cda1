// Package storetest checks that a job.Repository honours the contract the
// manager and runner rely on. Each backend runs it from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
)

// Factory returns an initialized, empty repository.
type Factory func(t *testing.T) job.Repository

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a draft record with one step.
func NewJob(id string, created time.Time) *job.Job {
	return &job.Job{
		Version: job.RecordVersion,
		ID:      id,
		Status:  job.StatusDraft,
		Steps: []job.Step{{
			Arguments: job.Arguments{
				job.KeySourcePaths: []string{"a.jpg"},
				job.KeyTargetPath:  "b.mp4",
				job.KeyOutputPath:  "out/" + id + ".mp4",
			},
			Status: job.StepDrafted,
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// Run exercises every Repository operation against repos from newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newRepo(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newRepo(t)) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, newRepo(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, newRepo(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newRepo(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newRepo(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newRepo(t)) })
	t.Run("Claim", func(t *testing.T) { testClaim(t, newRepo(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newRepo(t)) })
}

func testCreateAndGet(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	j := NewJob("job-1", base)
	require.NoError(t, repo.Create(ctx, j))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusDraft, got.Status)
	assert.True(t, base.Equal(got.CreatedAt))
	require.Len(t, got.Steps, 1)
	assert.Equal(t, []string{"a.jpg"}, got.Steps[0].SourcePaths())
	assert.Equal(t, "out/job-1.mp4", got.Steps[0].OutputPath())

	dup := NewJob("job-1", base)
	dup.Steps = nil
	assert.ErrorIs(t, repo.Create(ctx, dup), apperrors.ErrAlreadyExists)
	got, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1, "a collision leaves the record alone")

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, repo.Ready(ctx))
}

func testUpdate(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	j := NewJob("job-1", base)
	require.NoError(t, repo.Create(ctx, j))

	j.Steps = append(j.Steps, job.Step{Arguments: job.Arguments{job.KeyOutputPath: "second.mp4"}, Status: job.StepDrafted})
	require.NoError(t, repo.Update(ctx, j))
	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)

	stale := got.Clone()
	stale.Status = job.StatusQueued
	assert.ErrorIs(t, repo.Update(ctx, stale), apperrors.ErrInvalidState)

	assert.ErrorIs(t, repo.Update(ctx, NewJob("missing", base)), apperrors.ErrNotFound)
}

func testTransition(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	j := NewJob("job-1", base)
	require.NoError(t, repo.Create(ctx, j))

	j.Status = job.StatusQueued
	j.Steps[0].Status = job.StepQueued
	require.NoError(t, repo.Transition(ctx, j, job.StatusDraft))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, job.StepQueued, got.Steps[0].Status)

	again := got.Clone()
	again.Status = job.StatusCompleted
	assert.ErrorIs(t, repo.Transition(ctx, again, job.StatusDraft), apperrors.ErrInvalidState)

	drafts, err := repo.List(ctx, job.StatusDraft)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func testConcurrentTransition(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("job-1", base)))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := NewJob("job-1", base)
			j.Status = job.StatusQueued
			if i%2 == 0 {
				j.Status = job.StatusFailed
			}
			if err := repo.Transition(ctx, j, job.StatusDraft); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "exactly one copy of the record survives")
}

func testDelete(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("job-1", base)))

	require.NoError(t, repo.Delete(ctx, "job-1"))
	_, err := repo.Get(ctx, "job-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "job-1"), apperrors.ErrNotFound)
}

func testList(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	for i, id := range []string{"job-c", "job-a", "job-b"} {
		require.NoError(t, repo.Create(ctx, NewJob(id, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, repo.Create(ctx, NewJob("job-0", base.Add(time.Second))))

	queued := NewJob("job-a", base.Add(time.Second))
	queued.Status = job.StatusQueued
	require.NoError(t, repo.Transition(ctx, queued, job.StatusDraft))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-c", "job-0", "job-a", "job-b"}, ids(all), "creation time, then id")

	drafts, err := repo.List(ctx, job.StatusDraft)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-c", "job-0", "job-b"}, ids(drafts))

	failed, err := repo.List(ctx, job.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func testClear(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, repo.Create(ctx, NewJob(fmt.Sprintf("job-%d", i), base)))
	}

	require.NoError(t, repo.Clear(ctx))
	require.NoError(t, repo.Init(ctx))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	require.NoError(t, repo.Create(ctx, NewJob("job-0", base)), "ids are free again")
}

func ids(jobs []*job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func testClaim(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("job-1", base)))

	require.NoError(t, repo.Claim(ctx, "job-1"))
	assert.ErrorIs(t, repo.Claim(ctx, "job-1"), apperrors.ErrInvalidState)
	require.NoError(t, repo.Claim(ctx, "job-2"), "claims are per job")

	require.NoError(t, repo.Release(ctx, "job-1"))
	require.NoError(t, repo.Release(ctx, "job-1"), "releasing twice is a no-op")
	require.NoError(t, repo.Claim(ctx, "job-1"))

	require.NoError(t, repo.Clear(ctx))
	require.NoError(t, repo.Init(ctx))
	assert.NoError(t, repo.Claim(ctx, "job-2"), "clear drops claims")
}

func testConcurrentClaim(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("job-1", base)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Claim(ctx, "job-1")
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrInvalidState)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
}
