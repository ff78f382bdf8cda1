package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func mkdirAt(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestDays(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 24*time.Hour, Days(1))
	assert.Equal(t, 7*24*time.Hour, Days(7))
	assert.Equal(t, time.Duration(0), Days(0))
}

func TestSweep_RemovesOnlyExpiredEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	touch(t, filepath.Join(dir, "old.mp4"), old)
	touch(t, filepath.Join(dir, "fresh.mp4"), now)
	touch(t, filepath.Join(dir, "old-folder", "frame.png"), old)
	mkdirAt(t, filepath.Join(dir, "old-folder"), old)

	s := New(nil, 0, nil)
	result, err := s.Sweep(context.Background(), dir, Days(1))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "old.mp4"),
		filepath.Join(dir, "old-folder"),
	}, result.Removed)
	assert.NoFileExists(t, filepath.Join(dir, "old.mp4"))
	assert.NoDirExists(t, filepath.Join(dir, "old-folder"))
	assert.FileExists(t, filepath.Join(dir, "fresh.mp4"))
}

func TestSweep_FreshFolderWithOldContentSurvives(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Now()

	touch(t, filepath.Join(dir, "job", "old.png"), now.Add(-72*time.Hour))
	mkdirAt(t, filepath.Join(dir, "job"), now)

	s := New(nil, 0, nil)
	result, err := s.Sweep(context.Background(), dir, Days(1))
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
	assert.FileExists(t, filepath.Join(dir, "job", "old.png"), "only immediate entries are considered")
}

func TestSweep_MissingDirectory(t *testing.T) {
	t.Parallel()
	s := New(nil, 0, nil)

	result, err := s.Sweep(context.Background(), filepath.Join(t.TempDir(), "missing"), Days(1))
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
}

func TestSweep_Idempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "a.jpg"), now.Add(-2*time.Hour))
	touch(t, filepath.Join(dir, "b.jpg"), now)

	s := New(nil, 0, nil)
	first, err := s.Sweep(context.Background(), dir, time.Hour)
	require.NoError(t, err)
	second, err := s.Sweep(context.Background(), dir, time.Hour)
	require.NoError(t, err)

	assert.Len(t, first.Removed, 1)
	assert.Empty(t, second.Removed)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.jpg", entries[0].Name())
}

func TestSweep_NegativeMaxAge(t *testing.T) {
	t.Parallel()
	s := New(nil, 0, nil)
	_, err := s.Sweep(context.Background(), t.TempDir(), -time.Second)
	assert.ErrorContains(t, err, "must not be negative")
}

func TestSweepAll(t *testing.T) {
	t.Parallel()
	input := filepath.Join(t.TempDir(), "input")
	output := filepath.Join(t.TempDir(), "output")
	old := time.Now().Add(-48 * time.Hour)
	touch(t, filepath.Join(input, "source.jpg"), old)
	touch(t, filepath.Join(output, "api-1.mp4"), old)
	touch(t, filepath.Join(output, "api-2.mp4"), time.Now())

	s := New([]string{input, output, filepath.Join(t.TempDir(), "absent")}, Days(1), nil)
	require.NoError(t, s.SweepAll(context.Background()))

	assert.NoFileExists(t, filepath.Join(input, "source.jpg"))
	assert.NoFileExists(t, filepath.Join(output, "api-1.mp4"))
	assert.FileExists(t, filepath.Join(output, "api-2.mp4"))
}

func TestSweepAll_FailingRootDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	broken := filepath.Join(t.TempDir(), "input")
	touch(t, broken, time.Now())
	output := filepath.Join(t.TempDir(), "output")
	old := time.Now().Add(-48 * time.Hour)
	for i := range 500 {
		touch(t, filepath.Join(output, fmt.Sprintf("api-%d.mp4", i)), old)
	}

	s := New([]string{broken, output}, Days(1), nil)
	err := s.SweepAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), broken)

	entries, err := os.ReadDir(output)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "old.jpg"), time.Now().Add(-48*time.Hour))

	sched := NewScheduler(New([]string{dir}, Days(1), nil))
	require.Error(t, sched.Start("not a schedule"))

	require.NoError(t, sched.Start("@every 1s"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "old.jpg"))
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Stop(ctx)
}
