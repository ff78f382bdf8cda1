package docker

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/processor"
)

func TestBindMounts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	input := filepath.Join(root, "input")
	output := filepath.Join(root, "output")
	elsewhere := filepath.Join(root, "elsewhere")

	args := job.Arguments{
		job.KeySourcePaths: []string{filepath.Join(input, "a.jpg"), filepath.Join(elsewhere, "b.jpg")},
		job.KeyTargetPath:  filepath.Join(input, "nested", "t.mp4"),
		job.KeyOutputPath:  filepath.Join(output, "o.mp4"),
	}

	got := bindMounts([]string{input, output}, args)
	assert.Equal(t, []mount.Mount{
		{Type: mount.TypeBind, Source: input, Target: input},
		{Type: mount.TypeBind, Source: output, Target: output},
		{Type: mount.TypeBind, Source: elsewhere, Target: elsewhere},
	}, got)
}

func TestDeviceRequests(t *testing.T) {
	t.Parallel()

	assert.Nil(t, deviceRequests(job.RunConfig{ExecutionProviders: []string{"cpu"}}, "nvidia"))

	all := deviceRequests(job.RunConfig{ExecutionProviders: []string{"cpu", "cuda"}}, "nvidia")
	require.Len(t, all, 1)
	assert.Equal(t, -1, all[0].Count)
	assert.Equal(t, "nvidia", all[0].Driver)
	assert.Equal(t, [][]string{{"gpu"}}, all[0].Capabilities)

	one := deviceRequests(job.RunConfig{ExecutionProviders: []string{"tensorrt"}, ExecutionDeviceID: "1"}, "nvidia")
	require.Len(t, one, 1)
	assert.Zero(t, one[0].Count)
	assert.Equal(t, []string{"1"}, one[0].DeviceIDs)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, processor.DefaultCommand, cfg.Command)
	assert.Equal(t, "nvidia", cfg.GPUDriver)
	assert.Equal(t, 10*time.Second, cfg.StopGrace)
}

func TestStateRepo(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	_, ok := repo.get("job-1")
	assert.False(t, ok)

	repo.commit("job-1", "container-1")
	id, ok := repo.get("job-1")
	assert.True(t, ok)
	assert.Equal(t, "container-1", id)
	assert.Equal(t, map[string]string{"job-1": "container-1"}, repo.list())

	id, ok = repo.release("job-1")
	assert.True(t, ok)
	assert.Equal(t, "container-1", id)
	_, ok = repo.release("job-1")
	assert.False(t, ok)
}

func TestStateRepo_Concurrent(t *testing.T) {
	t.Parallel()
	repo := newStateRepo()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			repo.commit(id, "c")
			repo.get(id)
			repo.release(id)
		}()
	}
	wg.Wait()
	assert.Empty(t, repo.list())
}
