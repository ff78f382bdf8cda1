package processor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szytwo/facefusion/internal/job"
)

// writeOutput is a stand-in engine: it writes "done" to the path following
// --output-path.
const writeOutput = `while [ $# -gt 0 ]; do if [ "$1" = --output-path ]; then echo done > "$2"; fi; shift; done`

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func stepRequest(output string) job.StepRequest {
	return job.StepRequest{
		JobID: "cli-1",
		Arguments: job.Arguments{
			job.KeySourcePaths: []string{"s.jpg"},
			job.KeyTargetPath:  "t.jpg",
			job.KeyOutputPath:  output,
		},
	}
}

func TestExecProcessStep(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	output := filepath.Join(t.TempDir(), "out.jpg")
	p := NewExec(ExecConfig{Command: []string{"sh", "-c", writeOutput, "facefusion"}})

	require.NoError(t, p.ProcessStep(context.Background(), stepRequest(output)))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
}

func TestExecProcessStepFailure(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	p := NewExec(ExecConfig{Command: []string{"sh", "-c", "echo no face detected >&2; exit 3", "facefusion"}})

	err := p.ProcessStep(context.Background(), stepRequest("out.jpg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "no face detected")
}

func TestExecProcessStepTimeout(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	p := NewExec(ExecConfig{Command: []string{"sh", "-c", "exec sleep 5", "facefusion"}, Timeout: 50 * time.Millisecond})

	start := time.Now()
	require.Error(t, p.ProcessStep(context.Background(), stepRequest("out.jpg")))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecConfigDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultCommand, ExecConfig{}.withDefaults().Command)
}
