package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szytwo/facefusion/internal/health"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/store/filestore"
)

type testEnv struct {
	handler http.Handler
	dir     string
	output  string
}

// writeOutput stands in for the face processing engine. Targets whose name
// contains "broken" fail.
func writeOutput(_ context.Context, req job.StepRequest) error {
	if strings.Contains(req.Arguments.String(job.KeyTargetPath), "broken") {
		return errors.New("no face detected")
	}
	output := req.Arguments.String(job.KeyOutputPath)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	return os.WriteFile(output, []byte("swapped"), 0o644)
}

func newTestEnv(t *testing.T, mutate ...func(*RouterConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	repo, err := filestore.New(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	manager := job.NewManager(repo, nil)
	require.NoError(t, manager.Init(context.Background()))

	output := filepath.Join(dir, "output")
	svc := job.NewService(manager, job.NewRunner(manager), job.ServiceConfig{
		Processor:  job.StepProcessorFunc(writeOutput),
		OutputPath: output,
	})
	t.Cleanup(svc.Close)

	cfg := RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker().Require("jobs", manager),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &testEnv{handler: NewRouter(cfg), dir: dir, output: output}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) stepArgs(name string) map[string]any {
	return map[string]any{
		"source_paths":        []string{filepath.Join(e.dir, "face.jpg")},
		"target_path":         filepath.Join(e.dir, name+".mp4"),
		"output_path":         filepath.Join(e.output, name+"-out.mp4"),
		"face_detector_score": 0.6,
	}
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) *job.Job {
	t.Helper()
	var j job.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&j))
	return &j
}

func TestHandler_Probes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var response health.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, health.StatusHealthy, response.Status)

	w = env.do(t, http.MethodGet, "/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())

	w = env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/do")
}

func TestHandler_ReadyzWithoutStore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *RouterConfig) { c.HealthChecker = health.NewChecker() })

	w := env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_Do(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	source := filepath.Join(env.dir, "face.jpg")
	target := filepath.Join(env.dir, "clip.mp4")
	w := env.do(t, http.MethodGet, "/do?source_path="+source+"&target_path="+target, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	output := w.Body.String()
	assert.Equal(t, env.output, filepath.Dir(output))
	assert.True(t, strings.HasPrefix(filepath.Base(output), "ui-"))
	assert.Equal(t, ".mp4", filepath.Ext(output))
	assert.FileExists(t, output)

	w = env.do(t, http.MethodGet, "/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []*job.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{output}, jobs[0].OutputPaths())
}

func TestHandler_DoFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/do?source_path=a.jpg", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/do?source_path=a.jpg&target_path=broken.jpg", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "no face detected")

	w = env.do(t, http.MethodGet, "/v1/jobs?status=failed", nil)
	var jobs []*job.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StepFailed, jobs[0].Steps[0].Status)
}

func TestHandler_JobLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-lifecycle"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, job.StatusDraft, decodeJob(t, w).Status)

	w = env.do(t, http.MethodPost, "/v1/jobs/api-lifecycle/steps", AddStepRequest{Args: env.stepArgs("first")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	remix := 0
	w = env.do(t, http.MethodPost, "/v1/jobs/api-lifecycle/steps", AddStepRequest{
		Args:  map[string]any{"output_path": filepath.Join(env.output, "remix.mp4")},
		Remix: &remix,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJob(t, w)
	require.Len(t, created.Steps, 2)
	assert.Equal(t, created.Steps[0].OutputPath(), created.Steps[1].TargetPath())

	w = env.do(t, http.MethodPost, "/v1/jobs/api-lifecycle/submit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, job.StatusQueued, decodeJob(t, w).Status)

	w = env.do(t, http.MethodPost, "/v1/jobs/api-lifecycle/run", job.RunConfig{ExecutionProviders: []string{"cpu"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, job.StatusCompleted, run.Job.Status)
	assert.Empty(t, run.Error)

	w = env.do(t, http.MethodGet, "/v1/jobs/api-lifecycle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, step := range decodeJob(t, w).Steps {
		assert.Equal(t, job.StepCompleted, step.Status)
	}

	w = env.do(t, http.MethodDelete, "/v1/jobs/api-lifecycle", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/v1/jobs/api-lifecycle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RunFailureAndRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-retry"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs/api-retry/steps", AddStepRequest{Args: env.stepArgs("broken")}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/jobs/api-retry/submit", nil).Code)

	w := env.do(t, http.MethodPost, "/v1/jobs/api-retry/run", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var run RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, job.StatusFailed, run.Job.Status)
	assert.Contains(t, run.Error, "no face detected")

	w = env.do(t, http.MethodPost, "/v1/jobs/api-retry/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "only queued jobs run")

	w = env.do(t, http.MethodPost, "/v1/jobs/api-retry/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.StatusQueued, decodeJob(t, w).Status)
}

func TestHandler_ClientErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-errors"}).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"duplicate id", http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-errors"}, http.StatusConflict},
		{"unsafe id", http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "../escape"}, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/v1/jobs/missing", nil, http.StatusNotFound},
		{"unknown status filter", http.MethodGet, "/v1/jobs?status=running", nil, http.StatusBadRequest},
		{"submit without steps", http.MethodPost, "/v1/jobs/api-errors/submit", nil, http.StatusConflict},
		{"unknown step key", http.MethodPost, "/v1/jobs/api-errors/steps", AddStepRequest{Args: map[string]any{"colour": "red"}}, http.StatusBadRequest},
		{"remix missing step", http.MethodPost, "/v1/jobs/api-errors/steps", AddStepRequest{Args: map[string]any{}, Remix: new(int)}, http.StatusBadRequest},
		{"remove non-integer", http.MethodDelete, "/v1/jobs/api-errors/steps/first", nil, http.StatusBadRequest},
		{"remove out of range", http.MethodDelete, "/v1/jobs/api-errors/steps/3", nil, http.StatusBadRequest},
		{"run draft", http.MethodPost, "/v1/jobs/api-errors/run", nil, http.StatusConflict},
		{"retry draft", http.MethodPost, "/v1/jobs/api-errors/retry", nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := env.do(t, http.MethodGet, "/v1/jobs/api-errors", nil)
	assert.Empty(t, decodeJob(t, w).Steps, "rejected edits leave the job untouched")
}

func TestHandler_StepsFrozenAfterSubmit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-frozen"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs/api-frozen/steps", AddStepRequest{Args: env.stepArgs("a")}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/jobs/api-frozen/submit", nil).Code)

	w := env.do(t, http.MethodPost, "/v1/jobs/api-frozen/steps", AddStepRequest{Args: env.stepArgs("b")})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodDelete, "/v1/jobs/api-frozen/steps/0", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/v1/jobs/api-frozen", nil)
	assert.Len(t, decodeJob(t, w).Steps, 1)
}

func TestHandler_InsertAndRemoveStep(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{ID: "api-edit"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/jobs/api-edit/steps", AddStepRequest{Args: env.stepArgs("second")}).Code)

	index := 0
	w := env.do(t, http.MethodPost, "/v1/jobs/api-edit/steps", AddStepRequest{Args: env.stepArgs("first"), Index: &index})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	steps := decodeJob(t, w).Steps
	require.Len(t, steps, 2)
	assert.Contains(t, steps[0].OutputPath(), "first")

	w = env.do(t, http.MethodDelete, "/v1/jobs/api-edit/steps/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	steps = decodeJob(t, w).Steps
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0].OutputPath(), "second")
}

func TestHandler_CreateJobMintsID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(decodeJob(t, w).ID, "api-"))

	w = env.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{Prefix: "batch"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, strings.HasPrefix(decodeJob(t, w).ID, "batch-"))
}

func TestHandler_InvalidJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"id": nope}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp["error"])
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *RouterConfig) { c.APIKey = "secret" })

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"probe needs no key", "/livez", "", http.StatusOK},
		{"missing header", "/v1/jobs", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/jobs", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "/v1/jobs", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/v1/jobs", "Bearer secret", http.StatusOK},
		{"do needs a key", "/do", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRouter_RateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *RouterConfig) { c.RateLimitRPS = 1 })

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/jobs", nil).Code)
	w := env.do(t, http.MethodGet, "/v1/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/livez", nil).Code, "probes are not limited")
}

type panicLog struct {
	mu      sync.Mutex
	entries []error
}

func (p *panicLog) Record(cause error, stack []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, cause)
	return nil
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	recorder := &panicLog{}
	handler := RecoveryMiddleware(recorder)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/do", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, recorder.entries, 1)
	assert.Contains(t, recorder.entries[0].Error(), "test panic")
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.False(t, called)

	req = httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, called)
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
