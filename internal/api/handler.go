// Package api provides the HTTP API handlers and routing for the facefusion
// job service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/health"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/jobid"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const indexPage = `<!DOCTYPE html>
<html>
    <head>
        <meta charset=utf-8>
        <title>Api information</title>
    </head>
    <body>
        <p>facefusion job service</p>
        <ul>
            <li>GET /do?source_path=&amp;target_path=</li>
            <li>/v1/jobs</li>
        </ul>
    </body>
</html>
`

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// CreateJobRequest is the body of POST /v1/jobs. Both fields are optional;
// without an id one is minted from prefix.
type CreateJobRequest struct {
	ID     string `json:"id,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// AddStepRequest is the body of POST /v1/jobs/{jobId}/steps. Index inserts
// the step before an existing one; Remix appends a step that processes the
// output of step Remix.
type AddStepRequest struct {
	Args  map[string]any `json:"args"`
	Index *int           `json:"index,omitempty"`
	Remix *int           `json:"remix,omitempty"`
}

// RunResponse reports the outcome of a run.
type RunResponse struct {
	Job   *job.Job `json:"job"`
	Error string   `json:"error,omitempty"`
}

// Index handles GET /
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexPage)
}

// Test handles GET /test
func (h *Handler) Test(w http.ResponseWriter, _ *http.Request) {
	h.writeText(w, http.StatusOK, "success")
}

// Do handles GET /do?source_path=...&target_path=... - runs a whole job in
// one request and answers with the output path as plain text. source_path
// may be repeated.
func (h *Handler) Do(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := h.svc.Process(r.Context(), job.ProcessRequest{
		Prefix:      jobid.PrefixUI,
		SourcePaths: query["source_path"],
		TargetPath:  query.Get("target_path"),
	})
	if err != nil {
		status := apperrors.HTTPStatus(err)
		h.logError(r, err, status)
		message := err.Error()
		if result != nil {
			message = fmt.Sprintf("job %s failed: %v", result.Job.ID, err)
		}
		h.writeText(w, status, message)
		return
	}
	h.writeText(w, http.StatusOK, result.OutputPath)
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		prefix := req.Prefix
		if prefix == "" {
			prefix = jobid.PrefixAPI
		}
		id = jobid.Suggest(prefix)
	}

	created, err := h.svc.Manager().Create(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListJobs handles GET /v1/jobs?status=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.Manager().List(r.Context(), job.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	found, err := h.svc.Manager().Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, found)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Manager().Delete(r.Context(), chi.URLParam(r, "jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddStep handles POST /v1/jobs/{jobId}/steps
func (h *Handler) AddStep(w http.ResponseWriter, r *http.Request) {
	var req AddStepRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "jobId")
	manager := h.svc.Manager()

	var updated *job.Job
	var err error
	switch {
	case req.Remix != nil && req.Index != nil:
		err = apperrors.Validation("remix", "remix and index cannot be combined")
	case req.Remix != nil:
		updated, err = manager.RemixStep(r.Context(), id, *req.Remix, req.Args)
	case req.Index != nil:
		updated, err = manager.InsertStep(r.Context(), id, *req.Index, req.Args)
	default:
		updated, err = manager.AddStep(r.Context(), id, req.Args)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, updated)
}

// RemoveStep handles DELETE /v1/jobs/{jobId}/steps/{index}
func (h *Handler) RemoveStep(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.handleError(w, r, apperrors.Validation("index", "step index must be an integer"))
		return
	}
	updated, err := h.svc.Manager().RemoveStep(r.Context(), chi.URLParam(r, "jobId"), index)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// SubmitJob handles POST /v1/jobs/{jobId}/submit
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	submitted, err := h.svc.Manager().Submit(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, submitted)
}

// RetryJob handles POST /v1/jobs/{jobId}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.svc.Manager().Retry(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requeued)
}

// RunJob handles POST /v1/jobs/{jobId}/run. The optional body overrides
// the service's execution settings for this run. The request blocks until
// the job completed or failed.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	var cfg *job.RunConfig
	var body job.RunConfig
	if !h.decodeOptional(w, r, &body) {
		return
	}
	if !isZeroRunConfig(body) {
		cfg = &body
	}

	id := chi.URLParam(r, "jobId")
	_, runErr := h.svc.RunJob(r.Context(), id, cfg)
	if runErr != nil && !errors.Is(runErr, apperrors.ErrStepExecution) {
		h.handleError(w, r, runErr)
		return
	}

	finished, err := h.svc.Manager().Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if runErr != nil {
		h.logError(r, runErr, http.StatusUnprocessableEntity)
		h.writeJSON(w, http.StatusUnprocessableEntity, RunResponse{Job: finished, Error: runErr.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, RunResponse{Job: finished})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func isZeroRunConfig(c job.RunConfig) bool {
	return c.ExecutionDeviceID == "" && len(c.ExecutionProviders) == 0 &&
		c.ExecutionThreadCount == 0 && c.ExecutionQueueCount == 0 &&
		len(c.DownloadProviders) == 0 && c.VideoMemoryStrategy == ""
}

// decode reads a required JSON body into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode for bodies that may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	h.logError(r, err, status)
	h.writeError(w, status, err.Error())
}

func (h *Handler) logError(r *http.Request, err error, status int) {
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
}
