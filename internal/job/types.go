package job

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RecordVersion is written into every persisted job record.
const RecordVersion = "1"

// Status is the lifecycle state of a job.
type Status string

// Job states. Transitions only move forward: draft -> queued -> completed|failed.
const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every job state in lifecycle order.
var Statuses = []Status{StatusDraft, StatusQueued, StatusCompleted, StatusFailed}

// Valid reports whether s is a known job state.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// ParseStatus converts a user supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepDrafted   StepStatus = "drafted"
	StepQueued    StepStatus = "queued"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Well known step argument keys.
const (
	KeySourcePaths = "source_paths"
	KeyTargetPath  = "target_path"
	KeyOutputPath  = "output_path"
)

// Arguments maps recognized step keys to their values.
type Arguments map[string]any

// Clone returns a copy that shares no slices with a.
func (a Arguments) Clone() Arguments {
	if a == nil {
		return nil
	}
	out := make(Arguments, len(a))
	for k, v := range a {
		switch tv := v.(type) {
		case []string:
			out[k] = slices.Clone(tv)
		case []any:
			out[k] = slices.Clone(tv)
		case []float64:
			out[k] = slices.Clone(tv)
		default:
			out[k] = v
		}
	}
	return out
}

// String returns the string value of key, or "" when absent or not a string.
func (a Arguments) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Strings returns the string list value of key. Lists decoded from JSON
// arrive as []any and are converted.
func (a Arguments) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Keys returns the argument keys in sorted order.
func (a Arguments) Keys() []string {
	return slices.Sorted(maps.Keys(a))
}

// Step is one processing instruction within a job.
type Step struct {
	Arguments Arguments  `json:"args"`
	Status    StepStatus `json:"status"`
}

// SourcePaths returns the step's input face images.
func (s Step) SourcePaths() []string { return s.Arguments.Strings(KeySourcePaths) }

// TargetPath returns the image or video the faces are swapped onto.
func (s Step) TargetPath() string { return s.Arguments.String(KeyTargetPath) }

// OutputPath returns where the step writes its artifact.
func (s Step) OutputPath() string { return s.Arguments.String(KeyOutputPath) }

// Job is the persisted record of one processing request.
type Job struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"date_created"`
	UpdatedAt time.Time `json:"date_updated"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		out.Steps[i] = Step{Arguments: s.Arguments.Clone(), Status: s.Status}
	}
	return &out
}

// OutputPaths returns the output path of every step, in order.
func (j *Job) OutputPaths() []string {
	paths := make([]string, 0, len(j.Steps))
	for _, s := range j.Steps {
		if p := s.OutputPath(); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// RunConfig carries the job level settings that apply to every step of a
// run. The runner passes them through to the step processor untouched.
type RunConfig struct {
	ExecutionDeviceID    string   `json:"execution_device_id,omitempty"`
	ExecutionProviders   []string `json:"execution_providers,omitempty"`
	ExecutionThreadCount int      `json:"execution_thread_count,omitempty"`
	ExecutionQueueCount  int      `json:"execution_queue_count,omitempty"`
	DownloadProviders    []string `json:"download_providers,omitempty"`
	VideoMemoryStrategy  string   `json:"video_memory_strategy,omitempty"`
}

// Arguments renders the non-zero settings under their job key names.
func (c RunConfig) Arguments() Arguments {
	args := Arguments{}
	if c.ExecutionDeviceID != "" {
		args["execution_device_id"] = c.ExecutionDeviceID
	}
	if len(c.ExecutionProviders) > 0 {
		args["execution_providers"] = slices.Clone(c.ExecutionProviders)
	}
	if c.ExecutionThreadCount > 0 {
		args["execution_thread_count"] = c.ExecutionThreadCount
	}
	if c.ExecutionQueueCount > 0 {
		args["execution_queue_count"] = c.ExecutionQueueCount
	}
	if len(c.DownloadProviders) > 0 {
		args["download_providers"] = slices.Clone(c.DownloadProviders)
	}
	if c.VideoMemoryStrategy != "" {
		args["video_memory_strategy"] = c.VideoMemoryStrategy
	}
	return args
}

// UsesProvider reports whether the run asks for the given execution provider.
func (c RunConfig) UsesProvider(provider string) bool {
	return slices.Contains(c.ExecutionProviders, provider)
}
