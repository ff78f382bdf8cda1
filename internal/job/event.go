package job

import (
	"fmt"
	"slices"
	"time"

	"github.com/szytwo/facefusion/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeCreated   = "facefusion.job.created"
	EventTypeSubmitted = "facefusion.job.submitted"
	EventTypeStarted   = "facefusion.job.started"
	EventTypeStep      = "facefusion.job.step"
	EventTypeCompleted = "facefusion.job.completed"
	EventTypeFailed    = "facefusion.job.failed"
	EventTypeDeleted   = "facefusion.job.deleted"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// Notifier receives lifecycle events. Dispatch must not block on delivery.
type Notifier interface {
	Dispatch(event *cloudevent.CloudEvent) error
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source string
	now    func() time.Time
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source, now: time.Now}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType, jobID string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", jobID, b.now().UnixNano())
	return cloudevent.New(eventType, b.source, jobID, eventID, data)
}

// BuildJobEvent describes the job as a whole.
func (b *EventBuilder) BuildJobEvent(eventType string, job *Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":   job.ID,
		"status":  string(job.Status),
		"steps":   len(job.Steps),
		"outputs": job.OutputPaths(),
	}
	return b.Build(eventType, job.ID, data)
}

// BuildStepEvent describes one step changing state.
func (b *EventBuilder) BuildStepEvent(job *Job, index int, err error) *cloudevent.CloudEvent {
	step := job.Steps[index]
	data := map[string]any{
		"jobId":      job.ID,
		"stepIndex":  index,
		"status":     string(step.Status),
		"outputPath": step.OutputPath(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeStep, job.ID, data)
}

// BuildFailedEvent describes a job that stopped at step index.
func (b *EventBuilder) BuildFailedEvent(job *Job, index int, err error) *cloudevent.CloudEvent {
	event := b.BuildJobEvent(EventTypeFailed, job)
	event.Data["stepIndex"] = index
	if err != nil {
		event.Data["error"] = err.Error()
	}
	return event
}
