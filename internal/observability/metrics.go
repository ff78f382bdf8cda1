package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's instruments. Every Record method is safe to
// call on a nil *Metrics so callers can run without an exporter.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobsCreated      metric.Int64Counter
	JobTransitions   metric.Int64Counter
	RunDuration      metric.Float64Histogram
	RunsActive       metric.Int64UpDownCounter
	StepDuration     metric.Float64Histogram
	StepsTotal       metric.Int64Counter
	StagedTotal      metric.Int64Counter
	SweepDuration    metric.Float64Histogram
	SweepRemoved     metric.Int64Counter
	SweepErrorsTotal metric.Int64Counter

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("facefusion")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Job state transitions by destination state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunDuration, err = meter.Float64Histogram(
		"job_run_duration_seconds",
		metric.WithDescription("Wall time of a job run in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"job_runs_active",
		metric.WithDescription("Number of jobs currently running (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepDuration, err = meter.Float64Histogram(
		"job_step_duration_seconds",
		metric.WithDescription("Step processing time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StepsTotal, err = meter.Int64Counter(
		"job_steps_total",
		metric.WithDescription("Total number of processed steps"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagedTotal, err = meter.Int64Counter(
		"staged_inputs_total",
		metric.WithDescription("Total number of staged input files"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Retention sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepRemoved, err = meter.Int64Counter(
		"sweep_removed_total",
		metric.WithDescription("Entries removed by retention sweeps"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepErrorsTotal, err = meter.Int64Counter(
		"sweep_errors_total",
		metric.WithDescription("Entries a retention sweep failed to remove"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new draft job.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsCreated.Add(ctx, 1)
}

// RecordJobTransition records a job entering state.
func (m *Metrics) RecordJobTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordRunStarted marks a job as running.
func (m *Metrics) RecordRunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsActive.Add(ctx, 1)
}

// RecordRunFinished records the end of a run with its terminal state.
func (m *Metrics) RecordRunFinished(ctx context.Context, state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunsActive.Add(ctx, -1)
	m.RunDuration.Record(ctx, durationSeconds, metric.WithAttributes(stateAttr(state)))
}

// RecordStep records one processed step.
func (m *Metrics) RecordStep(ctx context.Context, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(successAttr(success))
	m.StepsTotal.Add(ctx, 1, attrs)
	m.StepDuration.Record(ctx, durationSeconds, attrs)
}

// RecordStaged records an input file being copied or downloaded into the input root.
func (m *Metrics) RecordStaged(ctx context.Context, origin string, success bool) {
	if m == nil {
		return
	}
	m.StagedTotal.Add(ctx, 1, metric.WithAttributes(originAttr(origin), successAttr(success)))
}

// RecordSweep records the outcome of one retention sweep over root.
func (m *Metrics) RecordSweep(ctx context.Context, root string, removed, failed int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(rootAttr(root))
	m.SweepDuration.Record(ctx, durationSeconds, attrs)
	m.SweepRemoved.Add(ctx, int64(removed), attrs)
	if failed > 0 {
		m.SweepErrorsTotal.Add(ctx, int64(failed), attrs)
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
