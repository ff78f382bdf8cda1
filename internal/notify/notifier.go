// Package notify delivers job lifecycle CloudEvents to a callback URL.
// Events are queued in a bounded channel and delivered by a worker pool
// with retry and a circuit breaker on the destination host. If the buffer
// is full, events are dropped (logged + metric incremented).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/pkg/backoff"
	"github.com/szytwo/facefusion/pkg/circuitbreaker"
	"github.com/szytwo/facefusion/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("notifier buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("notifier is closed")
)

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Stats holds delivery statistics.
type Stats struct {
	QueueDepth   int   `json:"queueDepth"`
	Queued       int64 `json:"queued"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Requeued     int64 `json:"requeued"`
	RetriesTotal int64 `json:"retriesTotal"`
	BreakersOpen int   `json:"breakersOpen"`
}

type delivery struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// Notifier is an in-memory async event sender.
type Notifier struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   Config
	host     string
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ job.Notifier = (*Notifier)(nil)

// New creates a Notifier and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:  make(chan *delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout, "facefusion-notify"),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		host:     extractHost(cfg.URL),
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "destination", n.host, "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Dispatch queues event for delivery. Events outside the configured filter
// are skipped without error.
func (n *Notifier) Dispatch(event *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !job.FilteredEvents(event.Type, n.config.Events) {
		return nil
	}

	select {
	case n.queue <- &delivery{event: event}:
		n.queued.Add(1)
		return nil
	default:
		n.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: n.breakers.Stats().Open,
	}
}

// Ready reports an error while the callback destination's circuit is open.
func (n *Notifier) Ready(_ context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.breakers.Get(n.host).State() == circuitbreaker.Open {
		return fmt.Errorf("callback destination %s is unreachable", n.host)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline controls how long to wait for drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

// deliver sends one event with retry. A delivery rejected by the open
// breaker is requeued after the cooldown.
func (n *Notifier) deliver(d *delivery) {
	breaker := n.breakers.Get(n.host)

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := breaker.Do(func() error { return n.sendWithRetry(ctx, d.event) }, func(err error) bool {
		return !cloudevent.IsClientError(err)
	})
	switch {
	case err == nil:
		n.delivered.Add(1)
		if n.metrics != nil {
			n.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		n.requeue(d)
	default:
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordDispatcherFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", n.host, "type", d.event.Type, "jobId", d.event.Subject, "error", err)
	}
}

func (n *Notifier) requeue(d *delivery) {
	if d.requeues >= defaultMaxRequeues {
		n.drop(d.event, "max requeues reached")
		return
	}

	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.config.BreakerCooldown):
		}

		select {
		case n.queue <- d:
			n.logger.Debug("Event requeued", "type", d.event.Type, "requeues", d.requeues)
		case <-n.shutdown:
		default:
			n.drop(d.event, "buffer full on requeue")
		}
	}()
}

func (n *Notifier) drop(event *cloudevent.CloudEvent, reason string) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordDispatcherDropped(context.Background())
	}
	n.logger.Warn("Event dropped", "reason", reason, "destination", n.host, "type", event.Type, "jobId", event.Subject)
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	return backoff.Retry(ctx, &n.config.Retry, func(attempt int) error {
		if attempt > 1 {
			n.retriesTotal.Add(1)
		}
		err := n.sender.Send(ctx, n.config.URL, event, n.config.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
