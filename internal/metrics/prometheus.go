// Package metrics exposes queue activity to Prometheus and keeps shared
// delivery counters in Redis.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/mailq/internal/queue"
)

// Metrics holds all Prometheus metrics for the queue
type Metrics struct {
	registry prometheus.Gatherer

	// Enqueue metrics
	Enqueued          *prometheus.CounterVec
	InvalidRecipients prometheus.Counter

	// Delivery metrics
	Sent         prometheus.Counter
	Retried      prometheus.Counter
	Failed       prometheus.Counter
	SendDuration *prometheus.HistogramVec

	// Dispatcher metrics
	RunDuration prometheus.Histogram
	RunsTotal   *prometheus.CounterVec
	QueueItems  *prometheus.GaugeVec
}

// Ensure Metrics implements queue.MetricsRecorder
var _ queue.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates and registers all metrics on reg. Passing a fresh
// registry keeps tests independent of the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailq_enqueued_total",
			Help: "Items accepted into the queue by priority",
		}, []string{"priority"}),
		InvalidRecipients: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailq_invalid_recipient_total",
			Help: "Enqueue calls rejected for a malformed recipient",
		}),
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailq_sent_total",
			Help: "Items accepted by the transport",
		}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailq_retried_total",
			Help: "Failed attempts that were rescheduled",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailq_failed_total",
			Help: "Items that exhausted their attempts",
		}),
		SendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailq_send_duration_seconds",
			Help:    "Time spent in the transport per attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailq_run_duration_seconds",
			Help:    "Wall time of dispatcher runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailq_runs_total",
			Help: "Dispatcher runs by result",
		}, []string{"result"}),
		QueueItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailq_queue_items",
			Help: "Items in the queue by status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEnqueued implements queue.MetricsRecorder
func (m *Metrics) RecordEnqueued(priority queue.Priority) {
	m.Enqueued.WithLabelValues(priority.String()).Inc()
}

// RecordRejected implements queue.MetricsRecorder
func (m *Metrics) RecordRejected() {
	m.InvalidRecipients.Inc()
}

// RecordSent implements queue.MetricsRecorder
func (m *Metrics) RecordSent(d time.Duration) {
	m.Sent.Inc()
	m.SendDuration.WithLabelValues("success").Observe(d.Seconds())
}

// RecordRetried implements queue.MetricsRecorder
func (m *Metrics) RecordRetried(d time.Duration) {
	m.Retried.Inc()
	m.SendDuration.WithLabelValues("failure").Observe(d.Seconds())
}

// RecordFailed implements queue.MetricsRecorder
func (m *Metrics) RecordFailed(d time.Duration) {
	m.Failed.Inc()
	m.SendDuration.WithLabelValues("failure").Observe(d.Seconds())
}

// RecordRun implements queue.MetricsRecorder
func (m *Metrics) RecordRun(report queue.RunReport) {
	switch {
	case report.LockDenied:
		m.RunsTotal.WithLabelValues("lock_denied").Inc()
		return
	case report.Cancelled:
		m.RunsTotal.WithLabelValues("cancelled").Inc()
	default:
		m.RunsTotal.WithLabelValues("completed").Inc()
	}
	m.RunDuration.Observe(report.Duration.Seconds())
}

// RecordQueueDepth implements queue.MetricsRecorder
func (m *Metrics) RecordQueueDepth(counts queue.StatusCounts) {
	m.QueueItems.WithLabelValues(string(queue.StatusPending)).Set(float64(counts.Pending))
	m.QueueItems.WithLabelValues(string(queue.StatusSending)).Set(float64(counts.Sending))
	m.QueueItems.WithLabelValues(string(queue.StatusSent)).Set(float64(counts.Sent))
	m.QueueItems.WithLabelValues(string(queue.StatusFailed)).Set(float64(counts.Failed))
}
