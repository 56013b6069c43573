package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/queue"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordEnqueued(queue.PriorityHigh)
	m.RecordEnqueued(queue.PriorityHigh)
	m.RecordEnqueued(queue.PriorityLow)
	m.RecordRejected()
	m.RecordSent(120 * time.Millisecond)
	m.RecordRetried(time.Second)
	m.RecordFailed(2 * time.Second)

	families := gather(t, reg)

	enqueued := families["mailq_enqueued_total"]
	require.NotNil(t, enqueued)
	byPriority := map[string]float64{}
	for _, metric := range enqueued.GetMetric() {
		byPriority[labelValue(metric, "priority")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, byPriority[queue.PriorityHigh.String()])
	assert.Equal(t, 1.0, byPriority[queue.PriorityLow.String()])

	assert.Equal(t, 1.0, families["mailq_invalid_recipient_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["mailq_sent_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["mailq_retried_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["mailq_failed_total"].GetMetric()[0].GetCounter().GetValue())

	durations := families["mailq_send_duration_seconds"]
	require.NotNil(t, durations)
	var samples uint64
	for _, metric := range durations.GetMetric() {
		samples += metric.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(3), samples)
}

func TestMetricsRunsAndDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRun(queue.RunReport{Duration: 50 * time.Millisecond})
	m.RecordRun(queue.RunReport{LockDenied: true})
	m.RecordQueueDepth(queue.StatusCounts{Pending: 4, Sending: 1, Sent: 9, Failed: 2, Total: 16})

	families := gather(t, reg)

	runs := map[string]float64{}
	for _, metric := range families["mailq_runs_total"].GetMetric() {
		runs[labelValue(metric, "result")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"completed": 1, "lock_denied": 1}, runs)

	// denied runs do not observe a duration
	assert.Equal(t, uint64(1), families["mailq_run_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())

	depth := map[string]float64{}
	for _, metric := range families["mailq_queue_items"].GetMetric() {
		depth[labelValue(metric, "status")] = metric.GetGauge().GetValue()
	}
	assert.Equal(t, 4.0, depth["pending"])
	assert.Equal(t, 1.0, depth["sending"])
	assert.Equal(t, 9.0, depth["sent"])
	assert.Equal(t, 2.0, depth["failed"])
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordSent(time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "mailq_sent_total 1")
}
