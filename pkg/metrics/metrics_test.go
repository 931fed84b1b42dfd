package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()

	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})

	return reg
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}

		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}

	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	found := 0

	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}

	return found == len(labels)
}

func TestNoopMetrics(t *testing.T) {
	var s Noop

	s.IncDispatched()
	s.IncDropped("duplicate")
	s.SetQueueDepth(3)
	s.SetDelayedDepth(1)

	var r NoopRun

	r.IncRunStarted("payments")
	r.IncRunFinished("completed")
	r.ObserveRunDuration(1.5)
	r.IncStepFinished("succeeded")
}

func TestSchedulerProm(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewSchedulerProm("civion")

	m.IncDispatched()
	m.IncDropped("duplicate")
	m.SetQueueDepth(4)
	m.SetDelayedDepth(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.True(t, hasMetric(families, "civion_dispatches_total", nil))
	assert.True(t, hasMetric(families, "civion_dispatches_dropped_total", map[string]string{"reason": "duplicate"}))
	assert.True(t, hasMetric(families, "civion_dispatch_queue_depth", nil))
	assert.True(t, hasMetric(families, "civion_dispatch_delayed_depth", nil))
}

func TestRunProm(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewRunProm("civion")

	m.IncRunStarted("payments")
	m.IncRunFinished("completed")
	m.ObserveRunDuration(0.25)
	m.IncStepFinished("succeeded")

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.True(t, hasMetric(families, "civion_runs_started_total", map[string]string{"definition": "payments"}))
	assert.True(t, hasMetric(families, "civion_runs_finished_total", map[string]string{"status": "completed"}))
	assert.True(t, hasMetric(families, "civion_run_duration_seconds", nil))
	assert.True(t, hasMetric(families, "civion_steps_finished_total", map[string]string{"status": "succeeded"}))
}

func TestGatewayProm(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("civion")

	m.ObserveRequest("POST", "/runs", "202", 0.01)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.True(t, hasMetric(families, "civion_http_requests_total",
		map[string]string{"method": "POST", "route": "/runs", "status": "202"}))
	assert.True(t, hasMetric(families, "civion_http_request_duration_seconds",
		map[string]string{"method": "POST", "route": "/runs"}))
}

func TestHandlerServesMetrics(t *testing.T) {
	withTestRegistry(t)

	m := NewSchedulerProm("civion")
	m.IncDispatched()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, rec.Body.Len())
}
