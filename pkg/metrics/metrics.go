// Package metrics exposes Prometheus instrumentation for the API gateway and
// the run workers.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerMetrics captures dispatch-queue activity inside a worker.
type SchedulerMetrics interface {
	IncDispatched()
	IncDropped(reason string)
	SetQueueDepth(n int)
	SetDelayedDepth(n int)
}

// RunMetrics captures run and step outcomes observed on the run topic.
type RunMetrics interface {
	IncRunStarted(definition string)
	IncRunFinished(status string)
	ObserveRunDuration(seconds float64)
	IncStepFinished(status string)
}

// GatewayMetrics captures request metrics for the HTTP API.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements SchedulerMetrics without emitting anything.
type Noop struct{}

func (Noop) IncDispatched()      {}
func (Noop) IncDropped(string)   {}
func (Noop) SetQueueDepth(int)   {}
func (Noop) SetDelayedDepth(int) {}

// NoopRun implements RunMetrics without emitting anything.
type NoopRun struct{}

func (NoopRun) IncRunStarted(string)       {}
func (NoopRun) IncRunFinished(string)      {}
func (NoopRun) ObserveRunDuration(float64) {}
func (NoopRun) IncStepFinished(string)     {}

type schedulerProm struct {
	dispatched prometheus.Counter
	dropped    *prometheus.CounterVec
	queueDepth prometheus.Gauge
	delayed    prometheus.Gauge
	once       sync.Once
}

// NewSchedulerProm constructs SchedulerMetrics backed by Prometheus
// collectors registered on the default registry.
func NewSchedulerProm(namespace string) SchedulerMetrics {
	s := &schedulerProm{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Step dispatches handed to the worker pool",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_dropped_total",
			Help:      "Dispatches dropped before execution by reason",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Dispatches waiting for a free worker",
		}),
		delayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_delayed_depth",
			Help:      "Retry dispatches waiting out their backoff",
		}),
	}
	s.once.Do(func() {
		prometheus.MustRegister(s.dispatched, s.dropped, s.queueDepth, s.delayed)
	})

	return s
}

func (s *schedulerProm) IncDispatched() {
	s.dispatched.Inc()
}

func (s *schedulerProm) IncDropped(reason string) {
	s.dropped.WithLabelValues(reason).Inc()
}

func (s *schedulerProm) SetQueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

func (s *schedulerProm) SetDelayedDepth(n int) {
	s.delayed.Set(float64(n))
}

type runProm struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration prometheus.Histogram
	steps    *prometheus.CounterVec
	once     sync.Once
}

// NewRunProm constructs RunMetrics backed by Prometheus collectors.
func NewRunProm(namespace string) RunMetrics {
	r := &runProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started by definition",
		}, []string{"definition"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished by terminal status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration from start to terminal state",
			Buckets:   prometheus.DefBuckets,
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Step attempts finished by outcome",
		}, []string{"status"}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.started, r.finished, r.duration, r.steps)
	})

	return r
}

func (r *runProm) IncRunStarted(definition string) {
	r.started.WithLabelValues(definition).Inc()
}

func (r *runProm) IncRunFinished(status string) {
	r.finished.WithLabelValues(status).Inc()
}

func (r *runProm) ObserveRunDuration(seconds float64) {
	r.duration.Observe(seconds)
}

func (r *runProm) IncStepFinished(status string) {
	r.steps.WithLabelValues(status).Inc()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs GatewayMetrics backed by Prometheus collectors.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})

	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
