// Package observability holds the Prometheus metrics, OpenTelemetry
// tracing and HTTP instrumentation shared by the server and workers.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. It uses a custom registry, and
// every method is safe on a nil receiver so collaborators can run
// uninstrumented in tests.
type Metrics struct {
	Registry *prometheus.Registry

	LessonsCreated   prometheus.Counter
	PipelineRuns     *prometheus.CounterVec
	PipelineStep     *prometheus.HistogramVec
	ActiveRuns       prometheus.Gauge
	Generations      *prometheus.CounterVec
	GenerationTokens *prometheus.CounterVec
	SandboxOps       *prometheus.CounterVec
	StartFailures    prometheus.Counter
	SandboxesReaped  prometheus.Counter
	JobsEnqueued     *prometheus.CounterVec
	TriggersDropped  *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

const namespace = "lessonforge"

// NewMetrics creates Metrics registered on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		LessonsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lessons", Name: "created_total",
			Help: "Lessons created.",
		}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_total",
			Help: "Pipeline runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		PipelineStep: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "step_duration_seconds",
			Help:    "Pipeline step duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"step"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "active_runs",
			Help: "Pipeline runs in progress.",
		}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generator", Name: "requests_total",
			Help: "Generation requests by status.",
		}, []string{"status"}),
		GenerationTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generator", Name: "tokens_total",
			Help: "Tokens consumed by generation.",
		}, []string{"model", "direction"}),
		SandboxOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "operations_total",
			Help: "Sandbox operations by kind and status.",
		}, []string{"op", "status"}),
		StartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "start_failures_total",
			Help: "Detached dev server starts that failed.",
		}),
		SandboxesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "reaped_total",
			Help: "Expired sandboxes removed by the reaper.",
		}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "enqueued_total",
			Help: "Events handed to the job queue.",
		}, []string{"event", "status"}),
		TriggersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "debounced_total",
			Help: "Triggers rejected by the debounce window.",
		}, []string{"event"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "HTTP requests in flight.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LessonsCreated, m.PipelineRuns, m.PipelineStep, m.ActiveRuns,
		m.Generations, m.GenerationTokens,
		m.SandboxOps, m.StartFailures, m.SandboxesReaped,
		m.JobsEnqueued, m.TriggersDropped,
		m.HTTPRequests, m.HTTPRequestDuration, m.ActiveRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) LessonCreated() {
	if m == nil {
		return
	}
	m.LessonsCreated.Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.PipelineRuns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) StepDuration(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineStep.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) Generation(status, model string, promptTokens, completionTokens int64) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(status).Inc()
	if model != "" {
		m.GenerationTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		m.GenerationTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) SandboxOp(op string, err error) {
	if m == nil {
		return
	}
	m.SandboxOps.WithLabelValues(op, statusLabel(err)).Inc()
}

func (m *Metrics) StartFailed() {
	if m == nil {
		return
	}
	m.StartFailures.Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil {
		return
	}
	m.SandboxesReaped.Add(float64(n))
}

func (m *Metrics) JobEnqueued(event string, err error) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(event, statusLabel(err)).Inc()
}

func (m *Metrics) TriggerDebounced(event string) {
	if m == nil {
		return
	}
	m.TriggersDropped.WithLabelValues(event).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
