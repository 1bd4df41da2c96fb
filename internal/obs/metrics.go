package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the scheduler's own operational counters and gauges,
// filling the gap the platform's shared otelinit leaves for a local
// pull-based /metrics endpoint (its push-only OTLP exporter has no
// analogue here since a scheduler run has no separate collector to push
// to by default).
type Metrics struct {
	registry *prometheus.Registry

	tasksSpawned    prometheus.Counter
	tasksSucceeded  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksSubmitted  prometheus.Counter
	submissionRetries prometheus.Counter
	handlerFailures prometheus.Counter

	poolSize      prometheus.Gauge
	runaheadEdge  prometheus.Gauge
	stalled       prometheus.Gauge

	tickDuration prometheus.Histogram
}

// NewMetrics builds and registers every instrument on a fresh registry
// (never the global DefaultRegisterer, so multiple scheduler instances in
// one test binary don't collide).
func NewMetrics(workflow string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"workflow": workflow}

	m := &Metrics{
		registry: reg,
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_tasks_spawned_total",
			Help:        "Total task instances spawned into the pool.",
			ConstLabels: labels,
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_tasks_succeeded_total",
			Help:        "Total task instances that reached the succeeded state.",
			ConstLabels: labels,
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_tasks_failed_total",
			Help:        "Total task instances that reached the failed state.",
			ConstLabels: labels,
		}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_tasks_submitted_total",
			Help:        "Total job submission attempts dispatched to a runner.",
			ConstLabels: labels,
		}),
		submissionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_submission_retries_total",
			Help:        "Total submission retries due to transient runner errors.",
			ConstLabels: labels,
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_event_handler_failures_total",
			Help:        "Total event handler invocations that exhausted their retries.",
			ConstLabels: labels,
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "flowcore_pool_size",
			Help:        "Current number of live task instances in the pool.",
			ConstLabels: labels,
		}),
		runaheadEdge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "flowcore_runahead_edge",
			Help:        "1 if the pool is at its runahead limit, else 0.",
			ConstLabels: labels,
		}),
		stalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "flowcore_stalled",
			Help:        "1 if the scheduler's main loop currently considers the workflow stalled.",
			ConstLabels: labels,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "flowcore_tick_duration_seconds",
			Help:        "Wall-clock duration of one main loop tick.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.tasksSpawned, m.tasksSucceeded, m.tasksFailed, m.tasksSubmitted,
		m.submissionRetries, m.handlerFailures,
		m.poolSize, m.runaheadEdge, m.stalled, m.tickDuration,
	)
	return m
}

func (m *Metrics) RecordSpawn()             { m.tasksSpawned.Inc() }
func (m *Metrics) RecordSucceeded()         { m.tasksSucceeded.Inc() }
func (m *Metrics) RecordFailed()            { m.tasksFailed.Inc() }
func (m *Metrics) RecordSubmitted()         { m.tasksSubmitted.Inc() }
func (m *Metrics) RecordSubmissionRetry()   { m.submissionRetries.Inc() }
func (m *Metrics) RecordHandlerFailure()    { m.handlerFailures.Inc() }
func (m *Metrics) SetPoolSize(n int)        { m.poolSize.Set(float64(n)) }
func (m *Metrics) SetStalled(stalled bool)  { m.stalled.Set(boolFloat(stalled)) }
func (m *Metrics) SetAtRunaheadEdge(v bool) { m.runaheadEdge.Set(boolFloat(v)) }
func (m *Metrics) ObserveTick(seconds float64) { m.tickDuration.Observe(seconds) }

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the promhttp handler for this registry; Serve mounts it
// at /metrics on its own HTTP server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a dedicated /metrics HTTP server bound to addr, blocking
// until the server stops; callers typically run it in a goroutine.
func Serve(addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("obs: metrics server: %w", err)
	}
	return nil
}
