// Package metrics exposes the orchestrator's prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"suiterunner/internal/models"
)

const Namespace = "suiterunner"

// GateStats reports the current occupancy of the concurrency gate
type GateStats func() (maxConcurrency, running, queued int)

type Metrics struct {
	registry *prometheus.Registry

	runsSubmitted    prometheus.Counter
	runsFinished     *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	logLines         *prometheus.CounterVec
	subscriberDrops  prometheus.Counter
	executionFaults  prometheus.Counter
	orphansRecovered prometheus.Counter
}

// New registers every instrument on a fresh registry. stats may be nil.
func New(stats GateStats) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		runsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_submitted_total",
			Help:      "Number of runs accepted for execution",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_finished_total",
			Help:      "Number of runs that reached a terminal state",
		}, []string{"status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Time between the start and the end of a run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "run_transitions_total",
			Help:      "Run state transitions",
		}, []string{"from", "to"}),
		logLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "log_lines_total",
			Help:      "Log lines captured from executions",
		}, []string{"stream"}),
		subscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "log_subscribers_dropped_total",
			Help:      "Log subscribers dropped for exceeding their buffer",
		}),
		executionFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "execution_faults_total",
			Help:      "Runs failed because output capture or persistence broke",
		}),
		orphansRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "orphaned_runs_total",
			Help:      "Runs found running at startup and reconciled to failed",
		}),
	}

	if stats != nil {
		gauge := func(name, help string, pick func(maxConcurrency, running, queued int) int) {
			factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help}, func() float64 {
				return float64(pick(stats()))
			})
		}
		gauge("max_concurrency", "Configured bound of simultaneously running runs",
			func(max, _, _ int) int { return max })
		gauge("runs_running", "Runs currently holding an execution slot",
			func(_, running, _ int) int { return running })
		gauge("runs_queued", "Runs waiting for an execution slot",
			func(_, _, queued int) int { return queued })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunSubmitted() {
	m.runsSubmitted.Inc()
}

// Transition records a state change and, for terminal ones, the outcome and duration
func (m *Metrics) Transition(prev, next models.Run) {
	m.transitions.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
	if !next.Status.IsTerminal() {
		return
	}

	m.runsFinished.WithLabelValues(string(next.Status)).Inc()
	if next.StartedAt.Valid && next.EndedAt.Valid {
		m.runDuration.WithLabelValues(string(next.Status)).Observe(next.EndedAt.Time.Sub(next.StartedAt.Time).Seconds())
	}
}

func (m *Metrics) LogLine(line models.LogLine) {
	m.logLines.WithLabelValues(string(line.Stream)).Inc()
}

func (m *Metrics) SubscriberDropped(string) {
	m.subscriberDrops.Inc()
}

func (m *Metrics) ExecutionFault() {
	m.executionFaults.Inc()
}

func (m *Metrics) OrphansRecovered(n int) {
	m.orphansRecovered.Add(float64(n))
}
