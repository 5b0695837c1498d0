// Package metrics exposes run, transition, tool and approval metrics for
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const namespace = "backoffice"

// Collector implements the observers of the engine, graph, tool gateway and
// orchestrator.
type Collector struct {
	gatherer prometheus.Gatherer

	runsStarted        prometheus.Counter
	runsFinished       *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	activeRuns         prometheus.Gauge
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	staleCheckpoints   prometheus.Counter
	toolCalls          *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	approvals          *prometheus.CounterVec
}

// NewCollector registers the metrics on reg. A nil reg uses the default
// registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		gatherer: gatherer,
		runsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Runs handed to the graph executor",
			},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs that left the running state, by status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of one graph execution, by resulting status",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Runs currently executing",
			},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "State transitions applied, by name and result",
			},
			[]string{"transition", "result"},
		),
		transitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Transition apply and persist time",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"transition"},
		),
		staleCheckpoints: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_checkpoints_total",
				Help:      "Checkpoint writes rejected as stale",
			},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations, by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool invocation latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"tool"},
		),
		approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Approval requests by resulting status",
			},
			[]string{"status"},
		),
	}
}

func (c *Collector) ObserveRunStarted() {
	c.runsStarted.Inc()
}

func (c *Collector) ObserveRun(status statex.Status, duration time.Duration) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (c *Collector) ObserveStaleCheckpoint() {
	c.staleCheckpoints.Inc()
}

func (c *Collector) ObserveTransition(transition string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.transitions.WithLabelValues(transition, result).Inc()
	c.transitionDuration.WithLabelValues(transition).Observe(duration.Seconds())
}

func (c *Collector) ObserveTool(tool string, outcome string, duration time.Duration) {
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (c *Collector) ObserveApproval(status string) {
	c.approvals.WithLabelValues(status).Inc()
}

func (c *Collector) ActiveRuns(delta int) {
	c.activeRuns.Add(float64(delta))
}

// Handler serves the registry the collector was built on.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
