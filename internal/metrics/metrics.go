package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of completed restart requests.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of explicit stops.",
		}, []string{"name"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of observed worker exits.",
		}, []string{"name"},
	)
	workerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Lifecycle errors by kind (spawn, pidfile, signal, stale_pid, timeout).",
		}, []string{"name", "kind"},
	)
	terminateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "terminate_duration_seconds",
			Help:      "Time from termination request to observed exit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between controller states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devrun",
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current controller state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devrun",
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Build task executions by task and result.",
		}, []string{"task", "result"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devrun",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Build task execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerRestarts, workerStops, workerExits, workerErrors,
		terminateDuration, stateTransitions, currentStates, taskRuns, taskDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func IncExit(name string) {
	if regOK.Load() {
		workerExits.WithLabelValues(name).Inc()
	}
}

func IncError(name, kind string) {
	if regOK.Load() {
		workerErrors.WithLabelValues(name, kind).Inc()
	}
}

func ObserveTerminate(name string, seconds float64) {
	if regOK.Load() {
		terminateDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(name, state).Set(v)
	}
}

func ObserveTask(task string, seconds float64, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		taskRuns.WithLabelValues(task, result).Inc()
		taskDuration.WithLabelValues(task).Observe(seconds)
	}
}
