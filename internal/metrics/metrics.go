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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of spawn attempts per service.",
		}, []string{"service"},
	)
	serviceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "retries_total",
			Help:      "Number of startup retries after a failed spawn or readiness wait.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops, labeled by whether a kill was needed.",
		}, []string{"service", "forced"},
	)
	serviceReadyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "ready_duration_seconds",
			Help:      "Time from the first spawn attempt until the service was ready.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"service"},
	)
	portConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "ports",
			Name:      "conflicts_total",
			Help:      "Number of times a desired port was unusable and an alternative was searched.",
		}, []string{"service"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Children whose output closed before a stop was requested.",
		}, []string{"service"},
	)
	startupTotal = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackup",
			Subsystem: "startup",
			Name:      "duration_seconds",
			Help:      "Duration of a full StartServices run.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current supervisor state of services (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRetries, serviceStops, serviceReadyDuration,
		portConflicts, unexpectedExits, startupTotal, stateTransitions, currentStates,
		cpuPercent, memoryRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncRetry(service string) {
	if regOK.Load() {
		serviceRetries.WithLabelValues(service).Inc()
	}
}

func IncStop(service string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		serviceStops.WithLabelValues(service, f).Inc()
	}
}

func ObserveReadyDuration(service string, seconds float64) {
	if regOK.Load() {
		serviceReadyDuration.WithLabelValues(service).Observe(seconds)
	}
}

func IncPortConflict(service string) {
	if regOK.Load() {
		portConflicts.WithLabelValues(service).Inc()
	}
}

func IncUnexpectedExit(service string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(service).Inc()
	}
}

// ObserveStartup records a whole StartServices run.
func ObserveStartup(seconds float64, success bool) {
	if regOK.Load() {
		result := "failure"
		if success {
			result = "success"
		}
		startupTotal.WithLabelValues(result).Observe(seconds)
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetCurrentState(service, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(service, state).Set(value)
	}
}
