// Package metrics holds the Prometheus collectors exported by the
// supervisor on /metrics.
package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "warden"

// UnitStates lists every lifecycle state reported by the unit_state gauge.
var UnitStates = []string{"loaded", "starting", "running", "stopping", "stopped", "failed"}

var (
	registry = prometheus.NewRegistry()

	unitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unit_state",
		Help:      "Current lifecycle state of each unit (1 for the active state).",
	}, []string{"unit", "state"})

	unitHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unit_healthy",
		Help:      "Health check result of running units (1=ok, 0=otherwise).",
	}, []string{"unit"})

	unitRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unit_restarts_total",
		Help:      "Total number of restarts scheduled for each unit.",
	}, []string{"unit"})

	hookRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_runs_total",
		Help:      "Lifecycle hook executions by hook and outcome.",
	}, []string{"unit", "hook", "outcome"})

	terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminations_total",
		Help:      "Process group terminations by outcome (terminated, force_killed, error).",
	}, []string{"outcome"})

	ipcCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ipc_call_duration_seconds",
		Help:      "Latency of calls from the supervisor to the launcher.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"op", "result"})

	probeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_latency_seconds",
		Help:      "Latency of health probe executions in seconds.",
	}, []string{"unit"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs_revision", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(
		unitState, unitHealthy, unitRestarts, hookRuns, terminations, ipcCalls, probeLatency, buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetUnitState marks state as the active state of unit.
func SetUnitState(unit, state string) {
	if unit == "" {
		return
	}
	for _, s := range UnitStates {
		value := 0.0
		if s == state {
			value = 1
		}
		unitState.WithLabelValues(unit, s).Set(value)
	}
}

// SetUnitHealthy records the latest health verdict for unit.
func SetUnitHealthy(unit string, ok bool) {
	if unit == "" {
		return
	}
	value := 0.0
	if ok {
		value = 1
	}
	unitHealthy.WithLabelValues(unit).Set(value)
}

// IncUnitRestart counts one scheduled restart.
func IncUnitRestart(unit string) {
	if unit == "" {
		return
	}
	unitRestarts.WithLabelValues(unit).Inc()
}

// ObserveHook counts one hook run.
func ObserveHook(unit, hook, outcome string) {
	hookRuns.WithLabelValues(unit, hook, outcome).Inc()
}

// ObserveTermination counts one group termination.
func ObserveTermination(outcome string) {
	if outcome == "" {
		outcome = "error"
	}
	terminations.WithLabelValues(outcome).Inc()
}

// ObserveIPCCall records the latency of one launcher call.
func ObserveIPCCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ipcCalls.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveProbeLatency records the latency of a health probe.
func ObserveProbeLatency(unit string, d time.Duration) {
	label := unit
	if label == "" {
		label = "unknown"
	}
	probeLatency.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs_revision": "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetUnit drops every series of an unloaded unit.
func ResetUnit(unit string) {
	if unit == "" {
		return
	}
	for _, s := range UnitStates {
		unitState.DeleteLabelValues(unit, s)
	}
	unitHealthy.DeleteLabelValues(unit)
	unitRestarts.DeleteLabelValues(unit)
	probeLatency.DeleteLabelValues(unit)
	hookRuns.DeletePartialMatch(prometheus.Labels{"unit": unit})
}
