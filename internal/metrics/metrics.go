package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	poolProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "pool",
			Name:      "processes",
			Help:      "Live worker processes per pool.",
		}, []string{"pool"},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of worker processes spawned, including respawns.",
		}, []string{"pool"},
	)
	workerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"pool"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of worker exits by exit status.",
		}, []string{"pool", "status"},
	)
	workerForcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "worker",
			Name:      "forced_kills_total",
			Help:      "Workers killed after the forced stop/reload grace period.",
		}, []string{"pool"},
	)
	poolReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "pool",
			Name:      "reloads_total",
			Help:      "Number of reload requests applied to a pool.",
		}, []string{"pool"},
	)
	supervisorStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "supervisor",
			Name:      "status",
			Help:      "Current supervisor status (1 = active status, 0 = inactive).",
		}, []string{"status"},
	)
)

var statuses = []string{"starting", "running", "reloading", "shutting_down"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{poolProcesses, workerSpawns, workerSpawnFailures, workerExits, workerForcedKills, poolReloads, supervisorStatus}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(pool string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(pool).Inc()
	}
}
func IncSpawnFailure(pool string) {
	if regOK.Load() {
		workerSpawnFailures.WithLabelValues(pool).Inc()
	}
}
func IncExit(pool string, status int) {
	if regOK.Load() {
		workerExits.WithLabelValues(pool, strconv.Itoa(status)).Inc()
	}
}
func IncForcedKill(pool string) {
	if regOK.Load() {
		workerForcedKills.WithLabelValues(pool).Inc()
	}
}
func IncReload(pool string) {
	if regOK.Load() {
		poolReloads.WithLabelValues(pool).Inc()
	}
}
func SetProcesses(pool string, n int) {
	if regOK.Load() {
		poolProcesses.WithLabelValues(pool).Set(float64(n))
	}
}

// SetSupervisorStatus marks current as the active status and clears the rest.
func SetSupervisorStatus(current string) {
	if !regOK.Load() {
		return
	}
	for _, s := range statuses {
		var value float64 = 0
		if s == current {
			value = 1
		}
		supervisorStatus.WithLabelValues(s).Set(value)
	}
}
