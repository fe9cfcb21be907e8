package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inga",
			Subsystem: "reconciler",
			Name:      "reconciliations_total",
			Help:      "Completed reconciliation passes by service and outcome.",
		}, []string{"service", "outcome"},
	)
	pulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inga",
			Subsystem: "daemon",
			Name:      "image_pulls_total",
			Help:      "Image pulls by repository and result.",
		}, []string{"repository", "result"},
	)
	cacheSyncPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inga",
			Subsystem: "cache_sync",
			Name:      "percent",
			Help:      "Progress of the running dependency cache sync.",
		},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inga",
			Subsystem: "orchestrator",
			Name:      "install_duration_seconds",
			Help:      "Duration of install calls.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"},
	)
	restartCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inga",
			Subsystem: "restart",
			Name:      "cycles_total",
			Help:      "Finished clear-and-restart cycles by final state.",
		}, []string{"state"},
	)
	restartStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inga",
			Subsystem: "restart",
			Name:      "stop_requests_total",
			Help:      "Stop requests issued to the analysis server by restart cycles.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		reconciliations, pulls, cacheSyncPercent, installDuration, restartCycles, restartStops,
	}
	for _, c := range collectors {
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

// Handler returns an http.Handler that serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveReconcile(service, outcome string) {
	reconciliations.WithLabelValues(service, outcome).Inc()
}

func ObservePull(repository string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pulls.WithLabelValues(repository, result).Inc()
}

func SetCacheSyncPercent(p int) { cacheSyncPercent.Set(float64(p)) }

func ObserveInstall(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	installDuration.WithLabelValues(result).Observe(d.Seconds())
}

func ObserveRestartCycle(state string) { restartCycles.WithLabelValues(state).Inc() }

func IncRestartStop() { restartStops.Inc() }
