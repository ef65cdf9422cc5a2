package metrics

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// collectors groups every devstack metric behind one registry so `up
// --metrics-addr` can expose them without touching the global default.
type collectors struct {
	registry *prometheus.Registry

	ready    *prometheus.GaugeVec
	restarts *prometheus.CounterVec
	probes   *prometheus.HistogramVec
	build    *prometheus.GaugeVec

	buildOnce sync.Once
}

var std = newCollectors()

func newCollectors() *collectors {
	c := &collectors{
		registry: prometheus.NewRegistry(),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devstack",
			Name:      "service_ready",
			Help:      "Readiness state of services (1=ready, 0=not ready).",
		}, []string{"service"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devstack",
			Name:      "service_restarts_total",
			Help:      "Total number of restarts initiated for each service.",
		}, []string{"service"}),
		probes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devstack",
			Name:      "probe_latency_seconds",
			Help:      "Latency of readiness probe executions in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),
		build: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devstack",
			Name:      "build_info",
			Help:      "Build metadata for the running devstack binary.",
		}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"}),
	}
	c.registry.MustRegister(c.ready, c.restarts, c.probes, c.build)
	return c
}

// Registry returns the Prometheus registry containing all devstack metrics.
func Registry() *prometheus.Registry {
	return std.registry
}

// SetServiceReady records the readiness state for the provided service.
func SetServiceReady(service string, ready bool) {
	if service == "" {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	std.ready.WithLabelValues(service).Set(value)
}

// AddServiceRestarts increments the restart counter for a service.
func AddServiceRestarts(service string, n int) {
	if service == "" || n <= 0 {
		return
	}
	std.restarts.WithLabelValues(service).Add(float64(n))
}

// IncrementServiceRestart increments the restart counter by one for a service.
func IncrementServiceRestart(service string) {
	AddServiceRestarts(service, 1)
}

// ObserveProbeLatency records the latency of a readiness probe.
func ObserveProbeLatency(service string, d time.Duration) {
	label := service
	if label == "" {
		label = "unknown"
	}
	std.probes.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	std.buildOnce.Do(func() {
		std.build.With(buildLabels()).Set(1)
	})
}

func buildLabels() prometheus.Labels {
	labels := prometheus.Labels{
		"go_version":   "",
		"vcs":          "",
		"vcs_revision": "",
		"vcs_time":     "",
		"vcs_modified": "",
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return labels
	}
	labels["go_version"] = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs":
			labels["vcs"] = setting.Value
		case "vcs.revision":
			labels["vcs_revision"] = setting.Value
		case "vcs.time":
			labels["vcs_time"] = setting.Value
		case "vcs.modified":
			labels["vcs_modified"] = setting.Value
		}
	}
	return labels
}

// ResetService clears all per-service series for a service.
func ResetService(service string) {
	if service == "" {
		return
	}
	std.ready.DeleteLabelValues(service)
	std.restarts.DeleteLabelValues(service)
	std.probes.DeleteLabelValues(service)
}
