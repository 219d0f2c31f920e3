// Package metrics: exposition endpoint for GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EndpointConfig controls what the exposition handler gathers in addition
// to the metrics registered by a MetricsRegistry (which live on
// prometheus.DefaultRegisterer via promauto).
type EndpointConfig struct {
	// EnableGoRuntime registers Go runtime metrics (goroutines, GC, memstats).
	EnableGoRuntime bool
	// EnableProcess registers process metrics (open fds, RSS, CPU seconds).
	EnableProcess bool
}

// DefaultEndpointConfig returns the control plane's standard exposition
// config: both collectors on.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		EnableGoRuntime: true,
		EnableProcess:   true,
	}
}

// NewMetricsEndpointHandler builds the GET /metrics handler. The
// MetricsRegistry parameter is accepted for call-site symmetry with the
// rest of internal/api's constructors, but its metrics are already on
// prometheus.DefaultGatherer (promauto registers there by default) and
// need no separate wiring here.
func NewMetricsEndpointHandler(config EndpointConfig, _ *MetricsRegistry) (http.Handler, error) {
	runtimeRegistry := prometheus.NewRegistry()
	if config.EnableGoRuntime {
		runtimeRegistry.MustRegister(prometheus.NewGoCollector())
	}
	if config.EnableProcess {
		runtimeRegistry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	gatherer := prometheus.Gatherers{prometheus.DefaultGatherer, runtimeRegistry}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}), nil
}
