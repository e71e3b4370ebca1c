// Package metrics holds the Prometheus registry and the collector
// interfaces the core components report into. Metrics are optional: when
// InitRegistry has not been called the constructors return nil and every
// recording method on a nil receiver is a no-op, so disabled metrics cost
// nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry *prometheus.Registry

// InitRegistry creates the process registry with the standard Go and
// process collectors. Call once at startup, before any New*Metrics call.
func InitRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	return registry != nil
}

// GetRegistry returns the process registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Handler returns the /metrics HTTP handler for the process registry.
func Handler() http.Handler {
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
