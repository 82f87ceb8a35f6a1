package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider gives access to the registry holding the engine's metrics,
// so embedders can expose or push them however they like.
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing flowcore metrics.
	Registry() *prometheus.Registry
}
