package metrics

import (
	"github.com/marmos91/flashfs/pkg/fs"
)

// NewFSMetrics returns a Prometheus-backed fs.Metrics, or nil when metrics
// are disabled or no implementation has been linked in.
//
// Example usage:
//
//	import _ "github.com/marmos91/flashfs/pkg/metrics/prometheus"
//
//	metrics.InitRegistry()
//	fsys, err := fs.Mount(dev, fs.Options{Metrics: metrics.NewFSMetrics()})
func NewFSMetrics() fs.Metrics {
	if !IsEnabled() || newPrometheusFSMetrics == nil {
		return nil
	}
	return newPrometheusFSMetrics()
}

// newPrometheusFSMetrics is set by pkg/metrics/prometheus. The indirection
// avoids an import cycle between the registry and the implementation.
var newPrometheusFSMetrics func() fs.Metrics

// RegisterFSMetricsConstructor registers the Prometheus fs metrics
// constructor. Called by pkg/metrics/prometheus during initialization.
func RegisterFSMetricsConstructor(constructor func() fs.Metrics) {
	newPrometheusFSMetrics = constructor
}
