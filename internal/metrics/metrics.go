// Package metrics exposes Prometheus counters for lookups and runs.
//
// Every Metrics value owns its own registry, so tests and concurrent engines
// never collide on the global Prometheus registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nao1215/astrace/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "astrace"

// Cache lookup outcomes.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	// CacheLookups counts address lookups by outcome (hit, miss, shared).
	CacheLookups *prometheus.CounterVec

	// RemoteRequests counts lookup service requests by operation and status.
	RemoteRequests *prometheus.CounterVec

	// Diagnostics counts contained failures by kind.
	Diagnostics *prometheus.CounterVec

	// Paths counts final paths by outcome (successful, failed).
	Paths *prometheus.CounterVec

	// RunDuration measures engine runs by status.
	RunDuration *prometheus.HistogramVec
}

// New creates metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ascache",
			Name:      "lookups_total",
			Help:      "IP to AS lookups by outcome",
		}, []string{"result"}),
		RemoteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "requests_total",
			Help:      "Requests sent to the lookup service by operation and status",
		}, []string{"operation", "status"}),
		Diagnostics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "diagnostics_total",
			Help:      "Contained failures by kind",
		}, []string{"kind"}),
		Paths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "paths_total",
			Help:      "Final AS paths by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of engine runs",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddCacheLookups adds n lookups with the given outcome.
func (m *Metrics) AddCacheLookups(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheLookups.WithLabelValues(result).Add(float64(n))
}

// ObserveRequest records one request to the lookup service.
func (m *Metrics) ObserveRequest(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RemoteRequests.WithLabelValues(operation, status).Inc()
}

// ObserveResult records the diagnostics, final paths and duration of a run.
func (m *Metrics) ObserveResult(r *model.Result) {
	if m == nil || r == nil {
		return
	}
	d := r.Diagnostics
	m.Diagnostics.WithLabelValues("unresolved_coordinates").Add(float64(d.UnresolvedCoordinates))
	m.Diagnostics.WithLabelValues("unanchored_paths").Add(float64(d.UnanchoredPaths))
	m.Diagnostics.WithLabelValues("relationship_failures").Add(float64(d.RelationshipFailures))
	m.Diagnostics.WithLabelValues("failed_uploads").Add(float64(d.FailedUploads))

	for _, p := range r.PathsStep4 {
		outcome := "successful"
		if !p.IsSuccessful() {
			outcome = "failed"
		}
		m.Paths.WithLabelValues(outcome).Inc()
	}

	if !r.Cached {
		m.RunDuration.WithLabelValues(r.Status.String()).Observe(r.Duration().Seconds())
	}
}

// ObserveDuration records a run duration directly.
func (m *Metrics) ObserveDuration(status model.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(status.String()).Observe(d.Seconds())
}

// WriteTextfile writes all metrics in the node exporter textfile format.
// Missing parent directories are created.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
