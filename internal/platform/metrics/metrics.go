// Package metrics registers the Prometheus instruments for the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	BodiesRegistered     prometheus.Counter
	BodiesVerified       prometheus.Counter
	StorageAssignments   prometheus.Counter
	StorageReassignments prometheus.Counter
	BodiesReleased       prometheus.Counter
	AllocationConflicts  prometheus.Counter
	DegradedIDs          prometheus.Counter
	OperationDuration    *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers on a caller-supplied registerer so tests can isolate.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BodiesRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_bodies_registered_total",
			Help: "Total number of bodies registered.",
		}),
		BodiesVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_bodies_verified_total",
			Help: "Total number of verification events recorded.",
		}),
		StorageAssignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_storage_assignments_total",
			Help: "Total number of first-time storage assignments.",
		}),
		StorageReassignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_storage_reassignments_total",
			Help: "Total number of unit-to-unit reassignments.",
		}),
		BodiesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_bodies_released_total",
			Help: "Total number of bodies released with an exit record.",
		}),
		AllocationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_allocation_conflicts_total",
			Help: "Total number of rejected assignments due to occupancy conflicts.",
		}),
		DegradedIDs: factory.NewCounter(prometheus.CounterOpts{
			Name: "morguetrack_degraded_registration_numbers_total",
			Help: "Total number of registration numbers issued via the random fallback.",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "morguetrack_operation_duration_seconds",
			Help:    "Latency of lifecycle operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// ObserveOperation records one operation's latency.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
