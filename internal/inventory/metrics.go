package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes ledger counters. A nil *Metrics records nothing.
type Metrics struct {
	movements  *prometheus.CounterVec
	importRuns *prometheus.CounterVec
}

// NewMetrics registers the inventory collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_inventory_movements_total",
		Help: "Stock movements partitioned by movement type and outcome.",
	}, []string{"type", "outcome"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_inventory_import_runs_total",
		Help: "Staging import runs partitioned by status.",
	}, []string{"status"})
	registerer.MustRegister(movements, runs)
	return &Metrics{movements: movements, importRuns: runs}
}

func (m *Metrics) observeMovement(t MovementType, outcome string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(t.String(), outcome).Inc()
}

func (m *Metrics) observeRun(status ImportRunStatus) {
	if m == nil {
		return
	}
	m.importRuns.WithLabelValues(string(status)).Inc()
}
