package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Sweeps        *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	Executions    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotrader",
				Subsystem: "orders",
				Name:      "transitions_total",
				Help:      "Order status transitions applied",
			},
			[]string{"from", "to"},
		),
		Sweeps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotrader",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Sweep invocations by outcome (ran, skipped, closed)",
			},
			[]string{"outcome"},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "autotrader",
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Wall time of sweeps that ran",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
		),
		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotrader",
				Subsystem: "orders",
				Name:      "executions_total",
				Help:      "Execution attempts by result (executed, failed)",
			},
			[]string{"result"},
		),
	}
}
