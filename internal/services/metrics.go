package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gymhealth"

// Metrics holds the Prometheus collectors of the checkout service and worker
type Metrics struct {
	CheckoutOutcomes *prometheus.CounterVec
	NavigationEvents *prometheus.CounterVec
	CheckoutDuration *prometheus.HistogramVec
	ActiveCheckouts  prometheus.Gauge
	TaskRuns         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "outcomes_total",
			Help:      "Checkouts that reached a terminal status.",
		}, []string{"method", "status", "reason"}),
		NavigationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "navigation_events_total",
			Help:      "Navigation events reported by the embedded browser, by matched rule.",
		}, []string{"method", "rule"}),
		CheckoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "duration_seconds",
			Help:      "Time from checkout start to its terminal status.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"method", "status"}),
		ActiveCheckouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkout",
			Name:      "active",
			Help:      "Checkouts with a live interpreter.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "task_runs_total",
			Help:      "Scheduled task executions.",
		}, []string{"task", "status"}),
	}
	reg.MustRegister(m.CheckoutOutcomes, m.NavigationEvents, m.CheckoutDuration, m.ActiveCheckouts, m.TaskRuns)
	return m
}
