package coordinator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a per-coordinator registry so several
// coordinators can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	WorkUnitsAssigned  prometheus.Counter
	TargetsAssigned    prometheus.Counter
	TargetsFinished    prometheus.Counter
	TargetsOutstanding prometheus.Gauge
	Requests           *prometheus.CounterVec
	EmptyPolls         prometheus.Counter
}

func NewMetrics(sessionID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"session": sessionID}

	return &Metrics{
		registry: reg,
		WorkUnitsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name:        "stampede_work_units_assigned_total",
			Help:        "Work units handed to minions.",
			ConstLabels: labels,
		}),
		TargetsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name:        "stampede_targets_assigned_total",
			Help:        "Targets handed to minions inside work units.",
			ConstLabels: labels,
		}),
		TargetsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name:        "stampede_targets_finished_total",
			Help:        "Targets reported finished for the first time.",
			ConstLabels: labels,
		}),
		TargetsOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "stampede_targets_outstanding",
			Help:        "Targets not yet finished.",
			ConstLabels: labels,
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "stampede_requests_total",
			Help:        "Coordinator requests by command.",
			ConstLabels: labels,
		}, []string{"command"}),
		EmptyPolls: factory.NewCounter(prometheus.CounterOpts{
			Name:        "stampede_empty_polls_total",
			Help:        "request_work_units calls that returned no work.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
