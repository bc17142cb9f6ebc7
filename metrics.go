package offline

import "github.com/prometheus/client_golang/prometheus"

// Fetch outcomes.
const (
	outcomeBypass             = "bypass"
	outcomeCacheHit           = "cache_hit"
	outcomeNetwork            = "network"
	outcomeNetworkNotOK       = "network_not_ok"
	outcomeNetworkPartial     = "network_partial"
	outcomeNavigationFallback = "navigation_fallback"
	outcomeOffline            = "offline"
)

// Revalidation results.
const (
	revalidationUpdated  = "updated"
	revalidationFailed   = "failed"
	revalidationRejected = "rejected"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	fetches            *prometheus.CounterVec
	revalidations      *prometheus.CounterVec
	lifecycle          *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	messages           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_worker",
				Name:      "fetches_total",
				Help:      "Intercepted and bypassed fetches by outcome",
			},
			[]string{"outcome"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_worker",
				Name:      "revalidations_total",
				Help:      "Background revalidations of cached entries by result",
			},
			[]string{"result"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_worker",
				Name:      "lifecycle_transitions_total",
				Help:      "Install and activate transitions by result",
			},
			[]string{"phase", "result"},
		),
		generationsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offline_worker",
				Name:      "generations_deleted_total",
				Help:      "Stale cache generations deleted during activation",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_worker",
				Name:      "client_messages_total",
				Help:      "Messages posted to clients by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.fetches, m.revalidations, m.lifecycle, m.generationsDeleted, m.messages)
	}
	return m
}

func (m *Metrics) fetch(outcome string) {
	m.fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) revalidation(result string) {
	m.revalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) transition(phase string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.lifecycle.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) message(err error) {
	result := "delivered"
	if err != nil {
		result = "dropped"
	}
	m.messages.WithLabelValues(result).Inc()
}
