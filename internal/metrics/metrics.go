// Package metrics holds the Prometheus collectors for webhook intake and
// reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	registry *prometheus.Registry

	Deliveries    *prometheus.CounterVec
	Reconciled    *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	Signatures    *prometheus.CounterVec
	SideEffects   *prometheus.CounterVec
}

// New builds a Metrics with its own registry, including process and Go
// runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscriptions",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by provider and result (accepted, rejected, replayed, failed).",
		}, []string{"provider", "result"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscriptions",
			Name:      "reconciled_facts_total",
			Help:      "Reconciled facts by provider, kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscriptions",
			Name:      "receipt_verifications_total",
			Help:      "Client receipt verifications by device and result.",
		}, []string{"device", "result"}),
		Signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscriptions",
			Name:      "offer_signatures_total",
			Help:      "Promotional offer signature requests by result.",
		}, []string{"result"}),
		SideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscriptions",
			Name:      "side_effect_failures_total",
			Help:      "Best-effort account store and CRM calls that failed.",
		}, []string{"target"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Deliveries,
		m.Reconciled,
		m.Verifications,
		m.Signatures,
		m.SideEffects,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
