// Package metrics provides Prometheus counters for loop activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "closedloop"

// Proposal outcomes.
const (
	OutcomeAutoApproved  = "auto_approved"
	OutcomePending       = "pending"
	OutcomeQuotaRejected = "quota_rejected"
)

// Metrics holds the loop counters. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	ProposalsTotal         *prometheus.CounterVec
	ReviewsTotal           *prometheus.CounterVec
	StepsTotal             *prometheus.CounterVec
	MissionsResolvedTotal  *prometheus.CounterVec
	EventsTotal            *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ProposalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposals_total",
				Help:      "Proposal submissions by outcome.",
			},
			[]string{"outcome"},
		),
		ReviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reviews_total",
				Help:      "Human review decisions on pending proposals.",
			},
			[]string{"decision"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Step transitions by resulting status.",
			},
			[]string{"status"},
		),
		MissionsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missions_resolved_total",
				Help:      "Missions that reached a terminal status.",
			},
			[]string{"status"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events appended to the log by kind.",
			},
			[]string{"kind"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook delivery attempts by result.",
			},
			[]string{"result"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ProposalsTotal)
	reg.MustRegister(m.ReviewsTotal)
	reg.MustRegister(m.StepsTotal)
	reg.MustRegister(m.MissionsResolvedTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.WebhookDeliveriesTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordProposal(outcome string) {
	if m == nil {
		return
	}
	m.ProposalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReview(decision string) {
	if m == nil {
		return
	}
	m.ReviewsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordStep(status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordMissionResolved(status string) {
	if m == nil {
		return
	}
	m.MissionsResolvedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordWebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}
