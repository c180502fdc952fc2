// Package metrics holds the Prometheus collectors for the credit engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TasksSubmitted  *prometheus.CounterVec
	TasksFinalized  *prometheus.CounterVec
	SubmitRejected  *prometheus.CounterVec
	Compensations   *prometheus.CounterVec
	Refunds         *prometheus.CounterVec
	CreditsRefunded *prometheus.CounterVec
	ProviderLoss    *prometheus.CounterVec
	PoolAvailable   *prometheus.GaugeVec
	LedgerOps       *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	WebhooksIgnored *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (skipped when reg is nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_tasks_submitted_total",
			Help: "Generation tasks accepted and moved to processing.",
		}, []string{"provider"}),
		TasksFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_tasks_finalized_total",
			Help: "Generation tasks that reached a final state.",
		}, []string{"provider", "state"}),
		SubmitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_submit_rejected_total",
			Help: "Task submissions rejected, by reason.",
		}, []string{"reason"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_submit_compensations_total",
			Help: "User debits rolled back because the provider pool reservation failed.",
		}, []string{"provider"}),
		Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_refund_decisions_total",
			Help: "Refund policy decisions, by outcome.",
		}, []string{"provider", "refunded"}),
		CreditsRefunded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_user_credits_refunded_total",
			Help: "User credits returned by refunds.",
		}, []string{"provider"}),
		ProviderLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_provider_credits_lost_total",
			Help: "Provider credits consumed by tasks that failed.",
		}, []string{"provider"}),
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "creditengine_pool_available_credits",
			Help: "Available provider credits per pool.",
		}, []string{"provider"}),
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_ledger_operations_total",
			Help: "Ledger mutations, by kind and result.",
		}, []string{"kind", "result"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_alerts_total",
			Help: "Operational alerts raised, by type.",
		}, []string{"type"}),
		WebhooksIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditengine_webhooks_ignored_total",
			Help: "Webhooks acknowledged without effect, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksSubmitted, m.TasksFinalized, m.SubmitRejected, m.Compensations,
			m.Refunds, m.CreditsRefunded, m.ProviderLoss, m.PoolAvailable,
			m.LedgerOps, m.Alerts, m.WebhooksIgnored,
		)
	}
	return m
}

func (m *Metrics) TaskSubmitted(provider string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(provider).Inc()
}

func (m *Metrics) TaskFinalized(provider, state string) {
	if m == nil {
		return
	}
	m.TasksFinalized.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) SubmitRejection(reason string) {
	if m == nil {
		return
	}
	m.SubmitRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Compensated(provider string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(provider).Inc()
}

func (m *Metrics) RefundDecision(provider string, refunded bool, credits int64) {
	if m == nil {
		return
	}
	label := "false"
	if refunded {
		label = "true"
	}
	m.Refunds.WithLabelValues(provider, label).Inc()
	if credits > 0 {
		m.CreditsRefunded.WithLabelValues(provider).Add(float64(credits))
	}
}

func (m *Metrics) Loss(provider string, providerCredits int64) {
	if m == nil {
		return
	}
	m.ProviderLoss.WithLabelValues(provider).Add(float64(providerCredits))
}

func (m *Metrics) PoolBalance(provider string, available int64) {
	if m == nil {
		return
	}
	m.PoolAvailable.WithLabelValues(provider).Set(float64(available))
}

func (m *Metrics) LedgerOp(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LedgerOps.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Alert(alertType string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(alertType).Inc()
}

func (m *Metrics) WebhookIgnored(reason string) {
	if m == nil {
		return
	}
	m.WebhooksIgnored.WithLabelValues(reason).Inc()
}
