package handlers

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	KeyVerifications      *prometheus.CounterVec
	QuotaChecks           *prometheus.CounterVec
	GuardChecks           *prometheus.CounterVec
	GuardCheckLatency     prometheus.Histogram
	AlertsRaised          *prometheus.CounterVec
	WithdrawalTransitions *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		KeyVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_key_verifications_total",
				Help: "API key verification outcomes.",
			},
			[]string{"result"},
		),
		QuotaChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_quota_checks_total",
				Help: "Rate limit check outcomes.",
			},
			[]string{"rule", "result"},
		),
		GuardChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_guard_checks_total",
				Help: "Composite guard check outcomes.",
			},
			[]string{"result", "reason"},
		),
		GuardCheckLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "security_guard_check_duration_seconds",
				Help:    "Composite guard check duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_alerts_raised_total",
				Help: "Alerts raised by severity.",
			},
			[]string{"severity"},
		),
		WithdrawalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_withdrawal_transitions_total",
				Help: "Withdrawal state machine transitions.",
			},
			[]string{"to"},
		),
	}

	registry.MustRegister(
		m.KeyVerifications,
		m.QuotaChecks,
		m.GuardChecks,
		m.GuardCheckLatency,
		m.AlertsRaised,
		m.WithdrawalTransitions,
	)
	return m
}
