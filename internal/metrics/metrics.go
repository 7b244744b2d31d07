// Package metrics exposes Prometheus collectors for the ledger, the payment
// webhook and the expiry sweep.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ledgerOps      *prometheus.CounterVec
	creditsMoved   *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	sweepExpired   prometheus.Counter
	sweepDuration  prometheus.Histogram
	requestLatency *prometheus.HistogramVec
}

// MustNew registers a fresh set of collectors with reg. Tests pass their own
// registry to avoid duplicate registration panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actcredits",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation and result.",
		}, []string{"op", "result"}),
		creditsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actcredits",
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Absolute credits moved by committed entries, by entry kind.",
		}, []string{"kind"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actcredits",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Payment webhook deliveries by event type and outcome.",
		}, []string{"type", "status"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actcredits",
			Subsystem: "sweep",
			Name:      "expired_accounts_total",
			Help:      "Accounts whose subscription credits were zeroed by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "actcredits",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of expiry sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "actcredits",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(m.ledgerOps, m.creditsMoved, m.webhookEvents, m.sweepExpired, m.sweepDuration, m.requestLatency)
	return m
}

func (m *Metrics) LedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) CreditsMoved(kind string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	if delta < 0 {
		delta = -delta
	}
	m.creditsMoved.WithLabelValues(kind).Add(float64(delta))
}

func (m *Metrics) WebhookEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) SweepFinished(expired int, took time.Duration) {
	if m == nil {
		return
	}
	m.sweepExpired.Add(float64(expired))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) Request(route, method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(route, method, status).Observe(took.Seconds())
}
