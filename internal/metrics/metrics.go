package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	operations         *prometheus.CounterVec
	commitDuration     *prometheus.HistogramVec
	outboxDepth        prometheus.Gauge
	outboxReplays      *prometheus.CounterVec
	subscriptionErrors *prometheus.CounterVec
	notifications      *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_ledger_operations_total",
				Help: "Ledger operations by operation and outcome.",
			}, []string{"op", "outcome"}),
			commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rewards_ledger_commit_seconds",
				Help:    "Latency of ledger batch commits.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_outbox_pending",
				Help: "Ledger commands waiting in the outbox.",
			}),
			outboxReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_outbox_replays_total",
				Help: "Outbox replay attempts by result.",
			}, []string{"result"}),
			subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_subscription_errors_total",
				Help: "Snapshot errors by projection source.",
			}, []string{"source"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_notifications_total",
				Help: "User notifications by severity.",
			}, []string{"severity"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.commitDuration,
			ledgerRegistry.outboxDepth,
			ledgerRegistry.outboxReplays,
			ledgerRegistry.subscriptionErrors,
			ledgerRegistry.notifications,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *LedgerMetrics) ObserveCommit(op string, seconds float64) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(op).Observe(seconds)
}

func (m *LedgerMetrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *LedgerMetrics) ObserveReplay(result string) {
	if m == nil {
		return
	}
	m.outboxReplays.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) ObserveSubscriptionError(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.subscriptionErrors.WithLabelValues(source).Inc()
}

func (m *LedgerMetrics) ObserveNotification(severity string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(severity).Inc()
}
