package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLedgerIsSingleton(t *testing.T) {
	require.Same(t, Ledger(), Ledger())
}

func TestLedgerCollectors(t *testing.T) {
	m := Ledger()

	before := testutil.ToFloat64(m.operations.WithLabelValues("stake", "ok"))
	m.ObserveOperation("stake", "ok")
	require.Equal(t, before+1, testutil.ToFloat64(m.operations.WithLabelValues("stake", "ok")))

	m.SetOutboxDepth(3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.outboxDepth))

	before = testutil.ToFloat64(m.subscriptionErrors.WithLabelValues("unknown"))
	m.ObserveSubscriptionError("")
	require.Equal(t, before+1, testutil.ToFloat64(m.subscriptionErrors.WithLabelValues("unknown")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *LedgerMetrics
	require.NotPanics(t, func() {
		m.ObserveOperation("stake", "ok")
		m.ObserveCommit("stake", 0.1)
		m.SetOutboxDepth(1)
		m.ObserveReplay("applied")
		m.ObserveSubscriptionError("profile")
		m.ObserveNotification("info")
	})
}
