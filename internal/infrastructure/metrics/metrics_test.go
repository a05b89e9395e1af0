package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveCheckout("direct", "succeeded", 20*time.Millisecond)
	m.ObserveCheckout("direct", "succeeded", 30*time.Millisecond)
	m.ObserveCheckout("cart", "declined", 10*time.Millisecond)
	m.IncPosting("order", "debit")
	m.IncReversal()
	m.IncReplay()
	m.IncInvariantViolation()
	m.IncTransition("active", "completed")
	m.IncDispute("opened")
	m.IncPaymentConfirmation("confirmed")
	m.IncCacheLookup("hit")
	m.IncNotification("log", "ok")
	m.ObserveGateway("succeeded", 100*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.checkouts.WithLabelValues("direct", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkouts.WithLabelValues("cart", "declined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reversals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("active", "completed")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["marketcore_checkouts_total"])
	assert.True(t, names["marketcore_ledger_postings_total"])
	assert.True(t, names["marketcore_gateway_charge_duration_seconds"])
	assert.True(t, names["go_goroutines"])
}

// TestMetrics_Nil nil 指标的方法都是空操作
func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCheckout("direct", "succeeded", time.Second)
		m.ObserveGateway("timeout", time.Second)
		m.IncPosting("order", "debit")
		m.IncReversal()
		m.IncReplay()
		m.IncInvariantViolation()
		m.IncTransition("a", "b")
		m.IncDispute("opened")
		m.IncPaymentConfirmation("confirmed")
		m.IncCacheLookup("miss")
		m.IncNotification("log", "ok")
	})
	assert.Nil(t, m.Registry())
}
