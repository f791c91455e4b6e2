package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegistered(t *testing.T) {
	m := New()
	m.Deliveries.WithLabelValues("play", "accepted").Inc()
	m.Deliveries.WithLabelValues("play", "accepted").Inc()
	m.Reconciled.WithLabelValues("stripe", "invoice_paid", "duplicate").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("play", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciled.WithLabelValues("stripe", "invoice_paid", "duplicate")))

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["subscriptions_webhook_deliveries_total"])
	assert.True(t, names["subscriptions_reconciled_facts_total"])
	assert.True(t, names["go_goroutines"])
}
