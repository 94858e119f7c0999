package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricWithoutCollision(t *testing.T) {
	m := New()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6, "before any observation only the six label-free counters and gauges gather")
}

func TestCountersAcceptLabelsAndIncrement(t *testing.T) {
	m := New()
	m.SignalsEmitted.WithLabelValues("BTC-USD", "Long").Inc()
	m.PortfolioEquity.Set(100000)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "cryptocore_signals_emitted_total" {
			found = true
		}
	}
	assert.True(t, found)
	_ = prometheus.Labels{"pair": "BTC-USD"}
}
