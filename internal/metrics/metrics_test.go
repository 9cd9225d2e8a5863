package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	// Vec collectors only show up once a label set exists.
	GateDecisions.WithLabelValues("true", "none")
	LoopPanics.WithLabelValues("scan")

	families, err = prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"perp_gate_decisions_total", "perp_gate_size_multiplier", "perp_loop_panics_total", "perp_instance_lease_held"} {
		assert.True(t, names[want], want)
	}
}

func TestGateDecisionsCounter(t *testing.T) {
	c := GateDecisions.WithLabelValues(BoolLabel(false), "policy.daily_drawdown_cap")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestLeaseHeldGaugeExposition(t *testing.T) {
	LeaseHeld.Set(1)
	expected := `
# HELP perp_instance_lease_held 1 while this process holds the active-instance lease
# TYPE perp_instance_lease_held gauge
perp_instance_lease_held 1
`
	require.NoError(t, testutil.CollectAndCompare(LeaseHeld, strings.NewReader(expected)))
	LeaseHeld.Set(0)
}

func TestBoolLabel(t *testing.T) {
	assert.Equal(t, "true", BoolLabel(true))
	assert.Equal(t, "false", BoolLabel(false))
}
