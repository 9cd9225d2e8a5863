package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pts(roes ...float64) []Point {
	out := make([]Point, len(roes))
	for i, r := range roes {
		out[i] = Point{TS: int64(i) * 1000, Mid: 100, RoePct: r, LiqDistPct: 50}
	}
	return out
}

// ============================================================================
// Threshold scenarios
// ============================================================================

func TestPnlShiftThreshold(t *testing.T) {
	cfg := TriggerConfig{PnlShiftPct: 1.5}

	fired := EvaluatePure(pts(1.0, 2.4), cfg, 1000, NewFireState())
	assert.Empty(t, fired)

	fired = EvaluatePure(pts(1.0, 2.5), cfg, 1000, NewFireState())
	assert.Equal(t, []Trigger{PnlShift}, fired)

	// Drops count too.
	fired = EvaluatePure(pts(2.5, 1.0), cfg, 1000, NewFireState())
	assert.Equal(t, []Trigger{PnlShift}, fired)

	// One point is not enough.
	assert.Empty(t, EvaluatePure(pts(10), cfg, 0, NewFireState()))
}

func TestLiquidationProximityThreshold(t *testing.T) {
	cfg := TriggerConfig{LiquidationProximityPct: 5}

	near := []Point{{TS: 0, Mid: 100, LiqDistPct: 4.9}}
	assert.Equal(t, []Trigger{LiquidationProximity}, EvaluatePure(near, cfg, 0, NewFireState()))

	at := []Point{{TS: 0, Mid: 100, LiqDistPct: 5}}
	assert.Equal(t, []Trigger{LiquidationProximity}, EvaluatePure(at, cfg, 0, NewFireState()))

	far := []Point{{TS: 0, Mid: 100, LiqDistPct: 5.1}}
	assert.Empty(t, EvaluatePure(far, cfg, 0, NewFireState()))
}

func TestVolatilitySpikeWindow(t *testing.T) {
	cfg := TriggerConfig{VolatilitySpikePct: 2, VolatilitySpikeWindowTicks: 3}
	mids := func(ms ...float64) []Point {
		out := make([]Point, len(ms))
		for i, m := range ms {
			out[i] = Point{TS: int64(i), Mid: m, LiqDistPct: 50}
		}
		return out
	}

	// Window not yet full.
	assert.Empty(t, EvaluatePure(mids(100, 103), cfg, 2, NewFireState()))
	// 100 -> 102 over the last three points is exactly 2%.
	assert.Equal(t, []Trigger{VolatilitySpike}, EvaluatePure(mids(90, 100, 101, 102), cfg, 4, NewFireState()))
	// Only the window counts, not the first point.
	assert.Empty(t, EvaluatePure(mids(50, 100, 101, 101.5), cfg, 4, NewFireState()))
	// Window below 2 is treated as 2.
	cfg.VolatilitySpikeWindowTicks = 0
	assert.Equal(t, []Trigger{VolatilitySpike}, EvaluatePure(mids(100, 97), cfg, 2, NewFireState()))
}

func TestTimeCeiling(t *testing.T) {
	cfg := TriggerConfig{TimeCeilingMinutes: 10}
	points := []Point{{TS: 0, Mid: 1, LiqDistPct: 50}, {TS: 60_000, Mid: 1, LiqDistPct: 50}}

	assert.Empty(t, EvaluatePure(points, cfg, 599_999, NewFireState()))
	assert.Equal(t, []Trigger{TimeCeiling}, EvaluatePure(points, cfg, 600_000, NewFireState()))

	cfg.TimeCeilingMinutes = 0
	assert.Empty(t, EvaluatePure(points, cfg, 10_000_000, NewFireState()))
}

// ============================================================================
// Cooldown and re-arm
// ============================================================================

func TestCooldownSuppressesSameTriggerOnly(t *testing.T) {
	cfg := TriggerConfig{
		PnlShiftPct:             1,
		LiquidationProximityPct: 5,
		DefaultCooldownSeconds:  60,
	}
	state := NewFireState()

	// t0: pnl shift fires.
	fired := Evaluate(pts(0, 2), cfg, 0, &state)
	require.Equal(t, []Trigger{PnlShift}, fired)
	assert.Equal(t, int64(0), state.LastFiredMs[PnlShift])

	// Condition goes false: re-armed but still cooling down.
	assert.Empty(t, Evaluate(pts(0, 2, 2), cfg, 10_000, &state))
	assert.False(t, state.Disarmed[PnlShift])

	// Condition true again inside the cooldown: suppressed. Liquidation fires independently.
	near := pts(0, 2, 2, 4)
	near[3].LiqDistPct = 3
	fired = Evaluate(near, cfg, 30_000, &state)
	assert.Equal(t, []Trigger{LiquidationProximity}, fired)

	// After cooldown, re-armed pnl shift fires again.
	fired = Evaluate(pts(0, 2, 2, 4, 4, 6), cfg, 60_000, &state)
	assert.Equal(t, []Trigger{PnlShift}, fired)
	assert.Equal(t, int64(60_000), state.LastFiredMs[PnlShift])
}

func TestNoRefireWhileConditionStaysTrue(t *testing.T) {
	cfg := TriggerConfig{LiquidationProximityPct: 5, DefaultCooldownSeconds: 1}
	state := NewFireState()
	near := []Point{{TS: 0, Mid: 100, LiqDistPct: 1}}

	require.Equal(t, []Trigger{LiquidationProximity}, Evaluate(near, cfg, 0, &state))
	// Cooldown elapsed but the condition never cleared.
	assert.Empty(t, Evaluate(near, cfg, 10_000, &state))

	far := []Point{{TS: 0, Mid: 100, LiqDistPct: 50}}
	assert.Empty(t, Evaluate(far, cfg, 11_000, &state))
	assert.Equal(t, []Trigger{LiquidationProximity}, Evaluate(near, cfg, 12_000, &state))
}

func TestPerTriggerCooldownOverride(t *testing.T) {
	cfg := TriggerConfig{
		PnlShiftPct:            1,
		DefaultCooldownSeconds: 600,
		CooldownSeconds:        map[Trigger]int{PnlShift: 5},
	}
	assert.Equal(t, int64(5000), cfg.CooldownMs(PnlShift))
	assert.Equal(t, int64(600_000), cfg.CooldownMs(VolatilitySpike))
}

func TestEvaluatePureIsIdempotent(t *testing.T) {
	cfg := TriggerConfig{PnlShiftPct: 1, LiquidationProximityPct: 5, TimeCeilingMinutes: 1}
	points := pts(0, 3)
	points[1].LiqDistPct = 2
	state := NewFireState()
	state.LastFiredMs[TimeCeiling] = 0

	first := EvaluatePure(points, cfg, 120_000, state)
	second := EvaluatePure(points, cfg, 120_000, state)
	assert.Equal(t, first, second)
	assert.Empty(t, state.Disarmed, "input state must not be mutated")
	assert.Len(t, state.LastFiredMs, 1)
}

func TestEvaluateInitializesNilMaps(t *testing.T) {
	var state FireState
	fired := Evaluate(pts(0, 5), TriggerConfig{PnlShiftPct: 1}, 0, &state)
	assert.Equal(t, []Trigger{PnlShift}, fired)
	assert.NotNil(t, state.LastFiredMs)
}

func TestEvaluationOrderIsFixed(t *testing.T) {
	cfg := TriggerConfig{LiquidationProximityPct: 5, PnlShiftPct: 1, VolatilitySpikePct: 1, TimeCeilingMinutes: 0.001}
	points := []Point{{TS: 0, Mid: 100, RoePct: 0, LiqDistPct: 50}, {TS: 1000, Mid: 110, RoePct: 10, LiqDistPct: 1}}
	fired := EvaluatePure(points, cfg, 1000, NewFireState())
	assert.Equal(t, []Trigger{LiquidationProximity, PnlShift, VolatilitySpike, TimeCeiling}, fired)
}
