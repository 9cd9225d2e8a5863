package heartbeat

import (
	"math"
	"time"
)

// Trigger names an exit-defense condition.
type Trigger string

const (
	LiquidationProximity Trigger = "liquidation_proximity"
	PnlShift             Trigger = "pnl_shift"
	VolatilitySpike      Trigger = "volatility_spike"
	TimeCeiling          Trigger = "time_ceiling"

	// DataPollFailed is journaled when market data could not be read; it
	// is never produced by the evaluator.
	DataPollFailed Trigger = "data_poll_failed"
)

// Triggers is the evaluation order.
var Triggers = []Trigger{LiquidationProximity, PnlShift, VolatilitySpike, TimeCeiling}

// epsilon absorbs float noise at threshold boundaries.
const epsilon = 1e-9

// Point is one heartbeat observation.
type Point struct {
	TS         int64   `json:"ts"` // unix ms
	Mid        float64 `json:"mid"`
	RoePct     float64 `json:"roe_pct"`
	LiqDistPct float64 `json:"liq_dist_pct"`
}

// TriggerConfig holds thresholds and cooldowns. A zero threshold disables
// its trigger.
type TriggerConfig struct {
	LiquidationProximityPct    float64         `json:"liquidation_proximity_pct"`
	PnlShiftPct                float64         `json:"pnl_shift_pct"`
	VolatilitySpikePct         float64         `json:"volatility_spike_pct"`
	VolatilitySpikeWindowTicks int             `json:"volatility_spike_window_ticks"`
	TimeCeilingMinutes         float64         `json:"time_ceiling_minutes"`
	DefaultCooldownSeconds     int             `json:"default_cooldown_seconds"`
	CooldownSeconds            map[Trigger]int `json:"cooldown_seconds"`
}

// CooldownMs returns the cooldown window for t in milliseconds.
func (c TriggerConfig) CooldownMs(t Trigger) int64 {
	if s, ok := c.CooldownSeconds[t]; ok && s >= 0 {
		return int64(s) * 1000
	}
	if c.DefaultCooldownSeconds > 0 {
		return int64(c.DefaultCooldownSeconds) * 1000
	}
	return 0
}

func (c TriggerConfig) volatilityWindow() int {
	if c.VolatilitySpikeWindowTicks < 2 {
		return 2
	}
	return c.VolatilitySpikeWindowTicks
}

// FireState is the per-symbol cooldown and re-arm record. The caller owns
// it; Evaluate mutates it.
type FireState struct {
	LastFiredMs map[Trigger]int64 `json:"last_fired_ms"`
	// Disarmed marks triggers that fired and whose condition has not yet
	// been observed false since.
	Disarmed map[Trigger]bool `json:"disarmed"`
}

// NewFireState returns an empty state.
func NewFireState() FireState {
	return FireState{LastFiredMs: make(map[Trigger]int64), Disarmed: make(map[Trigger]bool)}
}

// Clone returns a deep copy.
func (s FireState) Clone() FireState {
	out := NewFireState()
	for k, v := range s.LastFiredMs {
		out.LastFiredMs[k] = v
	}
	for k, v := range s.Disarmed {
		out.Disarmed[k] = v
	}
	return out
}

func (s *FireState) ensure() {
	if s.LastFiredMs == nil {
		s.LastFiredMs = make(map[Trigger]int64)
	}
	if s.Disarmed == nil {
		s.Disarmed = make(map[Trigger]bool)
	}
}

// Conditions reports, per trigger, whether its raw condition holds on the
// buffer at nowMs, ignoring cooldowns.
func Conditions(points []Point, cfg TriggerConfig, nowMs int64) map[Trigger]bool {
	out := make(map[Trigger]bool, len(Triggers))
	n := len(points)
	if n == 0 {
		return out
	}
	last := points[n-1]

	if cfg.LiquidationProximityPct > 0 {
		out[LiquidationProximity] = last.LiqDistPct <= cfg.LiquidationProximityPct+epsilon
	}

	if cfg.PnlShiftPct > 0 && n >= 2 {
		prev := points[n-2]
		out[PnlShift] = math.Abs(last.RoePct-prev.RoePct) >= cfg.PnlShiftPct-epsilon
	}

	if w := cfg.volatilityWindow(); cfg.VolatilitySpikePct > 0 && n >= w {
		start := points[n-w]
		if start.Mid > 0 {
			move := math.Abs(last.Mid-start.Mid) / start.Mid * 100
			out[VolatilitySpike] = move >= cfg.VolatilitySpikePct-epsilon
		}
	}

	if cfg.TimeCeilingMinutes > 0 {
		ceiling := int64(cfg.TimeCeilingMinutes * float64(time.Minute/time.Millisecond))
		out[TimeCeiling] = nowMs-points[0].TS >= ceiling
	}
	return out
}

// Evaluate returns the triggers that fire at nowMs and records them in
// state. A trigger fires when its condition holds, it is armed, and its
// cooldown since the last fire has elapsed. A false condition re-arms it.
func Evaluate(points []Point, cfg TriggerConfig, nowMs int64, state *FireState) []Trigger {
	state.ensure()
	conds := Conditions(points, cfg, nowMs)

	var fired []Trigger
	for _, t := range Triggers {
		if !conds[t] {
			delete(state.Disarmed, t)
			continue
		}
		if state.Disarmed[t] {
			continue
		}
		if last, ok := state.LastFiredMs[t]; ok && nowMs < last+cfg.CooldownMs(t) {
			continue
		}
		state.LastFiredMs[t] = nowMs
		state.Disarmed[t] = true
		fired = append(fired, t)
	}
	return fired
}

// EvaluatePure is Evaluate on a copy of state; the input is not modified.
func EvaluatePure(points []Point, cfg TriggerConfig, nowMs int64, state FireState) []Trigger {
	clone := state.Clone()
	return Evaluate(points, cfg, nowMs, &clone)
}

// Names converts triggers to strings for journaling.
func Names(ts []Trigger) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}
