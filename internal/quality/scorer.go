// Package quality scores past trade decisions per market segment from the
// decision journal. Executed entries are joined to their closes; each pair
// gets four bounded sub-scores whose means make up the segment score.
package quality

import (
	"math"
	"sort"
	"strings"

	"perp-risk-agent/internal/journal"
)

// Neutral is the score used when inputs are missing or a segment is empty.
const Neutral = 0.5

// SegmentKey identifies a market segment.
type SegmentKey struct {
	SignalClass      string `json:"signal_class"`
	MarketRegime     string `json:"market_regime"`
	VolatilityBucket string `json:"volatility_bucket"`
	LiquidityBucket  string `json:"liquidity_bucket"`
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

// Normalize lower-cases components and maps blanks to "unknown".
func (k SegmentKey) Normalize() SegmentKey {
	return SegmentKey{
		SignalClass:      normalize(k.SignalClass),
		MarketRegime:     normalize(k.MarketRegime),
		VolatilityBucket: normalize(k.VolatilityBucket),
		LiquidityBucket:  normalize(k.LiquidityBucket),
	}
}

func (k SegmentKey) String() string {
	n := k.Normalize()
	return n.SignalClass + "/" + n.MarketRegime + "/" + n.VolatilityBucket + "/" + n.LiquidityBucket
}

// KeyFromSegment builds a key from a journal segment.
func KeyFromSegment(s journal.Segment) SegmentKey {
	return SegmentKey{
		SignalClass:      s.SignalClass,
		MarketRegime:     s.MarketRegime,
		VolatilityBucket: s.VolatilityBucket,
		LiquidityBucket:  s.LiquidityBucket,
	}.Normalize()
}

// Config tunes the sub-score formulas.
type Config struct {
	// DirectionScaleRoePct is the ROE move that maps to a full 0 or 1
	// direction score.
	DirectionScaleRoePct float64
	LookbackDays         int
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{DirectionScaleRoePct: 5, LookbackDays: 30}
}

// SubScores are the per-trade scores, each in [0,1].
type SubScores struct {
	Direction float64 `json:"direction"`
	Timing    float64 `json:"timing"`
	Sizing    float64 `json:"sizing"`
	Exit      float64 `json:"exit"`
}

// Mean is the unweighted mean of the four sub-scores.
func (s SubScores) Mean() float64 {
	return (s.Direction + s.Timing + s.Sizing + s.Exit) / 4
}

// Sample is one executed entry with its close, if any.
type Sample struct {
	Key       SegmentKey
	Symbol    string
	Execution *journal.TradeExecution
	Close     *journal.TradeClose
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return Neutral
	}
	return math.Max(lo, math.Min(hi, v))
}

// DirectionScore maps the realized ROE onto [0,1] around a neutral 0.5.
func DirectionScore(returnRoePct *float64, scale float64) float64 {
	if returnRoePct == nil {
		return Neutral
	}
	if scale <= 0 {
		scale = DefaultConfig().DirectionScaleRoePct
	}
	return Neutral + 0.5*clamp(*returnRoePct/scale, -1, 1)
}

// TimingScore is the share of the total excursion that went in the trade's favor.
func TimingScore(mfe, mae *float64) float64 {
	if mfe == nil || mae == nil {
		return Neutral
	}
	fav, adv := math.Max(0, *mfe), math.Max(0, *mae)
	if fav+adv <= 0 {
		return Neutral
	}
	return clamp(fav/(fav+adv), 0, 1)
}

// SizingScore penalizes deviation of the placed notional from the target.
func SizingScore(notional, target float64) float64 {
	if notional <= 0 || target <= 0 {
		return Neutral
	}
	return clamp(1-math.Min(1, math.Abs(notional/target-1)), 0, 1)
}

// ExitScore is how much of the best favorable excursion was kept.
func ExitScore(returnRoePct, mfe *float64) float64 {
	if returnRoePct == nil || mfe == nil || *mfe <= 0 {
		return Neutral
	}
	return clamp(*returnRoePct / *mfe, 0, 1)
}

// Score computes the sub-scores for one sample.
func Score(s Sample, cfg Config) SubScores {
	out := SubScores{Direction: Neutral, Timing: Neutral, Sizing: Neutral, Exit: Neutral}
	if s.Execution != nil {
		out.Sizing = SizingScore(s.Execution.Notional, s.Execution.TargetNotional)
	}
	if s.Close != nil {
		out.Direction = DirectionScore(s.Close.ReturnRoePct, cfg.DirectionScaleRoePct)
		out.Timing = TimingScore(s.Close.MFERoePct, s.Close.MAERoePct)
		out.Exit = ExitScore(s.Close.ReturnRoePct, s.Close.MFERoePct)
	}
	return out
}

// SegmentStats is the aggregate for one segment.
type SegmentStats struct {
	Key       SegmentKey `json:"key"`
	Samples   int        `json:"samples"`
	Closed    int        `json:"closed"`
	Direction float64    `json:"direction"`
	Timing    float64    `json:"timing"`
	Sizing    float64    `json:"sizing"`
	Exit      float64    `json:"exit"`
	Score     float64    `json:"score"`
}

// Samples joins executed, non reduce-only trade_execution entries with their
// trade_close by fingerprint. The newest close for a fingerprint wins.
func Samples(entries []journal.Entry) []Sample {
	closes := make(map[string]journal.Entry)
	for _, e := range entries {
		c, ok := e.Payload.(*journal.TradeClose)
		if !ok || c.EntryFingerprint == "" {
			continue
		}
		if prev, seen := closes[c.EntryFingerprint]; !seen || e.CreatedAt.After(prev.CreatedAt) {
			closes[c.EntryFingerprint] = e
		}
	}

	var out []Sample
	for _, e := range entries {
		if e.Kind != journal.KindTradeExecution || e.Outcome != journal.OutcomeExecuted {
			continue
		}
		te, ok := e.Payload.(*journal.TradeExecution)
		if !ok || te.ReduceOnly {
			continue
		}
		s := Sample{Key: KeyFromSegment(te.Segment), Symbol: e.Symbol, Execution: te}
		if e.Fingerprint != "" {
			if c, ok := closes[e.Fingerprint]; ok {
				s.Close = c.Payload.(*journal.TradeClose)
			}
		}
		out = append(out, s)
	}
	return out
}

type accumulator struct {
	n, closed                     int
	direction, timing, sizing, ex float64
}

func (a *accumulator) add(s Sample, cfg Config) {
	sub := Score(s, cfg)
	a.n++
	if s.Close != nil {
		a.closed++
	}
	a.direction += sub.Direction
	a.timing += sub.Timing
	a.sizing += sub.Sizing
	a.ex += sub.Exit
}

func (a *accumulator) stats(key SegmentKey) SegmentStats {
	if a.n == 0 {
		return SegmentStats{Key: key, Direction: Neutral, Timing: Neutral, Sizing: Neutral, Exit: Neutral, Score: Neutral}
	}
	n := float64(a.n)
	st := SegmentStats{
		Key:       key,
		Samples:   a.n,
		Closed:    a.closed,
		Direction: a.direction / n,
		Timing:    a.timing / n,
		Sizing:    a.sizing / n,
		Exit:      a.ex / n,
	}
	st.Score = (st.Direction + st.Timing + st.Sizing + st.Exit) / 4
	return st
}

// Aggregate scores every segment present in entries.
func Aggregate(entries []journal.Entry, cfg Config) []SegmentStats {
	acc := make(map[SegmentKey]*accumulator)
	for _, s := range Samples(entries) {
		a, ok := acc[s.Key]
		if !ok {
			a = &accumulator{}
			acc[s.Key] = a
		}
		a.add(s, cfg)
	}

	out := make([]SegmentStats, 0, len(acc))
	for k, a := range acc {
		out = append(out, a.stats(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ScoreSegment scores one segment. An empty segment is neutral with zero samples.
func ScoreSegment(entries []journal.Entry, key SegmentKey, cfg Config) SegmentStats {
	key = key.Normalize()
	a := &accumulator{}
	for _, s := range Samples(entries) {
		if s.Key == key {
			a.add(s, cfg)
		}
	}
	return a.stats(key)
}
