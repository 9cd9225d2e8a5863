// Package gate is the global trade gate: it approves, denies or derates a
// proposed entry from the autonomy policy snapshot, today's realized P&L
// and the decision-quality record of the trade's market segment.
//
// Checks run in a fixed order and the first denial wins:
//
//	autonomy disabled / observation-only
//	daily drawdown cap (inclusive)
//	max trades per day
//	decision quality (block or derate)
//
// A collaborator that cannot be read denies the trade with
// policy.data_unavailable unless FailOpen is set.
package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-risk-agent/internal/metrics"
	"perp-risk-agent/internal/pnl"
	"perp-risk-agent/internal/policy"
	"perp-risk-agent/internal/quality"
)

// Reason codes carried by denials and derates.
const (
	ReasonAutonomyDisabled = "policy.autonomy_disabled"
	ReasonObservationOnly  = "policy.observation_only"
	ReasonDrawdownCap      = "policy.daily_drawdown_cap"
	ReasonMaxTradesPerDay  = "policy.max_trades_per_day"
	ReasonDecisionQuality  = "policy.decision_quality"
	ReasonDataUnavailable  = "policy.data_unavailable"
	ReasonInvalidRequest   = "policy.invalid_request"
)

// QualityConfig controls decision-quality gating.
type QualityConfig struct {
	Enabled              bool    `json:"enabled"`
	MinSamples           int     `json:"min_samples"`
	BlockBelowScore      float64 `json:"block_below_score"`
	DownweightBelowScore float64 `json:"downweight_below_score"`
	DownweightMultiplier float64 `json:"downweight_multiplier"`
}

// Config is the gate's static configuration.
type Config struct {
	AutonomyEnabled bool          `json:"autonomy_enabled"`
	DrawdownCapUSD  float64       `json:"drawdown_cap_usd"` // <= 0 disables
	MaxTradesPerDay int           `json:"max_trades_per_day"`
	FailOpen        bool          `json:"fail_open"`
	Quality         QualityConfig `json:"quality"`
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		AutonomyEnabled: true,
		Quality: QualityConfig{
			Enabled:              true,
			MinSamples:           10,
			BlockBelowScore:      0.35,
			DownweightBelowScore: 0.45,
			DownweightMultiplier: 0.5,
		},
	}
}

// Validate checks thresholds are coherent.
func (c Config) Validate() error {
	if math.IsNaN(c.DrawdownCapUSD) || math.IsInf(c.DrawdownCapUSD, 0) {
		return fmt.Errorf("gate: drawdown cap must be finite")
	}
	if c.MaxTradesPerDay < 0 {
		return fmt.Errorf("gate: max trades per day must be >= 0")
	}
	q := c.Quality
	if q.Enabled {
		if q.MinSamples < 0 {
			return fmt.Errorf("gate: quality min samples must be >= 0")
		}
		if q.BlockBelowScore < 0 || q.BlockBelowScore > 1 || q.DownweightBelowScore < 0 || q.DownweightBelowScore > 1 {
			return fmt.Errorf("gate: quality thresholds must be within [0,1]")
		}
		if q.DownweightBelowScore < q.BlockBelowScore {
			return fmt.Errorf("gate: downweight threshold %.3f below block threshold %.3f", q.DownweightBelowScore, q.BlockBelowScore)
		}
		if q.DownweightMultiplier <= 0 || q.DownweightMultiplier > 1 {
			return fmt.Errorf("gate: downweight multiplier must be within (0,1]")
		}
	}
	return nil
}

// Request is one proposed entry.
type Request struct {
	ExpectedEdge     float64 `json:"expected_edge"`
	SignalClass      string  `json:"signal_class,omitempty"`
	MarketRegime     string  `json:"market_regime,omitempty"`
	VolatilityBucket string  `json:"volatility_bucket,omitempty"`
	LiquidityBucket  string  `json:"liquidity_bucket,omitempty"`
}

// Validate rejects requests that cannot be evaluated.
func (r Request) Validate() error {
	if math.IsNaN(r.ExpectedEdge) || math.IsInf(r.ExpectedEdge, 0) {
		return fmt.Errorf("expected edge must be finite")
	}
	return nil
}

// Segment returns the request's decision-quality segment key.
func (r Request) Segment() quality.SegmentKey {
	return quality.SegmentKey{
		SignalClass:      r.SignalClass,
		MarketRegime:     r.MarketRegime,
		VolatilityBucket: r.VolatilityBucket,
		LiquidityBucket:  r.LiquidityBucket,
	}.Normalize()
}

// Decision is the gate's verdict. Denials always carry a ReasonCode, and so
// does any SizeMultiplier below 1.
type Decision struct {
	Allowed        bool         `json:"allowed"`
	ReasonCode     string       `json:"reason_code,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	SizeMultiplier float64      `json:"size_multiplier"`
	PolicyState    policy.State `json:"policy_state"`
	QualityScore   *float64     `json:"quality_score,omitempty"`
	QualitySamples int          `json:"quality_samples,omitempty"`
	RealizedPnl    *float64     `json:"realized_pnl,omitempty"`
	TradesToday    *int         `json:"trades_today,omitempty"`
}

// Derated reports an allowed decision with reduced size.
func (d Decision) Derated() bool {
	return d.Allowed && d.SizeMultiplier < 1
}

// RollupSource provides today's P&L.
type RollupSource interface {
	Today(ctx context.Context, now time.Time) (pnl.Rollup, error)
}

// QualitySource provides segment decision-quality stats.
type QualitySource interface {
	Segment(ctx context.Context, key quality.SegmentKey) (quality.SegmentStats, error)
}

// Gate evaluates trade requests. Collaborators are read-only during evaluation.
type Gate struct {
	rollup  RollupSource
	quality QualitySource
	logger  zerolog.Logger
}

// New wires a gate. quality may be nil when decision-quality gating is unused.
func New(rollup RollupSource, q QualitySource, logger zerolog.Logger) *Gate {
	return &Gate{
		rollup:  rollup,
		quality: q,
		logger:  logger.With().Str("component", "TradeGate").Logger(),
	}
}

func deny(snapshot policy.State, code, reason string) Decision {
	return Decision{
		Allowed:        false,
		ReasonCode:     code,
		Reason:         reason,
		SizeMultiplier: 0,
		PolicyState:    snapshot,
	}
}

// Evaluate decides on req against the given policy snapshot. It never
// returns an error: every path resolves to a Decision.
func (g *Gate) Evaluate(ctx context.Context, cfg Config, snapshot policy.State, req Request, now time.Time) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("gate").Inc()
			g.logger.Error().Interface("panic", r).Msg("Trade gate evaluation panicked")
			d = deny(snapshot, ReasonDataUnavailable, fmt.Sprintf("gate evaluation failed: %v", r))
		}
		g.record(d)
	}()

	if err := req.Validate(); err != nil {
		return deny(snapshot, ReasonInvalidRequest, err.Error())
	}

	if !cfg.AutonomyEnabled {
		return deny(snapshot, ReasonAutonomyDisabled, "autonomous trading is disabled")
	}
	if snapshot.ObservationOnlyActive(now) {
		reason := fmt.Sprintf("observation-only until %s", snapshot.ObservationOnlyUntil.UTC().Format(time.RFC3339))
		if snapshot.Reason != nil && *snapshot.Reason != "" {
			reason += ": " + *snapshot.Reason
		}
		return deny(snapshot, ReasonObservationOnly, reason)
	}

	out := Decision{Allowed: true, SizeMultiplier: 1, PolicyState: snapshot}

	if cfg.DrawdownCapUSD > 0 || cfg.MaxTradesPerDay > 0 {
		rollup, err := g.rollupToday(ctx, now)
		switch {
		case err != nil && !cfg.FailOpen:
			return deny(snapshot, ReasonDataUnavailable, fmt.Sprintf("daily pnl unavailable: %v", err))
		case err != nil:
			g.logger.Warn().Err(err).Msg("Daily P&L unavailable, skipping drawdown and trade caps (fail-open)")
		default:
			realized, _ := rollup.RealizedPnl.Float64()
			trades := rollup.ExecutedTrades
			out.RealizedPnl = &realized
			out.TradesToday = &trades

			if cfg.DrawdownCapUSD > 0 {
				limit := decimal.NewFromFloat(cfg.DrawdownCapUSD).Neg()
				if rollup.RealizedPnl.LessThanOrEqual(limit) {
					d := deny(snapshot, ReasonDrawdownCap, fmt.Sprintf("realized pnl %s reached daily drawdown cap %s",
						rollup.RealizedPnl.StringFixed(2), limit.StringFixed(2)))
					d.RealizedPnl, d.TradesToday = out.RealizedPnl, out.TradesToday
					return d
				}
			}
			if cfg.MaxTradesPerDay > 0 && trades >= cfg.MaxTradesPerDay {
				d := deny(snapshot, ReasonMaxTradesPerDay, fmt.Sprintf("%d trades executed today, cap is %d", trades, cfg.MaxTradesPerDay))
				d.RealizedPnl, d.TradesToday = out.RealizedPnl, out.TradesToday
				return d
			}
		}
	}

	if cfg.Quality.Enabled {
		return g.applyQuality(ctx, cfg, snapshot, req, out)
	}
	return out
}

func (g *Gate) rollupToday(ctx context.Context, now time.Time) (pnl.Rollup, error) {
	if g.rollup == nil {
		return pnl.Rollup{}, fmt.Errorf("no daily pnl source configured")
	}
	return g.rollup.Today(ctx, now)
}

func (g *Gate) applyQuality(ctx context.Context, cfg Config, snapshot policy.State, req Request, out Decision) Decision {
	q := cfg.Quality
	key := req.Segment()

	if g.quality == nil {
		if cfg.FailOpen {
			return out
		}
		return deny(snapshot, ReasonDataUnavailable, "no decision-quality source configured")
	}

	stats, err := g.quality.Segment(ctx, key)
	if err != nil {
		if cfg.FailOpen {
			g.logger.Warn().Err(err).Str("segment", key.String()).Msg("Decision quality unavailable, skipping (fail-open)")
			return out
		}
		return deny(snapshot, ReasonDataUnavailable, fmt.Sprintf("decision quality unavailable: %v", err))
	}

	out.QualitySamples = stats.Samples
	if stats.Samples < q.MinSamples {
		return out
	}

	score := stats.Score
	out.QualityScore = &score
	switch {
	case score < q.BlockBelowScore:
		d := deny(snapshot, ReasonDecisionQuality, fmt.Sprintf("segment %s quality %.3f below block threshold %.3f (%d samples)",
			key, score, q.BlockBelowScore, stats.Samples))
		d.QualityScore, d.QualitySamples = out.QualityScore, out.QualitySamples
		d.RealizedPnl, d.TradesToday = out.RealizedPnl, out.TradesToday
		return d
	case score < q.DownweightBelowScore:
		out.SizeMultiplier = q.DownweightMultiplier
		out.ReasonCode = ReasonDecisionQuality
		out.Reason = fmt.Sprintf("segment %s quality %.3f below downweight threshold %.3f, size x%.2f",
			key, score, q.DownweightBelowScore, q.DownweightMultiplier)
	}
	return out
}

func (g *Gate) record(d Decision) {
	code := d.ReasonCode
	if code == "" {
		code = "none"
	}
	metrics.GateDecisions.WithLabelValues(metrics.BoolLabel(d.Allowed), code).Inc()
	if d.Allowed {
		metrics.GateSizeMultiplier.Set(d.SizeMultiplier)
	}
}

// EvaluateCurrent reads the policy store (with lazy expiry) and evaluates.
// A store failure denies with policy.data_unavailable.
func (g *Gate) EvaluateCurrent(ctx context.Context, cfg Config, store policy.Store, req Request, now time.Time) Decision {
	snapshot, err := policy.Current(ctx, store, now)
	if err != nil {
		g.logger.Error().Err(err).Msg("Policy state unavailable, denying")
		d := deny(policy.State{}, ReasonDataUnavailable, fmt.Sprintf("policy state unavailable: %v", err))
		g.record(d)
		return d
	}
	return g.Evaluate(ctx, cfg, snapshot, req, now)
}
