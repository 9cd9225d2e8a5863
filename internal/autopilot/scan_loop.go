// Package autopilot runs the autonomous entry cycle: it pulls candidates
// from discovery, ranks them by expected edge, asks the trade gate for each
// one, sizes the survivors by session and confidence, and submits entries.
// It also holds the Redis instance lease that keeps standby replicas idle.
package autopilot

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-risk-agent/internal/events"
	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/metrics"
	"perp-risk-agent/internal/policy"
	"perp-risk-agent/internal/retry"
	"perp-risk-agent/internal/session"
)

// ScanConfig configures the scan loop.
type ScanConfig struct {
	Interval         time.Duration
	MinEdge          float64
	MaxTradesPerScan int
	BaseNotionalUSD  float64
	BaseLeverage     float64
	MaxLeverage      int
	Gate             gate.Config
	Session          session.Config
	Positions        retry.Policy
	Order            retry.Policy
}

// DefaultScanConfig returns the scan defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Interval:         60 * time.Second,
		MinEdge:          0.002,
		MaxTradesPerScan: 2,
		BaseNotionalUSD:  100,
		BaseLeverage:     5,
		MaxLeverage:      10,
		Gate:             gate.DefaultConfig(),
		Session:          session.Config{},
		Positions:        retry.DefaultPolicy(),
		Order:            retry.DefaultPolicy(),
	}
}

// Validate checks the configuration is usable.
func (c ScanConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("scan: interval must be positive")
	}
	if math.IsNaN(c.MinEdge) || c.MinEdge < 0 {
		return fmt.Errorf("scan: min edge must be >= 0")
	}
	if c.MaxTradesPerScan < 1 {
		return fmt.Errorf("scan: max trades per scan must be >= 1")
	}
	if c.BaseNotionalUSD <= 0 {
		return fmt.Errorf("scan: base notional must be positive")
	}
	if c.BaseLeverage < 1 {
		return fmt.Errorf("scan: base leverage must be >= 1")
	}
	if c.MaxLeverage < 1 {
		return fmt.Errorf("scan: max leverage must be >= 1")
	}
	return c.Gate.Validate()
}

// CandidateResult is what happened to one candidate that reached the gate.
type CandidateResult struct {
	Symbol         string          `json:"symbol"`
	Side           exchange.Side   `json:"side"`
	ExpectedEdge   float64         `json:"expected_edge"`
	Fingerprint    string          `json:"fingerprint"`
	Allowed        bool            `json:"allowed"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	SizeMultiplier float64         `json:"size_multiplier,omitempty"`
	SessionBucket  session.Bucket  `json:"session_bucket,omitempty"`
	SessionWeight  float64         `json:"session_weight,omitempty"`
	Notional       float64         `json:"notional,omitempty"`
	Leverage       int             `json:"leverage,omitempty"`
	Outcome        journal.Outcome `json:"outcome,omitempty"`
	OrderID        int64           `json:"order_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ScanReport summarizes one scan.
type ScanReport struct {
	StartedAt        time.Time         `json:"started_at"`
	Skipped          string            `json:"skipped,omitempty"`
	PolicyVersion    int64             `json:"policy_version"`
	MinEdge          float64           `json:"min_edge"`
	MaxTradesPerScan int               `json:"max_trades_per_scan"`
	Received         int               `json:"received"`
	Invalid          int               `json:"invalid"`
	BelowEdge        int               `json:"below_edge"`
	Duplicate        int               `json:"duplicate"`
	HasPosition      int               `json:"has_position"`
	Capped           int               `json:"capped"`
	Results          []CandidateResult `json:"results"`
}

// Count returns how many results ended with outcome o.
func (r ScanReport) Count(o journal.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Scan skip reasons.
const (
	SkipLeaseNotHeld = "lease_not_held"
)

// ScanLoop glues discovery, the trade gate and the executor together.
type ScanLoop struct {
	cfg       ScanConfig
	discovery Discovery
	gate      *gate.Gate
	policy    policy.Store
	exec      exchange.Executor
	recorder  *journal.Recorder
	lease     LeaseChecker
	bus       *events.EventBus
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex // serializes scans
	lastMu sync.Mutex
	last   *ScanReport
}

// NewScanLoop wires a scan loop. lease may be nil.
func NewScanLoop(cfg ScanConfig, discovery Discovery, g *gate.Gate, store policy.Store,
	exec exchange.Executor, recorder *journal.Recorder, lease LeaseChecker, logger zerolog.Logger) *ScanLoop {
	return &ScanLoop{
		cfg:       cfg,
		discovery: discovery,
		gate:      g,
		policy:    store,
		exec:      exec,
		recorder:  recorder,
		lease:     lease,
		logger:    logger.With().Str("component", "ScanLoop").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the clock.
func (s *ScanLoop) SetClock(now func() time.Time) { s.now = now }

// SetEventBus announces loop start and stop on bus.
func (s *ScanLoop) SetEventBus(bus *events.EventBus) { s.bus = bus }

// LastReport returns the most recent scan report, if any.
func (s *ScanLoop) LastReport() (ScanReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return ScanReport{}, false
	}
	return *s.last, true
}

// Run scans every interval until ctx is done.
func (s *ScanLoop) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Scan loop started")
	s.bus.PublishLoopState("scan", true)
	defer s.bus.PublishLoopState("scan", false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scan loop stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *ScanLoop) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("scan").Inc()
			s.logger.Error().Interface("panic", r).Msg("Scan panicked")
		}
	}()

	report, err := s.ScanOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Scan failed")
			s.bus.PublishError("scan", "scan failed", err)
		}
		return
	}
	if report.Skipped != "" {
		s.logger.Debug().Str("skipped", report.Skipped).Msg("Scan skipped")
		return
	}
	s.logger.Info().
		Int("received", report.Received).
		Int("evaluated", len(report.Results)).
		Int("executed", report.Count(journal.OutcomeExecuted)).
		Int("rejected", report.Count(journal.OutcomeRejected)).
		Msg("Scan complete")
}

// ScanOnce runs one full scan. Gate denials are outcomes, not errors; the
// returned error is reserved for discovery, position and journal failures.
func (s *ScanLoop) ScanOnce(ctx context.Context) (ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := ScanReport{StartedAt: now, Results: []CandidateResult{}}
	defer func() {
		r := report
		s.lastMu.Lock()
		s.last = &r
		s.lastMu.Unlock()
	}()

	if s.lease != nil && !s.lease.Held() {
		report.Skipped = SkipLeaseNotHeld
		return report, nil
	}

	minEdge, maxTrades := s.cfg.MinEdge, s.cfg.MaxTradesPerScan
	snapshot, err := policy.Current(ctx, s.policy, now)
	if err != nil {
		// The gate will deny every candidate with data_unavailable.
		s.logger.Warn().Err(err).Msg("Policy state unavailable, using configured scan limits")
	} else {
		report.PolicyVersion = snapshot.Version
		if snapshot.MinEdgeOverride != nil {
			minEdge = *snapshot.MinEdgeOverride
		}
		if snapshot.MaxTradesPerScanOverride != nil {
			maxTrades = *snapshot.MaxTradesPerScanOverride
		}
	}
	report.MinEdge, report.MaxTradesPerScan = minEdge, maxTrades

	raw, err := s.discovery.Candidates(ctx)
	if err != nil {
		return report, fmt.Errorf("discovery: %w", err)
	}
	report.Received = len(raw)
	metrics.ScanCandidates.WithLabelValues("received").Add(float64(len(raw)))

	candidates := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		c = c.Normalize()
		if err := c.Validate(); err != nil {
			report.Invalid++
			s.logger.Warn().Err(err).Msg("Dropping invalid candidate")
			continue
		}
		if c.ExpectedEdge < minEdge {
			report.BelowEdge++
			continue
		}
		candidates = append(candidates, c)
	}
	rankCandidates(candidates)
	candidates, report.Duplicate = dedupeBySymbol(candidates)
	metrics.ScanCandidates.WithLabelValues("above_edge").Add(float64(len(candidates)))

	if len(candidates) > 0 {
		open, _, err := retry.DoValue(ctx, s.cfg.Positions, "scan.positions", func(ctx context.Context) ([]exchange.MarketState, error) {
			return s.exec.OpenPositions(ctx)
		}, retry.WithClassifier(exchange.IsRetryable))
		if err != nil {
			return report, fmt.Errorf("open positions: %w", err)
		}
		held := make(map[string]bool, len(open))
		for _, p := range open {
			held[p.Symbol] = true
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if held[c.Symbol] {
				report.HasPosition++
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	if maxTrades < 0 {
		maxTrades = 0
	}
	if len(candidates) > maxTrades {
		report.Capped = len(candidates) - maxTrades
		candidates = candidates[:maxTrades]
	}
	metrics.ScanCandidates.WithLabelValues("evaluated").Add(float64(len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		res, err := s.process(ctx, c)
		report.Results = append(report.Results, res)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// process runs gate, sizing and execution for one candidate.
func (s *ScanLoop) process(ctx context.Context, c Candidate) (CandidateResult, error) {
	now := s.now()
	fingerprint := c.Fingerprint
	if fingerprint == "" {
		fingerprint = "scan-" + uuid.NewString()
	}
	res := CandidateResult{
		Symbol:       c.Symbol,
		Side:         c.Side,
		ExpectedEdge: c.ExpectedEdge,
		Fingerprint:  fingerprint,
	}
	segment := journal.Segment{
		SignalClass:      c.SignalClass,
		MarketRegime:     c.MarketRegime,
		VolatilityBucket: c.VolatilityBucket,
		LiquidityBucket:  c.LiquidityBucket,
	}

	decision := s.gate.EvaluateCurrent(ctx, s.cfg.Gate, s.policy, gate.Request{
		ExpectedEdge:     c.ExpectedEdge,
		SignalClass:      c.SignalClass,
		MarketRegime:     c.MarketRegime,
		VolatilityBucket: c.VolatilityBucket,
		LiquidityBucket:  c.LiquidityBucket,
	}, now)
	res.Allowed = decision.Allowed
	res.ReasonCode = decision.ReasonCode
	res.SizeMultiplier = decision.SizeMultiplier

	gateOutcome := journal.OutcomeOK
	if !decision.Allowed {
		gateOutcome = journal.OutcomeRejected
	}
	if _, err := s.recorder.Record(ctx, c.Symbol, fingerprint, gateOutcome, &journal.GateDecision{
		Segment:        segment,
		Side:           string(c.Side),
		ExpectedEdge:   c.ExpectedEdge,
		Confidence:     c.Confidence,
		Allowed:        decision.Allowed,
		ReasonCode:     decision.ReasonCode,
		Reason:         decision.Reason,
		SizeMultiplier: decision.SizeMultiplier,
		PolicyVersion:  decision.PolicyState.Version,
		QualityScore:   decision.QualityScore,
		QualitySamples: decision.QualitySamples,
	}); err != nil {
		return res, err
	}

	if !decision.Allowed {
		res.Outcome = journal.OutcomeRejected
		s.logger.Info().
			Str("symbol", c.Symbol).
			Str("reason_code", decision.ReasonCode).
			Str("reason", decision.Reason).
			Msg("Candidate denied by trade gate")
		return res, nil
	}

	bucket, weight := session.Weigh(now, s.cfg.Session)
	notional := s.cfg.BaseNotionalUSD * decision.SizeMultiplier * weight
	leverage := Leverage(s.cfg.BaseLeverage, c.EffectiveConfidence(), s.cfg.MaxLeverage, decision.PolicyState.LeverageCapOverride)
	res.SessionBucket, res.SessionWeight = bucket, weight
	res.Notional, res.Leverage = notional, leverage

	req := exchange.OrderRequest{
		Symbol:        c.Symbol,
		Side:          c.Side,
		Notional:      notional,
		Leverage:      leverage,
		ClientOrderID: "scan-" + uuid.NewString()[:18],
	}
	// Entries finish their retry sequence even when shutdown starts.
	result, stats, err := retry.DoValue(context.WithoutCancel(ctx), s.cfg.Order, "scan.order", func(ctx context.Context) (exchange.OrderResult, error) {
		return s.exec.Execute(ctx, req)
	}, retry.WithClassifier(exchange.IsRetryable))

	payload := &journal.TradeExecution{
		Segment:        segment,
		Side:           string(c.Side),
		ExpectedEdge:   c.ExpectedEdge,
		Confidence:     c.Confidence,
		Notional:       notional,
		TargetNotional: s.cfg.BaseNotionalUSD,
		Leverage:       leverage,
		SizeMultiplier: decision.SizeMultiplier,
		SessionBucket:  string(bucket),
		SessionWeight:  weight,
		ClientOrderID:  req.ClientOrderID,
		Attempts:       stats.Attempts,
	}

	switch {
	case err == nil:
		res.Outcome = journal.OutcomeExecuted
		res.OrderID = result.OrderID
		payload.OrderID = result.OrderID
		payload.ExecutedQty = result.ExecutedQty
		payload.AvgPrice = result.AvgPrice
		if filled := result.ExecutedQty * result.AvgPrice; filled > 0 {
			payload.Notional = filled
		}
		s.logger.Info().
			Str("symbol", c.Symbol).
			Str("side", string(c.Side)).
			Float64("notional", notional).
			Int("leverage", leverage).
			Str("session", string(bucket)).
			Int64("order_id", result.OrderID).
			Msg("Entry order filled")
	case retry.IsTerminal(err):
		res.Outcome = journal.OutcomeRejected
	default:
		res.Outcome = journal.OutcomeFailed
	}
	if err != nil {
		res.Error = err.Error()
		payload.Error = err.Error()
		s.logger.Error().Err(err).
			Str("symbol", c.Symbol).
			Int("attempts", stats.Attempts).
			Str("outcome", string(res.Outcome)).
			Msg("Entry order failed")
	}
	metrics.ScanOrders.WithLabelValues(string(res.Outcome)).Inc()

	if _, jerr := s.recorder.Record(ctx, c.Symbol, fingerprint, res.Outcome, payload); jerr != nil {
		return res, jerr
	}
	return res, nil
}

// Leverage derives entry leverage: round(base*confidence) clamped to
// [1, min(max, cap)]. A nil cap means no policy override.
func Leverage(base, confidence float64, max int, capOverride *int) int {
	limit := max
	if capOverride != nil && *capOverride < limit {
		limit = *capOverride
	}
	if limit < 1 {
		limit = 1
	}
	lev := int(math.Round(base * confidence))
	if lev < 1 {
		lev = 1
	}
	if lev > limit {
		lev = limit
	}
	return lev
}

// rankCandidates sorts by expected edge desc, confidence desc, symbol asc.
func rankCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.ExpectedEdge != b.ExpectedEdge {
			return a.ExpectedEdge > b.ExpectedEdge
		}
		ac, bc := a.EffectiveConfidence(), b.EffectiveConfidence()
		if ac != bc {
			return ac > bc
		}
		return a.Symbol < b.Symbol
	})
}

// dedupeBySymbol keeps the best-ranked candidate per symbol.
func dedupeBySymbol(cs []Candidate) ([]Candidate, int) {
	seen := make(map[string]bool, len(cs))
	out := cs[:0]
	dropped := 0
	for _, c := range cs {
		if seen[c.Symbol] {
			dropped++
			continue
		}
		seen[c.Symbol] = true
		out = append(out, c)
	}
	return out, dropped
}
