// Package heartbeat monitors open positions tick by tick: it polls market
// state with retry, evaluates exit triggers with per-trigger cooldowns,
// decides on a defense action, acts with reduce-only orders and journals
// every tick.
//
// Buffers and fire state live in memory only. A restart starts every
// symbol with an empty history; the position's age is then measured from
// the first tick after the restart.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/metrics"
	"perp-risk-agent/internal/retry"
)

// Config configures the service.
type Config struct {
	TickInterval         time.Duration
	BufferSize           int
	Triggers             TriggerConfig
	Decide               DecideConfig
	PartialCloseFraction float64
	Poll                 retry.Policy
	Order                retry.Policy
}

// DefaultConfig returns the heartbeat defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		BufferSize:   120,
		Triggers: TriggerConfig{
			LiquidationProximityPct:    5,
			PnlShiftPct:                1.5,
			VolatilitySpikePct:         1.0,
			VolatilitySpikeWindowTicks: 5,
			TimeCeilingMinutes:         240,
			DefaultCooldownSeconds:     60,
		},
		PartialCloseFraction: 0.5,
		Poll:                 retry.DefaultPolicy(),
		Order:                retry.DefaultPolicy(),
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("heartbeat: tick interval must be positive")
	}
	if c.BufferSize < MinBufferSize {
		return fmt.Errorf("heartbeat: buffer size must be >= %d", MinBufferSize)
	}
	if c.Triggers.VolatilitySpikePct > 0 && c.Triggers.volatilityWindow() >= c.BufferSize {
		return fmt.Errorf("heartbeat: volatility window %d must be smaller than buffer size %d",
			c.Triggers.volatilityWindow(), c.BufferSize)
	}
	if c.PartialCloseFraction <= 0 || c.PartialCloseFraction >= 1 {
		return fmt.Errorf("heartbeat: partial close fraction must be within (0,1)")
	}
	for t, a := range c.Decide.ActionMap {
		if !a.Valid() {
			return fmt.Errorf("heartbeat: unknown action %q for trigger %s", a, t)
		}
	}
	return nil
}

// TickResult summarizes one tick.
type TickResult struct {
	Symbol        string          `json:"symbol"`
	Outcome       journal.Outcome `json:"outcome"`
	Action        Action          `json:"action"`
	Reason        string          `json:"reason"`
	Triggers      []string        `json:"triggers"`
	PollAttempts  int             `json:"poll_attempts"`
	OrderAttempts int             `json:"order_attempts,omitempty"`
	Closed        bool            `json:"closed,omitempty"`
}

type symbolState struct {
	mu          sync.Mutex
	active      bool
	side        exchange.Side
	buffer      *Buffer
	fire        FireState
	pendingExit bool
	fingerprint string
	maxRoe      float64
	minRoe      float64
	lastMarket  exchange.MarketState
	lastTick    time.Time
	lastResult  TickResult

	// tracked mirrors active || pendingExit and status holds the view
	// published at the end of each tick, for readers that must not wait
	// on a running tick.
	tracked atomic.Bool
	status  atomic.Pointer[SymbolStatus]
}

func (st *symbolState) reset(capacity int) {
	st.active = false
	st.side = ""
	st.buffer = NewBuffer(capacity)
	st.fire = NewFireState()
	st.pendingExit = false
	st.fingerprint = ""
	st.maxRoe, st.minRoe = 0, 0
	st.lastMarket = exchange.MarketState{}
}

// Service runs heartbeat ticks.
type Service struct {
	exec     exchange.Executor
	recorder *journal.Recorder
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// NewService wires a heartbeat service.
func NewService(exec exchange.Executor, recorder *journal.Recorder, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		exec:     exec,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "PositionHeartbeat").Logger(),
		now:      time.Now,
		symbols:  make(map[string]*symbolState),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) state(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{}
		st.reset(s.cfg.BufferSize)
		s.symbols[symbol] = st
	}
	return st
}

// ActiveSymbols lists symbols with a tracked open position.
func (s *Service) ActiveSymbols() []string {
	s.mu.Lock()
	states := make(map[string]*symbolState, len(s.symbols))
	for sym, st := range s.symbols {
		states[sym] = st
	}
	s.mu.Unlock()

	var out []string
	for sym, st := range states {
		if st.tracked.Load() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Tick runs one poll-evaluate-act-journal cycle for symbol. Ticks for the
// same symbol are serialized. The tick runs detached from ctx cancellation
// so shutdown never abandons a tick mid-retry. The error is non-nil only
// when the journal could not be written.
func (s *Service) Tick(ctx context.Context, symbol string) (res TickResult, err error) {
	start := time.Now()
	st := s.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("heartbeat").Inc()
			s.logger.Error().Str("symbol", symbol).Interface("panic", r).Msg("Heartbeat tick panicked")
			err = fmt.Errorf("heartbeat tick %s panicked: %v", symbol, r)
		}
		metrics.HeartbeatTickSeconds.Observe(time.Since(start).Seconds())
		if res.Outcome != "" {
			metrics.HeartbeatTicks.WithLabelValues(string(res.Outcome)).Inc()
		}
		st.lastTick = s.now()
		st.lastResult = res
		st.tracked.Store(st.active || st.pendingExit)
		st.publish(symbol)
	}()

	return s.tick(context.WithoutCancel(ctx), symbol, st)
}

func (s *Service) tick(ctx context.Context, symbol string, st *symbolState) (TickResult, error) {
	res := TickResult{Symbol: symbol}

	market, stats, err := retry.DoValue(ctx, s.cfg.Poll, "heartbeat.poll", func(ctx context.Context) (exchange.MarketState, error) {
		return s.exec.GetMarket(ctx, symbol)
	}, retry.WithClassifier(exchange.IsRetryable))
	res.PollAttempts = stats.Attempts
	if err != nil {
		return s.degraded(ctx, symbol, st, res, err)
	}

	if !market.HasPosition() {
		return s.flat(ctx, symbol, st, res)
	}

	nowMs := s.now().UnixMilli()
	if st.active && st.side != market.PositionSide() {
		s.logger.Info().Str("symbol", symbol).Msg("Position side flipped, resetting heartbeat state")
		if err := s.recordExternalClose(ctx, symbol, st, "position reversed outside the heartbeat"); err != nil {
			return res, err
		}
		st.reset(s.cfg.BufferSize)
	}
	if !st.active {
		s.activate(ctx, symbol, st, market)
	}

	if last, ok := st.buffer.Last(); ok && nowMs < last.TS {
		nowMs = last.TS
	}
	point := Point{TS: nowMs, Mid: market.MidOrMark(), RoePct: market.RoePct(), LiqDistPct: market.LiqDistPct()}
	if err := st.buffer.Append(point); err != nil {
		return res, err
	}
	st.maxRoe = math.Max(st.maxRoe, point.RoePct)
	st.minRoe = math.Min(st.minRoe, point.RoePct)
	st.lastMarket = market

	points := st.buffer.Points()
	fired := Evaluate(points, s.cfg.Triggers, nowMs, &st.fire)
	for _, t := range fired {
		metrics.HeartbeatTriggers.WithLabelValues(string(t)).Inc()
	}
	decision := Decide(fired, points, s.cfg.Decide)
	if st.pendingExit && decision.Action != ActionCloseEntirely {
		decision = Decision{Action: ActionCloseEntirely, Reason: "retrying exit that failed on a previous tick"}
	}

	res.Action = decision.Action
	res.Reason = decision.Reason
	res.Triggers = Names(fired)

	snapshot := snapshotOf(market, point, st.buffer.Len())
	payload := &journal.PositionHeartbeat{
		Triggers:     res.Triggers,
		Action:       string(decision.Action),
		Reason:       decision.Reason,
		Snapshot:     &snapshot,
		PollAttempts: res.PollAttempts,
	}

	switch {
	case decision.Action.RequiresOrder():
		return s.act(ctx, symbol, st, market, decision, payload, res)
	case decision.Action == ActionHold:
		res.Outcome = journal.OutcomeOK
	default:
		// Stop and take-profit placement belongs to the bracket manager;
		// the heartbeat records the recommendation.
		res.Outcome = journal.OutcomeInfo
	}

	if len(fired) > 0 {
		s.logger.Info().
			Str("symbol", symbol).
			Strs("triggers", res.Triggers).
			Str("action", string(decision.Action)).
			Float64("roe_pct", point.RoePct).
			Float64("liq_dist_pct", point.LiqDistPct).
			Msg("Heartbeat triggers fired")
	}
	if _, err := s.recorder.Record(ctx, symbol, st.fingerprint, res.Outcome, payload); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) activate(ctx context.Context, symbol string, st *symbolState, market exchange.MarketState) {
	st.reset(s.cfg.BufferSize)
	st.active = true
	st.side = market.PositionSide()
	if s.recorder == nil {
		return
	}
	entry, err := journal.LatestExecution(ctx, s.recorder.Store(), symbol)
	switch {
	case err == nil:
		st.fingerprint = entry.Fingerprint
	case errors.Is(err, journal.ErrNotFound):
	default:
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Could not look up entry fingerprint")
	}
	s.logger.Info().
		Str("symbol", symbol).
		Str("side", string(st.side)).
		Float64("qty", market.PositionAmt).
		Str("fingerprint", st.fingerprint).
		Msg("Heartbeat tracking position")
}

func (s *Service) degraded(ctx context.Context, symbol string, st *symbolState, res TickResult, pollErr error) (TickResult, error) {
	res.Outcome = journal.OutcomeSkipped
	res.Action = ActionHold
	res.Triggers = []string{string(DataPollFailed)}
	res.Reason = fmt.Sprintf("market data unavailable after %d attempt(s): %v", res.PollAttempts, pollErr)

	s.logger.Warn().Err(pollErr).Str("symbol", symbol).Int("attempts", res.PollAttempts).Msg("Heartbeat poll failed, skipping tick")

	payload := &journal.PositionHeartbeat{
		Triggers:     res.Triggers,
		Action:       string(ActionHold),
		Reason:       res.Reason,
		PollAttempts: res.PollAttempts,
		Error:        pollErr.Error(),
	}
	if _, err := s.recorder.Record(ctx, symbol, st.fingerprint, res.Outcome, payload); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) flat(ctx context.Context, symbol string, st *symbolState, res TickResult) (TickResult, error) {
	res.Outcome = journal.OutcomeInfo
	res.Action = ActionHold
	res.Triggers = []string{}
	res.Reason = "no open position"
	if st.active {
		res.Reason = "position closed outside the heartbeat"
		if err := s.recordExternalClose(ctx, symbol, st, res.Reason); err != nil {
			return res, err
		}
		res.Closed = true
	}
	fingerprint := st.fingerprint
	st.reset(s.cfg.BufferSize)

	payload := &journal.PositionHeartbeat{
		Triggers:     res.Triggers,
		Action:       string(ActionHold),
		Reason:       res.Reason,
		PollAttempts: res.PollAttempts,
	}
	if _, err := s.recorder.Record(ctx, symbol, fingerprint, res.Outcome, payload); err != nil {
		return res, err
	}
	return res, nil
}

// recordExternalClose journals a trade_close for a position that left the
// exchange without a heartbeat order (bracket stop, liquidation, manual
// close). Realized P&L is estimated from the last observed snapshot.
func (s *Service) recordExternalClose(ctx context.Context, symbol string, st *symbolState, reason string) error {
	market := st.lastMarket
	if !market.HasPosition() {
		return nil
	}
	decision := Decision{Action: ActionCloseEntirely, Reason: reason}
	qty := math.Abs(market.PositionAmt)
	closePayload := s.closeRecord(st, market, decision, qty, true, exchange.OrderResult{}, "", nil)

	s.logger.Warn().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("qty", qty).
		Float64("realized_pnl_est", closePayload.RealizedPnl).
		Msg("Tracked position closed outside the heartbeat")

	_, err := s.recorder.Record(ctx, symbol, "", journal.OutcomeInfo, closePayload)
	return err
}

func (s *Service) act(ctx context.Context, symbol string, st *symbolState, market exchange.MarketState,
	decision Decision, payload *journal.PositionHeartbeat, res TickResult) (TickResult, error) {

	qty := math.Abs(market.PositionAmt)
	full := decision.Action == ActionCloseEntirely
	if !full {
		qty *= s.cfg.PartialCloseFraction
	}
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          market.PositionSide().Opposite(),
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: "hb-" + uuid.NewString()[:18],
	}

	result, stats, err := retry.DoValue(ctx, s.cfg.Order, "heartbeat.order", func(ctx context.Context) (exchange.OrderResult, error) {
		return s.exec.Execute(ctx, req)
	}, retry.WithClassifier(exchange.IsRetryable))
	res.OrderAttempts = stats.Attempts
	payload.OrderAttempts = stats.Attempts
	payload.ClientOrderID = req.ClientOrderID

	execPayload := &journal.TradeExecution{
		Side:          string(req.Side),
		ReduceOnly:    true,
		Notional:      qty * market.MarkPrice,
		ClientOrderID: req.ClientOrderID,
		Attempts:      stats.Attempts,
	}

	if err != nil {
		res.Outcome = journal.OutcomeFailed
		if retry.IsTerminal(err) {
			res.Outcome = journal.OutcomeRejected
		}
		if full {
			st.pendingExit = true
		}
		payload.Error = err.Error()
		execPayload.Error = err.Error()
		s.logger.Error().Err(err).
			Str("symbol", symbol).
			Str("action", string(decision.Action)).
			Int("attempts", stats.Attempts).
			Msg("Heartbeat exit order failed")

		if _, jerr := s.recorder.Record(ctx, symbol, st.fingerprint, res.Outcome, execPayload); jerr != nil {
			return res, jerr
		}
		if _, jerr := s.recorder.Record(ctx, symbol, st.fingerprint, res.Outcome, payload); jerr != nil {
			return res, jerr
		}
		return res, nil
	}

	res.Outcome = journal.OutcomeOK
	execPayload.OrderID = result.OrderID
	execPayload.ExecutedQty = result.ExecutedQty
	execPayload.AvgPrice = result.AvgPrice

	s.logger.Info().
		Str("symbol", symbol).
		Str("action", string(decision.Action)).
		Float64("qty", qty).
		Int64("order_id", result.OrderID).
		Msg("Heartbeat exit order filled")

	closePayload := s.closeRecord(st, market, decision, qty, full, result, req.ClientOrderID, res.Triggers)
	fingerprint := st.fingerprint
	if full {
		res.Closed = true
		st.reset(s.cfg.BufferSize)
	} else {
		// The closed fraction is booked; only the remainder can still close
		// outside the heartbeat.
		keep := 1 - s.cfg.PartialCloseFraction
		st.lastMarket.PositionAmt *= keep
		st.lastMarket.UnrealizedPnl *= keep
	}

	if _, err := s.recorder.Record(ctx, symbol, fingerprint, journal.OutcomeExecuted, execPayload); err != nil {
		return res, err
	}
	if _, err := s.recorder.Record(ctx, symbol, fingerprint, res.Outcome, payload); err != nil {
		return res, err
	}
	if _, err := s.recorder.Record(ctx, symbol, "", journal.OutcomeOK, closePayload); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) closeRecord(st *symbolState, market exchange.MarketState, decision Decision, qty float64,
	full bool, result exchange.OrderResult, clientOrderID string, triggers []string) *journal.TradeClose {

	fraction := 1.0
	if !full {
		fraction = s.cfg.PartialCloseFraction
	}
	ret := market.RoePct()
	mfe := math.Max(0, st.maxRoe)
	mae := math.Max(0, -st.minRoe)
	hold := 0.0
	if anchor, ok := st.buffer.Anchor(); ok {
		hold = float64(s.now().UnixMilli()-anchor.TS) / float64(time.Minute/time.Millisecond)
	}
	exitPrice := result.AvgPrice
	if exitPrice <= 0 {
		exitPrice = market.MarkPrice
	}
	reason := string(decision.Action)
	if decision.Reason != "" {
		reason += ": " + decision.Reason
	}
	return &journal.TradeClose{
		EntryFingerprint: st.fingerprint,
		Side:             string(market.PositionSide()),
		Reason:           reason,
		Triggers:         triggers,
		ReturnRoePct:     &ret,
		MFERoePct:        &mfe,
		MAERoePct:        &mae,
		RealizedPnl:      market.UnrealizedPnl * fraction,
		HoldMinutes:      hold,
		ExitPrice:        exitPrice,
		Quantity:         qty,
		ClientOrderID:    clientOrderID,
	}
}

func snapshotOf(m exchange.MarketState, p Point, bufferLen int) journal.Snapshot {
	return journal.Snapshot{
		MarkPrice:        m.MarkPrice,
		Mid:              p.Mid,
		PositionAmt:      m.PositionAmt,
		EntryPrice:       m.EntryPrice,
		Leverage:         m.Leverage,
		LiquidationPrice: m.LiquidationPrice,
		UnrealizedPnl:    m.UnrealizedPnl,
		RoePct:           p.RoePct,
		LiqDistPct:       p.LiqDistPct,
		BufferLen:        bufferLen,
	}
}

// SymbolStatus is an operator view of one tracked symbol.
type SymbolStatus struct {
	Symbol      string     `json:"symbol"`
	Active      bool       `json:"active"`
	Side        string     `json:"side,omitempty"`
	BufferLen   int        `json:"buffer_len"`
	PendingExit bool       `json:"pending_exit"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	FireState   FireState  `json:"fire_state"`
	LastPoint   *Point     `json:"last_point,omitempty"`
	LastTick    time.Time  `json:"last_tick"`
	LastResult  TickResult `json:"last_result"`
}

// publish stores the operator view of st. Callers hold st.mu.
func (st *symbolState) publish(symbol string) {
	status := SymbolStatus{
		Symbol:      symbol,
		Active:      st.active,
		Side:        string(st.side),
		BufferLen:   st.buffer.Len(),
		PendingExit: st.pendingExit,
		Fingerprint: st.fingerprint,
		FireState:   st.fire.Clone(),
		LastTick:    st.lastTick,
		LastResult:  st.lastResult,
	}
	if p, ok := st.buffer.Last(); ok {
		status.LastPoint = &p
	}
	st.status.Store(&status)
}

// Status returns the view published by the last completed tick of every
// symbol the service has seen. It never waits on a running tick.
func (s *Service) Status() []SymbolStatus {
	s.mu.Lock()
	states := make(map[string]*symbolState, len(s.symbols))
	syms := make([]string, 0, len(s.symbols))
	for sym, st := range s.symbols {
		states[sym] = st
		syms = append(syms, sym)
	}
	s.mu.Unlock()
	sort.Strings(syms)

	out := make([]SymbolStatus, 0, len(syms))
	for _, sym := range syms {
		if p := states[sym].status.Load(); p != nil {
			out = append(out, *p)
			continue
		}
		out = append(out, SymbolStatus{Symbol: sym})
	}
	return out
}
