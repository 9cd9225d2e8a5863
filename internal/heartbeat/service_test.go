package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/pnl"
	"perp-risk-agent/internal/policy"
	"perp-risk-agent/internal/retry"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeExec struct {
	mu        sync.Mutex
	markets   []exchange.MarketState
	bySymbol  map[string]exchange.MarketState
	marketErr []error
	execErrs  []error
	positions []exchange.MarketState
	getCalls  int
	posCalls  int
	orders    []exchange.OrderRequest
	gate      chan struct{}
	entered   chan struct{} // signaled before blocking on gate
}

func (f *fakeExec) GetMarket(ctx context.Context, symbol string) (exchange.MarketState, error) {
	if f.gate != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.marketErr) > 0 {
		err := f.marketErr[0]
		f.marketErr = f.marketErr[1:]
		if err != nil {
			return exchange.MarketState{}, err
		}
	}
	if m, ok := f.bySymbol[symbol]; ok {
		return m, nil
	}
	if len(f.markets) == 0 {
		return exchange.MarketState{Symbol: symbol}, nil
	}
	m := f.markets[0]
	if len(f.markets) > 1 {
		f.markets = f.markets[1:]
	}
	return m, nil
}

func (f *fakeExec) OpenPositions(ctx context.Context) ([]exchange.MarketState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posCalls++
	return f.positions, nil
}

func (f *fakeExec) Execute(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return exchange.OrderResult{}, err
		}
	}
	return exchange.OrderResult{
		OrderID:       int64(len(f.orders)),
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		ExecutedQty:   req.Quantity,
		AvgPrice:      100,
	}, nil
}

func (f *fakeExec) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (f *fakeExec) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}

func (f *fakeExec) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// long returns a 1-unit long at mark 100 with 10x leverage and the given ROE.
func long(symbol string, roe float64) exchange.MarketState {
	return exchange.MarketState{
		Symbol:           symbol,
		MarkPrice:        100,
		Mid:              100,
		PositionAmt:      1,
		EntryPrice:       100,
		Leverage:         10,
		LiquidationPrice: 50,
		UnrealizedPnl:    roe / 10,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Triggers = TriggerConfig{LiquidationProximityPct: 5, PnlShiftPct: 1.5}
	cfg.Poll = fastPolicy()
	cfg.Order = fastPolicy()
	return cfg
}

type harness struct {
	svc   *Service
	exec  *fakeExec
	store *journal.MemoryStore
	clock *testClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	require.NoError(t, cfg.Validate())
	store := journal.NewMemoryStore()
	exec := &fakeExec{}
	svc := NewService(exec, journal.NewRecorder(store, nil, zerolog.Nop()), cfg, zerolog.Nop())
	clock := &testClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	svc.SetClock(clock.Now)
	return &harness{svc: svc, exec: exec, store: store, clock: clock}
}

func (h *harness) tick(t *testing.T, symbol string) TickResult {
	t.Helper()
	res, err := h.svc.Tick(context.Background(), symbol)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)
	return res
}

func (h *harness) entries(t *testing.T, kinds ...journal.Kind) []journal.Entry {
	t.Helper()
	out, err := h.store.List(context.Background(), journal.Query{Kinds: kinds})
	require.NoError(t, err)
	return out
}

// ============================================================================
// Poll failures
// ============================================================================

func TestTickPollExhaustionJournalsOneSkippedEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exec.marketErr = []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}

	res := h.tick(t, "BTCUSDT")

	assert.Equal(t, 3, h.exec.getCalls, "retries+1 attempts")
	assert.Equal(t, 3, res.PollAttempts)
	assert.Equal(t, journal.OutcomeSkipped, res.Outcome)
	assert.Equal(t, ActionHold, res.Action)
	assert.Equal(t, []string{string(DataPollFailed)}, res.Triggers)

	all := h.entries(t)
	require.Len(t, all, 1)
	assert.Equal(t, journal.KindPositionHeartbeat, all[0].Kind)
	assert.Equal(t, journal.OutcomeSkipped, all[0].Outcome)
	hb := all[0].Payload.(*journal.PositionHeartbeat)
	assert.Contains(t, hb.Triggers, string(DataPollFailed))
	assert.Equal(t, 3, hb.PollAttempts)
	assert.NotEmpty(t, hb.Error)
	assert.Zero(t, h.exec.orderCount())
}

func TestTickPollRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exec.marketErr = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	h.exec.markets = []exchange.MarketState{long("BTCUSDT", 1)}

	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, 3, res.PollAttempts)
	assert.Equal(t, journal.OutcomeOK, res.Outcome)
	assert.Equal(t, []string{"BTCUSDT"}, h.svc.ActiveSymbols())
}

// ============================================================================
// Tick flow
// ============================================================================

func TestTickFlatPositionJournalsInfo(t *testing.T) {
	h := newHarness(t, testConfig())

	res := h.tick(t, "ETHUSDT")
	assert.Equal(t, journal.OutcomeInfo, res.Outcome)
	assert.Equal(t, ActionHold, res.Action)
	assert.Empty(t, h.svc.ActiveSymbols())

	all := h.entries(t, journal.KindPositionHeartbeat)
	require.Len(t, all, 1)
	assert.Equal(t, journal.OutcomeInfo, all[0].Outcome)
}

func TestTickPnlShiftRecommendations(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exec.markets = []exchange.MarketState{
		long("BTCUSDT", 1),
		long("BTCUSDT", 2),
		long("BTCUSDT", 4),
		long("BTCUSDT", 4),
		long("BTCUSDT", 1),
	}

	assert.Equal(t, ActionHold, h.tick(t, "BTCUSDT").Action)
	assert.Equal(t, ActionHold, h.tick(t, "BTCUSDT").Action, "a 1pt move is below threshold")

	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, ActionAdjustTakeProfit, res.Action)
	assert.Equal(t, journal.OutcomeInfo, res.Outcome)
	assert.Equal(t, []string{string(PnlShift)}, res.Triggers)

	assert.Equal(t, ActionHold, h.tick(t, "BTCUSDT").Action)

	res = h.tick(t, "BTCUSDT")
	assert.Equal(t, ActionTightenStop, res.Action)
	assert.Zero(t, h.exec.orderCount(), "stop adjustments are advisory")
	assert.Len(t, h.entries(t, journal.KindPositionHeartbeat), 5)
}

func TestTickLiquidationClosesPosition(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	// Entry that opened the position.
	_, err := h.svc.recorder.Record(ctx, "BTCUSDT", "fp-entry", journal.OutcomeExecuted,
		&journal.TradeExecution{Side: "BUY", Notional: 100, Leverage: 10})
	require.NoError(t, err)

	m := long("BTCUSDT", -20)
	m.LiquidationPrice = 97
	h.exec.markets = []exchange.MarketState{m}

	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, ActionCloseEntirely, res.Action)
	assert.Equal(t, journal.OutcomeOK, res.Outcome)
	assert.True(t, res.Closed)
	assert.Equal(t, 1, res.OrderAttempts)

	require.Len(t, h.exec.orders, 1)
	order := h.exec.orders[0]
	assert.True(t, order.ReduceOnly)
	assert.Equal(t, exchange.SideSell, order.Side)
	assert.Equal(t, 1.0, order.Quantity)
	assert.Contains(t, order.ClientOrderID, "hb-")

	execs := h.entries(t, journal.KindTradeExecution)
	require.Len(t, execs, 2)
	exit := execs[1].Payload.(*journal.TradeExecution)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, journal.OutcomeExecuted, execs[1].Outcome)
	assert.Equal(t, "fp-entry", execs[1].Fingerprint)

	closes := h.entries(t, journal.KindTradeClose)
	require.Len(t, closes, 1)
	tc := closes[0].Payload.(*journal.TradeClose)
	assert.Equal(t, "fp-entry", tc.EntryFingerprint)
	assert.Equal(t, []string{string(LiquidationProximity)}, tc.Triggers)
	require.NotNil(t, tc.ReturnRoePct)
	assert.InDelta(t, -20, *tc.ReturnRoePct, 1e-6)
	assert.InDelta(t, 20, *tc.MAERoePct, 1e-6)
	assert.InDelta(t, -2, tc.RealizedPnl, 1e-9)

	assert.Empty(t, h.svc.ActiveSymbols(), "full close resets state")
}

func TestTickShortCloseBuysBack(t *testing.T) {
	h := newHarness(t, testConfig())
	m := long("ETHUSDT", -10)
	m.PositionAmt = -2
	m.LiquidationPrice = 104
	h.exec.markets = []exchange.MarketState{m}

	res := h.tick(t, "ETHUSDT")
	require.True(t, res.Closed)
	require.Len(t, h.exec.orders, 1)
	assert.Equal(t, exchange.SideBuy, h.exec.orders[0].Side)
	assert.Equal(t, 2.0, h.exec.orders[0].Quantity)
}

func TestTickCloseFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t, testConfig())
	unavailable := &exchange.APIError{StatusCode: 503, Message: "service unavailable"}
	h.exec.execErrs = []error{unavailable, unavailable, unavailable}

	near := long("BTCUSDT", -15)
	near.LiquidationPrice = 96
	far := long("BTCUSDT", -15)
	h.exec.markets = []exchange.MarketState{near, far}

	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, journal.OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.OrderAttempts)
	assert.False(t, res.Closed)

	status := h.svc.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].PendingExit)
	assert.Equal(t, []string{"BTCUSDT"}, h.svc.ActiveSymbols())

	failed := h.entries(t, journal.KindTradeExecution)
	require.Len(t, failed, 1)
	assert.Equal(t, journal.OutcomeFailed, failed[0].Outcome)
	assert.NotEmpty(t, failed[0].Payload.(*journal.TradeExecution).Error)

	// No trigger fires on the second tick; the pending exit still closes.
	res = h.tick(t, "BTCUSDT")
	assert.Equal(t, ActionCloseEntirely, res.Action)
	assert.Empty(t, res.Triggers)
	assert.True(t, res.Closed)
	assert.Equal(t, 4, h.exec.orderCount())
	assert.Len(t, h.entries(t, journal.KindTradeClose), 1)
	assert.Empty(t, h.svc.ActiveSymbols())
}

func TestTickTerminalOrderErrorIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exec.execErrs = []error{&exchange.APIError{StatusCode: 400, Code: -2022, Message: "ReduceOnly Order is rejected."}}
	m := long("BTCUSDT", -15)
	m.LiquidationPrice = 96
	h.exec.markets = []exchange.MarketState{m}

	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, journal.OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, res.OrderAttempts, "terminal errors are not retried")
	assert.Empty(t, h.entries(t, journal.KindTradeClose))
}

func TestTickTimeCeilingTakesPartialProfit(t *testing.T) {
	cfg := testConfig()
	cfg.Triggers.TimeCeilingMinutes = 0.25 // 15s
	cfg.Decide.TimeCeilingProfitRoePct = 2
	h := newHarness(t, cfg)
	h.exec.markets = []exchange.MarketState{long("SOLUSDT", 5)}

	// Ticks advance the clock 5s each.
	for i := 0; i < 3; i++ {
		assert.Equal(t, ActionHold, h.tick(t, "SOLUSDT").Action)
	}
	res := h.tick(t, "SOLUSDT")
	assert.Equal(t, ActionTakePartialProfit, res.Action)
	assert.False(t, res.Closed)
	require.Len(t, h.exec.orders, 1)
	assert.InDelta(t, 0.5, h.exec.orders[0].Quantity, 1e-9)

	closes := h.entries(t, journal.KindTradeClose)
	require.Len(t, closes, 1)
	tc := closes[0].Payload.(*journal.TradeClose)
	assert.InDelta(t, 0.25, tc.RealizedPnl, 1e-9)
	assert.InDelta(t, 0.25, tc.HoldMinutes, 1e-9)
	assert.Equal(t, []string{"SOLUSDT"}, h.svc.ActiveSymbols(), "partial close keeps tracking")
}

func TestTickSideFlipResetsState(t *testing.T) {
	h := newHarness(t, testConfig())
	short := long("BTCUSDT", 1)
	short.PositionAmt = -1
	short.LiquidationPrice = 150
	h.exec.markets = []exchange.MarketState{long("BTCUSDT", 1), long("BTCUSDT", 1), short}

	h.tick(t, "BTCUSDT")
	h.tick(t, "BTCUSDT")
	assert.Equal(t, 2, h.svc.Status()[0].BufferLen)

	h.tick(t, "BTCUSDT")
	status := h.svc.Status()[0]
	assert.Equal(t, 1, status.BufferLen)
	assert.Equal(t, string(exchange.SideSell), status.Side)

	closes := h.entries(t, journal.KindTradeClose)
	require.Len(t, closes, 1, "the reversed long is closed in the journal")
	tc := closes[0].Payload.(*journal.TradeClose)
	assert.Equal(t, string(exchange.SideBuy), tc.Side)
	assert.InDelta(t, 0.1, tc.RealizedPnl, 1e-9)
}

// ============================================================================
// Positions closed outside the heartbeat
// ============================================================================

func TestTickExternalCloseJournalsRealizedLoss(t *testing.T) {
	h := newHarness(t, testConfig())
	h.svc.recorder.SetClock(h.clock.Now)
	ctx := context.Background()

	_, err := h.svc.recorder.Record(ctx, "BTCUSDT", "fp-entry", journal.OutcomeExecuted,
		&journal.TradeExecution{Side: "BUY", Notional: 1000, Leverage: 10})
	require.NoError(t, err)

	// Tracked with a 150 loss, then gone on the next poll (bracket stop).
	m := long("BTCUSDT", -15)
	m.UnrealizedPnl = -150
	h.exec.markets = []exchange.MarketState{m, {Symbol: "BTCUSDT"}}

	assert.Equal(t, ActionHold, h.tick(t, "BTCUSDT").Action)
	res := h.tick(t, "BTCUSDT")
	assert.Equal(t, journal.OutcomeInfo, res.Outcome)
	assert.True(t, res.Closed)
	assert.Zero(t, h.exec.orderCount(), "no order is sent for a position that is already gone")
	assert.Empty(t, h.svc.ActiveSymbols())

	closes := h.entries(t, journal.KindTradeClose)
	require.Len(t, closes, 1)
	tc := closes[0].Payload.(*journal.TradeClose)
	assert.Equal(t, "fp-entry", tc.EntryFingerprint)
	assert.InDelta(t, -150, tc.RealizedPnl, 1e-9)
	assert.Equal(t, 1.0, tc.Quantity)
	assert.Equal(t, 100.0, tc.ExitPrice)
	assert.Contains(t, tc.Reason, "closed outside the heartbeat")

	// A further flat tick does not count the loss twice.
	h.tick(t, "BTCUSDT")
	assert.Len(t, h.entries(t, journal.KindTradeClose), 1)

	agg := pnl.NewAggregator(h.store, nil, time.UTC, zerolog.Nop())
	rollup, err := agg.Today(ctx, h.clock.Now())
	require.NoError(t, err)
	realized, _ := rollup.RealizedPnl.Float64()
	assert.InDelta(t, -150, realized, 1e-9)
	assert.Equal(t, 1, rollup.ClosedTrades)

	d := gate.New(agg, nil, zerolog.Nop()).Evaluate(ctx,
		gate.Config{AutonomyEnabled: true, DrawdownCapUSD: 100},
		policy.State{}, gate.Request{ExpectedEdge: 0.01}, h.clock.Now())
	assert.False(t, d.Allowed)
	assert.Equal(t, gate.ReasonDrawdownCap, d.ReasonCode)
}

func TestTickExternalCloseAfterPartialBooksOnlyRemainder(t *testing.T) {
	cfg := testConfig()
	cfg.Triggers.TimeCeilingMinutes = 0.25
	cfg.Decide.TimeCeilingProfitRoePct = 2
	h := newHarness(t, cfg)
	h.exec.markets = []exchange.MarketState{long("SOLUSDT", 5)}

	for i := 0; i < 4; i++ {
		h.tick(t, "SOLUSDT")
	}
	require.Len(t, h.exec.orders, 1, "time ceiling took partial profit")

	h.exec.markets = []exchange.MarketState{{Symbol: "SOLUSDT"}}
	res := h.tick(t, "SOLUSDT")
	assert.True(t, res.Closed)

	closes := h.entries(t, journal.KindTradeClose)
	require.Len(t, closes, 2)
	var total float64
	for _, e := range closes {
		total += e.Payload.(*journal.TradeClose).RealizedPnl
	}
	assert.InDelta(t, 0.5, total, 1e-9, "partial 0.25 plus remainder 0.25")
	assert.InDelta(t, 0.5, closes[1].Payload.(*journal.TradeClose).Quantity, 1e-9)
}

func TestTickFlatWithoutTrackedPositionWritesNoClose(t *testing.T) {
	h := newHarness(t, testConfig())

	res := h.tick(t, "ETHUSDT")
	assert.False(t, res.Closed)
	assert.Empty(t, h.entries(t, journal.KindTradeClose))
}

// ============================================================================
// Status
// ============================================================================

func TestStatusDoesNotWaitForRunningTick(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exec.markets = []exchange.MarketState{long("BTCUSDT", 1)}
	h.tick(t, "BTCUSDT")

	h.exec.gate = make(chan struct{})
	h.exec.entered = make(chan struct{})
	tickDone := make(chan error, 1)
	go func() {
		_, err := h.svc.Tick(context.Background(), "BTCUSDT")
		tickDone <- err
	}()
	<-h.exec.entered // the tick now holds the symbol lock

	statusDone := make(chan []SymbolStatus, 1)
	go func() { statusDone <- h.svc.Status() }()

	select {
	case status := <-statusDone:
		require.Len(t, status, 1)
		assert.Equal(t, "BTCUSDT", status[0].Symbol)
		assert.True(t, status[0].Active)
		assert.Equal(t, 1, status[0].BufferLen, "last completed tick")
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind a running tick")
	}

	close(h.exec.gate)
	require.NoError(t, <-tickDone)
	assert.Equal(t, 2, h.svc.Status()[0].BufferLen)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BufferSize = 5
	assert.Error(t, cfg.Validate(), "volatility window must fit in the buffer")

	cfg = DefaultConfig()
	cfg.Triggers.VolatilitySpikePct = 0
	cfg.BufferSize = 2
	assert.Error(t, cfg.Validate(), "pnl_shift needs the anchor plus two live points")
	cfg.BufferSize = MinBufferSize
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PartialCloseFraction = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Decide.ActionMap = map[Trigger]Action{PnlShift: "panic"}
	assert.Error(t, cfg.Validate())
}
