package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-risk-agent/internal/binance"
	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/pnl"
	"perp-risk-agent/internal/policy"
	"perp-risk-agent/internal/quality"
	"perp-risk-agent/internal/retry"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

// Tuesday 14:00 UTC: eu_us_overlap, weight 1.0.
var overlapTime = time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu        sync.Mutex
	positions []exchange.MarketState
	posErr    error
	execErrs  []error // consumed one per Execute call
	requests  []exchange.OrderRequest
	nextID    int64
}

func (f *fakeExecutor) GetMarket(ctx context.Context, symbol string) (exchange.MarketState, error) {
	return exchange.MarketState{Symbol: symbol}, nil
}

func (f *fakeExecutor) OpenPositions(ctx context.Context) ([]exchange.MarketState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.positions, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return exchange.OrderResult{}, err
		}
	}
	f.nextID++
	return exchange.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		ExecutedQty:   req.Notional / 100,
		AvgPrice:      100,
	}, nil
}

func (f *fakeExecutor) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (f *fakeExecutor) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}

func (f *fakeExecutor) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type countingDiscovery struct {
	*StaticDiscovery
	calls int
}

func (d *countingDiscovery) Candidates(ctx context.Context) ([]Candidate, error) {
	d.calls++
	return d.StaticDiscovery.Candidates(ctx)
}

// failingJournal accepts reads but can be told to reject writes.
type failingJournal struct {
	*journal.MemoryStore
	failAppend bool
}

func (f *failingJournal) Append(ctx context.Context, e journal.Entry) error {
	if f.failAppend {
		return errors.New("disk full")
	}
	return f.MemoryStore.Append(ctx, e)
}

type staticLease bool

func (l staticLease) Held() bool { return bool(l) }

type scanHarness struct {
	loop      *ScanLoop
	exec      exchange.Executor
	fake      *fakeExecutor
	journal   *failingJournal
	policy    *policy.MemoryStore
	discovery *countingDiscovery
	clock     time.Time
}

func testScanConfig() ScanConfig {
	cfg := DefaultScanConfig()
	cfg.MinEdge = 0.002
	cfg.MaxTradesPerScan = 5
	cfg.BaseNotionalUSD = 100
	cfg.BaseLeverage = 5
	cfg.MaxLeverage = 10
	cfg.Gate = gate.Config{AutonomyEnabled: true}
	cfg.Positions = retry.Policy{Retries: 1, BaseDelay: time.Millisecond}
	cfg.Order = retry.Policy{Retries: 2, BaseDelay: time.Millisecond}
	return cfg
}

func newScanHarness(t *testing.T, cfg ScanConfig, exec exchange.Executor, candidates ...Candidate) *scanHarness {
	t.Helper()
	h := &scanHarness{
		exec:      exec,
		journal:   &failingJournal{MemoryStore: journal.NewMemoryStore()},
		policy:    policy.NewMemoryStore(),
		discovery: &countingDiscovery{StaticDiscovery: NewStaticDiscovery(candidates...)},
		clock:     overlapTime,
	}
	if f, ok := exec.(*fakeExecutor); ok {
		h.fake = f
	}
	now := func() time.Time { return h.clock }

	recorder := journal.NewRecorder(h.journal, nil, zerolog.Nop())
	recorder.SetClock(now)
	g := gate.New(
		pnl.NewAggregator(h.journal, nil, time.UTC, zerolog.Nop()),
		quality.NewJournalSource(h.journal, quality.DefaultConfig()),
		zerolog.Nop(),
	)
	h.loop = NewScanLoop(cfg, h.discovery, g, h.policy, exec, recorder, AlwaysHeld{}, zerolog.Nop())
	h.loop.SetClock(now)
	return h
}

func (h *scanHarness) entries(t *testing.T, kind journal.Kind) []journal.Entry {
	t.Helper()
	out, err := h.journal.List(context.Background(), journal.Query{Kinds: []journal.Kind{kind}})
	require.NoError(t, err)
	return out
}

func cand(symbol string, side exchange.Side, edge, confidence float64) Candidate {
	return Candidate{
		Symbol:       symbol,
		Side:         side,
		SignalClass:  "breakout",
		ExpectedEdge: edge,
		Confidence:   confidence,
	}
}

// ============================================================================
// FILTER, RANK AND CAP
// ============================================================================

func TestScanOnce_FiltersRanksAndCaps(t *testing.T) {
	cfg := testScanConfig()
	cfg.MaxTradesPerScan = 1
	exec := &fakeExecutor{positions: []exchange.MarketState{{Symbol: "SOLUSDT", PositionAmt: 1}}}
	h := newScanHarness(t, cfg, exec,
		cand("ethusdt", "buy", 0.010, 0.5),      // valid after normalization
		cand("BTCUSDT", exchange.SideSell, 0.020, 0.8),
		cand("XRPUSDT", exchange.SideBuy, 0.001, 0.9), // below min edge
		cand("ADAUSDT", "HOLD", 0.05, 0.9),            // invalid side
		cand("", exchange.SideBuy, 0.05, 0.9),         // no symbol
		cand("BTCUSDT", exchange.SideBuy, 0.015, 0.9), // duplicate, lower edge
		cand("SOLUSDT", exchange.SideBuy, 0.030, 0.9), // open position
	)

	report, err := h.loop.ScanOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, report.Received)
	assert.Equal(t, 2, report.Invalid)
	assert.Equal(t, 1, report.BelowEdge)
	assert.Equal(t, 1, report.Duplicate)
	assert.Equal(t, 1, report.HasPosition)
	assert.Equal(t, 1, report.Capped)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "BTCUSDT", report.Results[0].Symbol)
	assert.Equal(t, exchange.SideSell, report.Results[0].Side)
	assert.Equal(t, journal.OutcomeExecuted, report.Results[0].Outcome)
}

func TestRankCandidates(t *testing.T) {
	cs := []Candidate{
		cand("CCC", exchange.SideBuy, 0.01, 0.5),
		cand("BBB", exchange.SideBuy, 0.01, 0.9),
		cand("AAA", exchange.SideBuy, 0.01, 0.5),
		cand("DDD", exchange.SideBuy, 0.02, 0.1),
		cand("EEE", exchange.SideBuy, 0.01, 0), // counts as confidence 1
	}
	rankCandidates(cs)

	var got []string
	for _, c := range cs {
		got = append(got, c.Symbol)
	}
	assert.Equal(t, []string{"DDD", "EEE", "BBB", "AAA", "CCC"}, got)
}

// ============================================================================
// SIZING AND EXECUTION
// ============================================================================

func TestScanOnce_SizesBySessionAndConfidence(t *testing.T) {
	tests := []struct {
		name         string
		clock        time.Time
		confidence   float64
		wantNotional float64
		wantLeverage int
	}{
		{"overlap full weight", overlapTime, 0.5, 100, 3},
		{"late us derate", time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC), 0.5, 60, 3},
		{"weekend", time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC), 1, 50, 5},
		{"confidence out of range", overlapTime, 1.7, 100, 5},
		{"leverage capped by max", overlapTime, 1, 100, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, tt.confidence))
			h.clock = tt.clock

			report, err := h.loop.ScanOnce(context.Background())
			require.NoError(t, err)
			require.Len(t, exec.requests, 1)

			req := exec.requests[0]
			assert.InDelta(t, tt.wantNotional, req.Notional, 1e-9)
			assert.Equal(t, tt.wantLeverage, req.Leverage)
			assert.False(t, req.ReduceOnly)
			assert.True(t, strings.HasPrefix(req.ClientOrderID, "scan-"))
			assert.InDelta(t, tt.wantNotional, report.Results[0].Notional, 1e-9)
		})
	}
}

func TestScanOnce_JournalsGateDecisionAndExecution(t *testing.T) {
	exec := &fakeExecutor{}
	c := cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5)
	c.Fingerprint = "sig-123"
	h := newScanHarness(t, testScanConfig(), exec, c)

	_, err := h.loop.ScanOnce(context.Background())
	require.NoError(t, err)

	decisions := h.entries(t, journal.KindGateDecision)
	require.Len(t, decisions, 1)
	assert.Equal(t, journal.OutcomeOK, decisions[0].Outcome)
	assert.Equal(t, "sig-123", decisions[0].Fingerprint)
	gd := decisions[0].Payload.(*journal.GateDecision)
	assert.True(t, gd.Allowed)
	assert.Equal(t, "breakout", gd.SignalClass)
	assert.Equal(t, 1.0, gd.SizeMultiplier)

	executions := h.entries(t, journal.KindTradeExecution)
	require.Len(t, executions, 1)
	assert.Equal(t, journal.OutcomeExecuted, executions[0].Outcome)
	assert.Equal(t, "sig-123", executions[0].Fingerprint)
	te := executions[0].Payload.(*journal.TradeExecution)
	assert.False(t, te.ReduceOnly)
	assert.Equal(t, 3, te.Leverage)
	assert.Equal(t, 1, te.Attempts)
	assert.Equal(t, "eu_us_overlap", te.SessionBucket)
	assert.InDelta(t, 100, te.TargetNotional, 1e-9)
	assert.InDelta(t, 100, te.Notional, 1e-9)
	assert.Equal(t, exec.requests[0].ClientOrderID, te.ClientOrderID)
}

// overFillExecutor fills 30% more quantity than requested.
type overFillExecutor struct {
	*fakeExecutor
}

func (o overFillExecutor) Execute(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	res, err := o.fakeExecutor.Execute(ctx, req)
	res.ExecutedQty *= 1.3
	return res, err
}

func TestScanOnce_TargetNotionalIsTheUnweightedBase(t *testing.T) {
	lateUS := time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		clock      time.Time
		exec       exchange.Executor
		wantFilled float64
		wantSizing float64
	}{
		{"full size", overlapTime, &fakeExecutor{}, 100, 1},
		{"session weighted down", lateUS, &fakeExecutor{}, 60, 0.6},
		{"over-filled", overlapTime, overFillExecutor{&fakeExecutor{}}, 130, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScanHarness(t, testScanConfig(), tt.exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
			h.clock = tt.clock

			_, err := h.loop.ScanOnce(context.Background())
			require.NoError(t, err)

			executions := h.entries(t, journal.KindTradeExecution)
			require.Len(t, executions, 1)
			te := executions[0].Payload.(*journal.TradeExecution)
			assert.InDelta(t, 100, te.TargetNotional, 1e-9)
			assert.InDelta(t, tt.wantFilled, te.Notional, 1e-9)
			assert.InDelta(t, tt.wantSizing, quality.SizingScore(te.Notional, te.TargetNotional), 1e-9)
		})
	}
}

func TestScanOnce_GeneratesFingerprintWhenMissing(t *testing.T) {
	exec := &fakeExecutor{}
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))

	report, err := h.loop.ScanOnce(context.Background())
	require.NoError(t, err)

	fp := report.Results[0].Fingerprint
	assert.True(t, strings.HasPrefix(fp, "scan-"))
	assert.Equal(t, fp, h.entries(t, journal.KindGateDecision)[0].Fingerprint)
	assert.Equal(t, fp, h.entries(t, journal.KindTradeExecution)[0].Fingerprint)
}

func TestScanOnce_OrderFailures(t *testing.T) {
	t.Run("terminal error is rejected without retry", func(t *testing.T) {
		exec := &fakeExecutor{execErrs: []error{&exchange.APIError{StatusCode: 400, Code: -2019, Message: "Margin is insufficient."}}}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))

		report, err := h.loop.ScanOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, journal.OutcomeRejected, report.Results[0].Outcome)
		assert.Equal(t, 1, exec.requestCount())
		te := h.entries(t, journal.KindTradeExecution)[0]
		assert.Equal(t, journal.OutcomeRejected, te.Outcome)
		assert.Contains(t, te.Payload.(*journal.TradeExecution).Error, "-2019")
	})

	t.Run("retryable error exhausts and fails", func(t *testing.T) {
		reset := errors.New("connection reset by peer")
		exec := &fakeExecutor{execErrs: []error{reset, reset, reset}}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))

		report, err := h.loop.ScanOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, journal.OutcomeFailed, report.Results[0].Outcome)
		assert.Equal(t, 3, exec.requestCount())
		te := h.entries(t, journal.KindTradeExecution)[0].Payload.(*journal.TradeExecution)
		assert.Equal(t, 3, te.Attempts)
	})

	t.Run("retry reuses the client order id", func(t *testing.T) {
		exec := &fakeExecutor{execErrs: []error{errors.New("i/o timeout"), nil}}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))

		report, err := h.loop.ScanOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, journal.OutcomeExecuted, report.Results[0].Outcome)
		require.Len(t, exec.requests, 2)
		assert.Equal(t, exec.requests[0].ClientOrderID, exec.requests[1].ClientOrderID)
	})
}

// ============================================================================
// POLICY OVERRIDES AND GATE DENIALS
// ============================================================================

func TestScanOnce_PolicyOverrides(t *testing.T) {
	ctx := context.Background()

	t.Run("min edge override", func(t *testing.T) {
		exec := &fakeExecutor{}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
		_, err := h.policy.Upsert(ctx, policy.Patch{MinEdgeOverride: policy.Float(0.05)}, overlapTime)
		require.NoError(t, err)

		report, err := h.loop.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.05, report.MinEdge)
		assert.Equal(t, 1, report.BelowEdge)
		assert.Empty(t, report.Results)
	})

	t.Run("max trades per scan override of zero", func(t *testing.T) {
		exec := &fakeExecutor{}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
		_, err := h.policy.Upsert(ctx, policy.Patch{MaxTradesPerScanOverride: policy.Int(0)}, overlapTime)
		require.NoError(t, err)

		report, err := h.loop.ScanOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Capped)
		assert.Empty(t, report.Results)
		assert.Zero(t, exec.requestCount())
	})

	t.Run("leverage cap override", func(t *testing.T) {
		exec := &fakeExecutor{}
		h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 1))
		_, err := h.policy.Upsert(ctx, policy.Patch{LeverageCapOverride: policy.Int(2)}, overlapTime)
		require.NoError(t, err)

		_, err = h.loop.ScanOnce(ctx)
		require.NoError(t, err)
		require.Len(t, exec.requests, 1)
		assert.Equal(t, 2, exec.requests[0].Leverage)
	})
}

func TestScanOnce_ObservationOnlyDenies(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
	_, err := h.policy.Upsert(ctx, policy.Patch{
		ObservationOnlyUntil: policy.Time(overlapTime.Add(time.Hour)),
		Reason:               policy.String("incident review"),
	}, overlapTime)
	require.NoError(t, err)

	report, err := h.loop.ScanOnce(ctx)
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Allowed)
	assert.Equal(t, gate.ReasonObservationOnly, report.Results[0].ReasonCode)
	assert.Equal(t, journal.OutcomeRejected, report.Results[0].Outcome)
	assert.Zero(t, exec.requestCount())

	decisions := h.entries(t, journal.KindGateDecision)
	require.Len(t, decisions, 1)
	assert.Equal(t, journal.OutcomeRejected, decisions[0].Outcome)
	assert.Contains(t, decisions[0].Payload.(*journal.GateDecision).Reason, "incident review")
	assert.Empty(t, h.entries(t, journal.KindTradeExecution))

	// Once the window passes, the next scan trades again.
	h.clock = overlapTime.Add(2 * time.Hour)
	report, err = h.loop.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeExecuted, report.Results[0].Outcome)
}

func TestScanOnce_MaxTradesPerDayCountsThisScan(t *testing.T) {
	cfg := testScanConfig()
	cfg.Gate.MaxTradesPerDay = 1
	exec := &fakeExecutor{}
	h := newScanHarness(t, cfg, exec,
		cand("BTCUSDT", exchange.SideBuy, 0.02, 0.5),
		cand("ETHUSDT", exchange.SideBuy, 0.01, 0.5),
	)

	report, err := h.loop.ScanOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, journal.OutcomeExecuted, report.Results[0].Outcome)
	assert.Equal(t, gate.ReasonMaxTradesPerDay, report.Results[1].ReasonCode)
	assert.Equal(t, 1, exec.requestCount())
}

// ============================================================================
// SKIPS AND FAILURES
// ============================================================================

func TestScanOnce_LeaseNotHeldSkips(t *testing.T) {
	exec := &fakeExecutor{}
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
	h.loop.lease = staticLease(false)

	report, err := h.loop.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipLeaseNotHeld, report.Skipped)
	assert.Zero(t, h.discovery.calls)
	assert.Zero(t, exec.requestCount())

	last, ok := h.loop.LastReport()
	require.True(t, ok)
	assert.Equal(t, SkipLeaseNotHeld, last.Skipped)
}

func TestScanOnce_PositionsUnavailableAborts(t *testing.T) {
	exec := &fakeExecutor{posErr: errors.New("503 service unavailable")}
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))

	_, err := h.loop.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open positions")
	assert.Zero(t, exec.requestCount())
	assert.Empty(t, h.entries(t, journal.KindGateDecision))
}

func TestScanOnce_JournalFailureStopsBeforeOrder(t *testing.T) {
	exec := &fakeExecutor{}
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
	h.journal.failAppend = true

	_, err := h.loop.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, exec.requestCount())
}

func TestLeverage(t *testing.T) {
	tests := []struct {
		name       string
		base       float64
		confidence float64
		max        int
		cap        *int
		want       int
	}{
		{"rounds half up", 5, 0.5, 10, nil, 3},
		{"floors at one", 5, 0.05, 10, nil, 1},
		{"clamped to max", 20, 1, 10, nil, 10},
		{"policy cap below max", 8, 1, 10, policy.Int(4), 4},
		{"policy cap above max is ignored", 8, 1, 6, policy.Int(20), 6},
		{"zero cap still allows one", 8, 1, 10, policy.Int(0), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Leverage(tt.base, tt.confidence, tt.max, tt.cap))
		})
	}
}

func TestScanConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultScanConfig().Validate())

	cfg := DefaultScanConfig()
	cfg.MaxTradesPerScan = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultScanConfig()
	cfg.BaseNotionalUSD = 0
	assert.Error(t, cfg.Validate())
}

// ============================================================================
// PAPER TRADING END TO END
// ============================================================================

func TestScanOnce_PaperExecutor(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 50000}
	paper := binance.NewFuturesMockClient(func(ctx context.Context, symbol string) (float64, error) {
		p, ok := prices[symbol]
		if !ok {
			return 0, errors.New("no price for " + symbol)
		}
		return p, nil
	})
	exec := binance.NewExecutor(paper, zerolog.Nop())
	h := newScanHarness(t, testScanConfig(), exec, cand("BTCUSDT", exchange.SideBuy, 0.01, 0.5))
	ctx := context.Background()

	report, err := h.loop.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, journal.OutcomeExecuted, report.Results[0].Outcome)

	open, err := exec.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 0.002, open[0].PositionAmt, 1e-9)
	assert.Equal(t, 3, open[0].Leverage)

	// The open position keeps the next scan from stacking another entry.
	report, err = h.loop.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.HasPosition)
	assert.Empty(t, report.Results)
}
