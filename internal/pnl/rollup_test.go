package pnl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/journal"
)

type stubPositions struct {
	positions []exchange.MarketState
	err       error
}

func (s stubPositions) OpenPositions(context.Context) ([]exchange.MarketState, error) {
	return s.positions, s.err
}

func closeAt(pnl float64, domain string, at time.Time) journal.Entry {
	return journal.New("BTCUSDT", "", journal.OutcomeOK, &journal.TradeClose{RealizedPnl: pnl, Domain: domain}, at)
}

func TestDayStartUsesOperatorTimezone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	now := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC) // 01:00 on Mar 3 in Tokyo
	start := DayStart(now, tokyo)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC), start.UTC())
}

func TestTodaySumsOnlyCurrentDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	store := journal.NewMemoryStore()

	require.NoError(t, store.Append(ctx, closeAt(-50.10, "", now.Add(-20*time.Hour))))
	require.NoError(t, store.Append(ctx, closeAt(-30.10, "", now.Add(-time.Hour))))
	require.NoError(t, store.Append(ctx, closeAt(-69.90, "options", now.Add(-30*time.Minute))))
	require.NoError(t, store.Append(ctx, journal.New("ETHUSDT", "fp", journal.OutcomeExecuted, &journal.TradeExecution{Side: "BUY"}, now.Add(-2*time.Hour))))
	require.NoError(t, store.Append(ctx, journal.New("ETHUSDT", "fp2", journal.OutcomeFailed, &journal.TradeExecution{Side: "BUY"}, now.Add(-2*time.Hour))))
	require.NoError(t, store.Append(ctx, journal.New("ETHUSDT", "fp3", journal.OutcomeExecuted, &journal.TradeExecution{Side: "SELL", ReduceOnly: true}, now.Add(-time.Hour))))

	agg := NewAggregator(store, stubPositions{positions: []exchange.MarketState{{UnrealizedPnl: 12.5}}}, time.UTC, zerolog.Nop())
	r, err := agg.Today(ctx, now)
	require.NoError(t, err)

	assert.True(t, r.RealizedPnl.Equal(decimal.RequireFromString("-100")), r.RealizedPnl.String())
	assert.True(t, r.UnrealizedPnl.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, r.TotalPnl.Equal(decimal.RequireFromString("-87.5")))
	assert.True(t, r.ByDomain["perps"].Equal(decimal.RequireFromString("-30.1")))
	assert.True(t, r.ByDomain["options"].Equal(decimal.RequireFromString("-69.9")))
	assert.Equal(t, 1, r.ExecutedTrades)
	assert.Equal(t, 2, r.ClosedTrades)
}

func TestTodayToleratesPositionSourceFailure(t *testing.T) {
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	agg := NewAggregator(journal.NewMemoryStore(), stubPositions{err: errors.New("timeout")}, nil, zerolog.Nop())
	r, err := agg.Today(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, r.UnrealizedPnl.IsZero())
}
