package binance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-risk-agent/internal/exchange"
)

type priceBoard struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newPriceBoard(prices map[string]float64) *priceBoard {
	return &priceBoard{prices: prices}
}

func (p *priceBoard) set(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

func (p *priceBoard) provider(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

func newPaper(board *priceBoard) *FuturesMockClient {
	c := NewFuturesMockClient(board.provider)
	c.spreadBps = 0
	return c
}

func market(symbol, side string, qty float64, reduceOnly bool, clientID string) FuturesOrderParams {
	return FuturesOrderParams{
		Symbol:           symbol,
		Side:             side,
		Type:             FuturesOrderTypeMarket,
		Quantity:         qty,
		ReduceOnly:       reduceOnly,
		NewClientOrderId: clientID,
	}
}

func TestPaperOpenMarkAndReduce(t *testing.T) {
	ctx := context.Background()
	board := newPriceBoard(map[string]float64{"BTCUSDT": 100})
	c := newPaper(board)

	_, err := c.SetLeverage(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	_, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "BUY", 1, false, "open-1"))
	require.NoError(t, err)

	board.set("BTCUSDT", 110)
	pos, err := c.GetPositionBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.PositionAmt)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.InDelta(t, 10, pos.UnrealizedProfit, 1e-9)
	assert.Equal(t, 10, pos.Leverage)
	assert.InDelta(t, 100*(1-0.1+defaultMaintMarginRate), pos.LiquidationPrice, 1e-9)

	resp, err := c.PlaceFuturesOrder(ctx, market("BTCUSDT", "SELL", 0.4, true, "tp-1"))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, resp.ExecutedQty, 1e-12)
	assert.InDelta(t, 4, c.RealizedPnl(), 1e-9)

	// Oversized reduce-only clamps to the remaining position.
	resp, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "SELL", 5, true, "close-1"))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, resp.ExecutedQty, 1e-12)
	assert.InDelta(t, 10, c.RealizedPnl(), 1e-9)

	positions, err := c.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperShortEntryAveraging(t *testing.T) {
	ctx := context.Background()
	board := newPriceBoard(map[string]float64{"ETHUSDT": 200})
	c := newPaper(board)

	_, err := c.PlaceFuturesOrder(ctx, market("ETHUSDT", "SELL", 1, false, ""))
	require.NoError(t, err)
	board.set("ETHUSDT", 220)
	_, err = c.PlaceFuturesOrder(ctx, market("ETHUSDT", "SELL", 1, false, ""))
	require.NoError(t, err)

	pos, err := c.GetPositionBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, -2.0, pos.PositionAmt)
	assert.InDelta(t, 210, pos.EntryPrice, 1e-9)
	assert.InDelta(t, -20, pos.UnrealizedProfit, 1e-9)
	assert.Greater(t, pos.LiquidationPrice, pos.EntryPrice)
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	c := newPaper(newPriceBoard(map[string]float64{"BTCUSDT": 100}))

	_, err := c.PlaceFuturesOrder(ctx, market("BTCUSDT", "SELL", 1, true, ""))
	var apiErr *exchange.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2022, apiErr.Code)
	assert.Equal(t, exchange.ClassTerminal, exchange.Classify(err))

	_, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "BUY", 1, false, "dup"))
	require.NoError(t, err)
	_, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "BUY", 1, false, "dup"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, codeDuplicateClientID, apiErr.Code)

	// Reduce-only on the same side as the position would increase it.
	_, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "BUY", 1, true, ""))
	require.Error(t, err)

	_, err = c.PlaceFuturesOrder(ctx, market("BTCUSDT", "BUY", 0, false, ""))
	assert.Equal(t, exchange.ClassTerminal, exchange.Classify(err))

	_, err = c.SetLeverage(ctx, "BTCUSDT", 0)
	assert.Error(t, err)

	_, err = c.GetMarkPrice(ctx, "DOGEUSDT")
	assert.Error(t, err, "no price for unknown symbols")

	order, err := c.GetOrderByClientID(ctx, "BTCUSDT", "dup")
	require.NoError(t, err)
	assert.Equal(t, string(FuturesOrderStatusFilled), order.Status)
}
