// Package exchange defines the execution-adapter contract shared by the
// heartbeat and the scan loop, independent of any particular venue.
package exchange

import (
	"context"
	"math"
	"time"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// MarketState is one poll of live position and market data for a symbol.
type MarketState struct {
	Symbol           string    `json:"symbol"`
	MarkPrice        float64   `json:"mark_price"`
	Mid              float64   `json:"mid"`
	PositionAmt      float64   `json:"position_amt"` // signed: >0 long, <0 short
	EntryPrice       float64   `json:"entry_price"`
	Leverage         int       `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	Timestamp        time.Time `json:"timestamp"`
}

// HasPosition reports whether a non-zero position is open.
func (m MarketState) HasPosition() bool {
	return math.Abs(m.PositionAmt) > 0
}

// PositionSide returns BUY for longs and SELL for shorts.
func (m MarketState) PositionSide() Side {
	if m.PositionAmt < 0 {
		return SideSell
	}
	return SideBuy
}

// Notional is |qty| * entry.
func (m MarketState) Notional() float64 {
	return math.Abs(m.PositionAmt) * m.EntryPrice
}

// RoePct is unrealized P&L over initial margin, in percent.
func (m MarketState) RoePct() float64 {
	lev := m.Leverage
	if lev <= 0 {
		lev = 1
	}
	margin := m.Notional() / float64(lev)
	if margin <= 0 {
		return 0
	}
	return m.UnrealizedPnl / margin * 100
}

// LiqDistPct is the distance from mark to liquidation price as a percent of
// mark. Without a liquidation price the position is treated as far away.
func (m MarketState) LiqDistPct() float64 {
	if m.LiquidationPrice <= 0 || m.MarkPrice <= 0 {
		return 100
	}
	return math.Abs(m.MarkPrice-m.LiquidationPrice) / m.MarkPrice * 100
}

// MidOrMark prefers the mid price and falls back to mark.
func (m MarketState) MidOrMark() float64 {
	if m.Mid > 0 {
		return m.Mid
	}
	return m.MarkPrice
}

// OrderRequest is a market order to submit. Quantity wins over Notional
// when both are set.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Notional      float64 `json:"notional,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	Leverage      int     `json:"leverage,omitempty"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// OrderResult is what the venue reported for a submitted order.
type OrderResult struct {
	OrderID       int64   `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	ExecutedQty   float64 `json:"executed_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	OrderID       int64   `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Type          string  `json:"type"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	ReduceOnly    bool    `json:"reduce_only"`
}

// Executor is the execution adapter. Every method may fail; callers wrap
// calls with the retry utility and Classify.
type Executor interface {
	GetMarket(ctx context.Context, symbol string) (MarketState, error)
	OpenPositions(ctx context.Context) ([]MarketState, error)
	Execute(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}
