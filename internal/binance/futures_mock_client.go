package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"perp-risk-agent/internal/exchange"
)

// PriceProvider returns the current price for a symbol
type PriceProvider func(ctx context.Context, symbol string) (float64, error)

// defaultMaintMarginRate approximates tier-1 maintenance margin for the
// paper liquidation price
const defaultMaintMarginRate = 0.004

// FuturesMockClient implements FuturesClient for paper trading. Market
// orders fill immediately at the provider price; positions are one-way.
type FuturesMockClient struct {
	mu            sync.RWMutex
	positions     map[string]*FuturesPosition
	orders        map[int64]*FuturesOrder
	clientOrders  map[string]int64
	leverage      map[string]int
	realizedPnl   float64
	nextOrderId   int64
	priceProvider PriceProvider
	spreadBps     float64
	now           func() time.Time
}

// NewFuturesMockClient creates a new paper futures client
func NewFuturesMockClient(priceProvider PriceProvider) *FuturesMockClient {
	return &FuturesMockClient{
		positions:     make(map[string]*FuturesPosition),
		orders:        make(map[int64]*FuturesOrder),
		clientOrders:  make(map[string]int64),
		leverage:      make(map[string]int),
		nextOrderId:   1000,
		priceProvider: priceProvider,
		spreadBps:     1,
		now:           time.Now,
	}
}

// RealizedPnl returns P&L realized by reducing fills so far
func (c *FuturesMockClient) RealizedPnl() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.realizedPnl
}

func (c *FuturesMockClient) price(ctx context.Context, symbol string) (float64, error) {
	if c.priceProvider == nil {
		return 0, fmt.Errorf("paper price for %s unavailable: no price provider", symbol)
	}
	price, err := c.priceProvider(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("paper price for %s: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("paper price for %s unavailable", symbol)
	}
	return price, nil
}

func (c *FuturesMockClient) getLeverageLocked(symbol string) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// markLocked refreshes mark, unrealized P&L and liquidation price
func (c *FuturesMockClient) markLocked(pos *FuturesPosition, price float64) {
	pos.MarkPrice = price
	pos.UnrealizedProfit = (price - pos.EntryPrice) * pos.PositionAmt
	pos.Notional = price * pos.PositionAmt
	lev := float64(pos.Leverage)
	if lev <= 0 {
		lev = 1
	}
	if pos.PositionAmt > 0 {
		pos.LiquidationPrice = math.Max(0, pos.EntryPrice*(1-1/lev+defaultMaintMarginRate))
	} else {
		pos.LiquidationPrice = pos.EntryPrice * (1 + 1/lev - defaultMaintMarginRate)
	}
	pos.UpdateTime = c.now().UnixMilli()
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions := make([]FuturesPosition, 0, len(c.positions))
	for _, pos := range c.positions {
		if price, err := c.price(ctx, pos.Symbol); err == nil {
			c.markLocked(pos, price)
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

func (c *FuturesMockClient) GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error) {
	price, err := c.price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, exists := c.positions[symbol]
	if !exists {
		return &FuturesPosition{
			Symbol:       symbol,
			MarkPrice:    price,
			Leverage:     c.getLeverageLocked(symbol),
			MarginType:   string(MarginTypeCrossed),
			PositionSide: string(PositionSideBoth),
		}, nil
	}
	c.markLocked(pos, price)
	out := *pos
	return &out, nil
}

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if leverage < 1 || leverage > 125 {
		return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -4028, Message: fmt.Sprintf("Leverage %d is not valid", leverage)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leverage[symbol] = leverage
	if pos, ok := c.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	return &LeverageResponse{Leverage: leverage, Symbol: symbol}, nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	if params.Quantity <= 0 {
		return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -4003, Message: "Quantity less than or equal to zero."}
	}
	if params.Side != string(exchange.SideBuy) && params.Side != string(exchange.SideSell) {
		return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -1102, Message: "Mandatory parameter 'side' was not sent, was empty/null, or malformed."}
	}

	price, err := c.price(ctx, params.Symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if params.NewClientOrderId != "" {
		if _, dup := c.clientOrders[params.NewClientOrderId]; dup {
			return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -4116, Message: "ClientOrderId is duplicated."}
		}
	}

	// Market orders cross half the spread
	executionPrice := price
	halfSpread := price * c.spreadBps / 20000
	if params.Side == string(exchange.SideBuy) {
		executionPrice += halfSpread
	} else {
		executionPrice -= halfSpread
	}
	if params.Type == FuturesOrderTypeLimit && params.Price > 0 {
		executionPrice = params.Price
	}

	signed := params.Quantity
	if params.Side == string(exchange.SideSell) {
		signed = -signed
	}

	pos, exists := c.positions[params.Symbol]
	if params.ReduceOnly {
		if !exists || pos.PositionAmt == 0 || math.Signbit(pos.PositionAmt) == math.Signbit(signed) {
			return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -2022, Message: "ReduceOnly Order is rejected."}
		}
		// A reduce-only order never flips the position
		if math.Abs(signed) > math.Abs(pos.PositionAmt) {
			signed = -pos.PositionAmt
		}
	}
	if !exists {
		pos = &FuturesPosition{
			Symbol:       params.Symbol,
			Leverage:     c.getLeverageLocked(params.Symbol),
			MarginType:   string(MarginTypeCrossed),
			PositionSide: string(PositionSideBoth),
		}
		c.positions[params.Symbol] = pos
	}

	oldAmt := pos.PositionAmt
	newAmt := oldAmt + signed
	switch {
	case oldAmt == 0 || math.Signbit(oldAmt) == math.Signbit(signed):
		// Opening or adding - average entry price
		totalCost := pos.EntryPrice*math.Abs(oldAmt) + executionPrice*math.Abs(signed)
		pos.EntryPrice = totalCost / math.Abs(newAmt)
	default:
		closed := math.Min(math.Abs(signed), math.Abs(oldAmt))
		direction := 1.0
		if oldAmt < 0 {
			direction = -1
		}
		c.realizedPnl += (executionPrice - pos.EntryPrice) * closed * direction
		if math.Abs(signed) > math.Abs(oldAmt) {
			// Flipped through zero - the remainder opens at the fill price
			pos.EntryPrice = executionPrice
		}
	}

	if math.Abs(newAmt) < 1e-12 {
		delete(c.positions, params.Symbol)
	} else {
		pos.PositionAmt = newAmt
		c.markLocked(pos, price)
	}

	orderId := c.nextOrderId
	c.nextOrderId++
	nowMs := c.now().UnixMilli()
	order := &FuturesOrder{
		OrderId:       orderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusFilled),
		ClientOrderId: params.NewClientOrderId,
		Price:         executionPrice,
		AvgPrice:      executionPrice,
		OrigQty:       params.Quantity,
		ExecutedQty:   math.Abs(signed),
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		Side:          params.Side,
		PositionSide:  string(PositionSideBoth),
		Time:          nowMs,
		UpdateTime:    nowMs,
	}
	c.orders[orderId] = order
	if params.NewClientOrderId != "" {
		c.clientOrders[params.NewClientOrderId] = orderId
	}

	return &FuturesOrderResponse{
		OrderId:       order.OrderId,
		Symbol:        order.Symbol,
		Status:        order.Status,
		ClientOrderId: order.ClientOrderId,
		Price:         order.Price,
		AvgPrice:      order.AvgPrice,
		OrigQty:       order.OrigQty,
		ExecutedQty:   order.ExecutedQty,
		Type:          order.Type,
		ReduceOnly:    order.ReduceOnly,
		Side:          order.Side,
		UpdateTime:    order.UpdateTime,
	}, nil
}

func (c *FuturesMockClient) CancelFuturesOrder(ctx context.Context, symbol string, orderId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderId]
	if !ok || order.Symbol != symbol {
		return &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -2011, Message: "Unknown order sent."}
	}
	if order.Status == string(FuturesOrderStatusFilled) {
		return &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -2011, Message: "Unknown order sent."}
	}
	order.Status = string(FuturesOrderStatusCanceled)
	order.UpdateTime = c.now().UnixMilli()
	return nil
}

func (c *FuturesMockClient) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.clientOrders[clientOrderID]
	if !ok || c.orders[id].Symbol != symbol {
		return nil, &exchange.APIError{StatusCode: http.StatusBadRequest, Code: -2013, Message: "Order does not exist."}
	}
	out := *c.orders[id]
	return &out, nil
}

// GetOpenOrders returns no orders: paper market orders fill immediately
func (c *FuturesMockClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var open []FuturesOrder
	for _, o := range c.orders {
		if o.Status != string(FuturesOrderStatusNew) {
			continue
		}
		if symbol == "" || o.Symbol == symbol {
			open = append(open, *o)
		}
	}
	return open, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	price, err := c.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &MarkPrice{Symbol: symbol, MarkPrice: price, IndexPrice: price, Time: c.now().UnixMilli()}, nil
}

func (c *FuturesMockClient) GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	price, err := c.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	half := price * c.spreadBps / 20000
	return &BookTicker{Symbol: symbol, BidPrice: price - half, AskPrice: price + half, Time: c.now().UnixMilli()}, nil
}

// GetFuturesExchangeInfo reports no symbols; paper quantities are not
// rounded to lot size
func (c *FuturesMockClient) GetFuturesExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	return &FuturesExchangeInfo{ServerTime: c.now().UnixMilli(), Timezone: "UTC"}, nil
}
