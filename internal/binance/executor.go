package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-risk-agent/internal/exchange"
)

// codeDuplicateClientID is returned when a client order id was already used
const codeDuplicateClientID = -4116

// Executor adapts a FuturesClient to exchange.Executor: it sets leverage
// before entries, converts notional to a lot-rounded quantity and
// resolves duplicate client order ids to the order already placed.
type Executor struct {
	client FuturesClient
	logger zerolog.Logger

	mu       sync.Mutex
	symbols  map[string]FuturesSymbolInfo
	infoAt   time.Time
	infoTTL  time.Duration
	leverage map[string]int
}

// NewExecutor creates an executor over client
func NewExecutor(client FuturesClient, logger zerolog.Logger) *Executor {
	return &Executor{
		client:   client,
		logger:   logger.With().Str("component", "BinanceExecutor").Logger(),
		infoTTL:  time.Hour,
		leverage: make(map[string]int),
	}
}

func toMarketState(p FuturesPosition) exchange.MarketState {
	ts := time.Now()
	if p.UpdateTime > 0 {
		ts = time.UnixMilli(p.UpdateTime)
	}
	return exchange.MarketState{
		Symbol:           p.Symbol,
		MarkPrice:        p.MarkPrice,
		PositionAmt:      p.PositionAmt,
		EntryPrice:       p.EntryPrice,
		Leverage:         p.Leverage,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnl:    p.UnrealizedProfit,
		Timestamp:        ts,
	}
}

// GetMarket reads the position row and the book midpoint for symbol. A
// missing book ticker falls back to the mark price.
func (e *Executor) GetMarket(ctx context.Context, symbol string) (exchange.MarketState, error) {
	pos, err := e.client.GetPositionBySymbol(ctx, symbol)
	if err != nil {
		return exchange.MarketState{}, err
	}
	state := toMarketState(*pos)
	state.Symbol = symbol

	if state.MarkPrice <= 0 {
		mp, err := e.client.GetMarkPrice(ctx, symbol)
		if err != nil {
			return exchange.MarketState{}, err
		}
		state.MarkPrice = mp.MarkPrice
	}

	book, err := e.client.GetBookTicker(ctx, symbol)
	if err != nil {
		e.logger.Debug().Err(err).Str("symbol", symbol).Msg("Book ticker unavailable, using mark price")
	} else {
		state.Mid = book.Mid()
	}
	return state, nil
}

// OpenPositions lists non-flat positions
func (e *Executor) OpenPositions(ctx context.Context) ([]exchange.MarketState, error) {
	positions, err := e.client.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.MarketState, 0, len(positions))
	for _, p := range positions {
		if p.PositionAmt == 0 {
			continue
		}
		out = append(out, toMarketState(p))
	}
	return out, nil
}

// Execute submits a market order. Quantity wins over Notional; a notional
// is converted at the current mark price.
func (e *Executor) Execute(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if !req.Side.Valid() {
		return exchange.OrderResult{}, fmt.Errorf("invalid order side %q", req.Side)
	}
	if req.Symbol == "" {
		return exchange.OrderResult{}, errors.New("invalid order: empty symbol")
	}

	qty := req.Quantity
	if qty <= 0 {
		if req.Notional <= 0 {
			return exchange.OrderResult{}, errors.New("invalid order: neither quantity nor notional set")
		}
		mp, err := e.client.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return exchange.OrderResult{}, err
		}
		if mp.MarkPrice <= 0 {
			return exchange.OrderResult{}, fmt.Errorf("mark price for %s unavailable", req.Symbol)
		}
		qty = req.Notional / mp.MarkPrice
	}

	qty, err := e.roundQuantity(ctx, req.Symbol, qty)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	if !req.ReduceOnly && req.Leverage > 0 {
		if err := e.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return exchange.OrderResult{}, err
		}
	}

	resp, err := e.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		Type:             FuturesOrderTypeMarket,
		Quantity:         qty,
		ReduceOnly:       req.ReduceOnly,
		NewClientOrderId: req.ClientOrderID,
	})
	if err != nil {
		var apiErr *exchange.APIError
		if req.ClientOrderID != "" && errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientID {
			// An earlier attempt reached the venue; report that order.
			return e.lookupExisting(ctx, req)
		}
		return exchange.OrderResult{}, err
	}

	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", qty).
		Bool("reduce_only", req.ReduceOnly).
		Int64("order_id", resp.OrderId).
		Str("client_order_id", resp.ClientOrderId).
		Msg("Order placed")

	return exchange.OrderResult{
		OrderID:       resp.OrderId,
		ClientOrderID: resp.ClientOrderId,
		Status:        resp.Status,
		ExecutedQty:   resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
	}, nil
}

func (e *Executor) lookupExisting(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	order, err := e.client.GetOrderByClientID(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("client order id %s duplicated and lookup failed: %w", req.ClientOrderID, err)
	}
	e.logger.Warn().
		Str("symbol", req.Symbol).
		Str("client_order_id", req.ClientOrderID).
		Int64("order_id", order.OrderId).
		Msg("Order already placed by an earlier attempt")
	return exchange.OrderResult{
		OrderID:       order.OrderId,
		ClientOrderID: order.ClientOrderId,
		Status:        order.Status,
		ExecutedQty:   order.ExecutedQty,
		AvgPrice:      order.AvgPrice,
	}, nil
}

func (e *Executor) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	current, ok := e.leverage[symbol]
	e.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	if _, err := e.client.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", leverage, symbol, err)
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

func (e *Executor) symbolInfo(ctx context.Context, symbol string) (FuturesSymbolInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.symbols == nil || time.Since(e.infoAt) > e.infoTTL {
		info, err := e.client.GetFuturesExchangeInfo(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Exchange info unavailable, quantities not lot-rounded")
		} else {
			e.symbols = make(map[string]FuturesSymbolInfo, len(info.Symbols))
			for _, s := range info.Symbols {
				e.symbols[s.Symbol] = s
			}
			e.infoAt = time.Now()
		}
	}
	s, ok := e.symbols[symbol]
	return s, ok
}

// roundQuantity floors qty to the symbol's lot step. Without lot filters
// it truncates to 8 decimals.
func (e *Executor) roundQuantity(ctx context.Context, symbol string, qty float64) (float64, error) {
	step, minQty := 0.0, 0.0
	if info, ok := e.symbolInfo(ctx, symbol); ok {
		step, minQty = info.LotStep()
	}

	q := decimal.NewFromFloat(qty)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		q = q.Div(s).Floor().Mul(s)
	} else {
		q = q.Truncate(8)
	}
	rounded := q.InexactFloat64()
	if rounded <= 0 || rounded < minQty {
		return 0, fmt.Errorf("invalid quantity %s for %s: below minimum lot %s",
			decimal.NewFromFloat(qty).String(), symbol, decimal.NewFromFloat(math.Max(minQty, step)).String())
	}
	return rounded, nil
}

// GetOpenOrders lists resting orders for symbol
func (e *Executor) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	orders, err := e.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, exchange.OpenOrder{
			OrderID:       o.OrderId,
			ClientOrderID: o.ClientOrderId,
			Symbol:        o.Symbol,
			Side:          exchange.Side(o.Side),
			Type:          o.Type,
			Price:         o.Price,
			Quantity:      o.OrigQty - o.ExecutedQty,
			ReduceOnly:    o.ReduceOnly,
		})
	}
	return out, nil
}

// CancelOrder cancels one resting order
func (e *Executor) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return e.client.CancelFuturesOrder(ctx, symbol, orderID)
}

var _ exchange.Executor = (*Executor)(nil)
