package binance

import "context"

// FuturesClient defines the Binance USD-M futures operations the agent uses.
// Both the REST client and the paper-trading mock implement it.
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	// GetPositions retrieves all futures positions, including flat rows
	GetPositions(ctx context.Context) ([]FuturesPosition, error)

	// GetPositionBySymbol retrieves the position for a specific symbol
	GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error)

	// SetLeverage sets the leverage for a symbol (1-125x)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)

	// ==================== TRADING ====================

	// PlaceFuturesOrder places a new futures order
	PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelFuturesOrder cancels an existing futures order
	CancelFuturesOrder(ctx context.Context, symbol string, orderId int64) error

	// GetOrderByClientID retrieves an order by the client order id it was placed with
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error)

	// GetOpenOrders retrieves open orders for a symbol (empty string for all symbols)
	GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error)

	// ==================== MARKET DATA ====================

	// GetMarkPrice retrieves the mark price for a symbol
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)

	// GetBookTicker retrieves the best bid and ask for a symbol
	GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error)

	// ==================== EXCHANGE INFO ====================

	// GetFuturesExchangeInfo retrieves futures exchange information
	GetFuturesExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error)
}

var (
	_ FuturesClient = (*FuturesClientImpl)(nil)
	_ FuturesClient = (*FuturesMockClient)(nil)
)
