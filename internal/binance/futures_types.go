package binance

import (
	"encoding/json"
	"strconv"
)

// ==================== ENUMS ====================

// MarginType represents the margin type for futures positions
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// PositionSide represents the position side in hedge mode
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"  // One-way mode
	PositionSideLong  PositionSide = "LONG"  // Hedge mode long
	PositionSideShort PositionSide = "SHORT" // Hedge mode short
)

// FuturesOrderType represents futures order types
type FuturesOrderType string

const (
	FuturesOrderTypeLimit  FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket FuturesOrderType = "MARKET"
)

// TimeInForce represents order time in force
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
)

// FuturesOrderStatus represents futures order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
)

// ==================== POSITION TYPES ====================

// FuturesPosition represents a row from /fapi/v2/positionRisk
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	Notional         float64 `json:"notional,string"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDER TYPES ====================

// FuturesOrderParams represents parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"` // BUY or SELL
	PositionSide     PositionSide     `json:"positionSide"`
	Type             FuturesOrderType `json:"type"`
	Quantity         float64          `json:"quantity"`
	Price            float64          `json:"price,omitempty"`
	TimeInForce      TimeInForce      `json:"timeInForce,omitempty"`
	ReduceOnly       bool             `json:"reduceOnly,omitempty"`
	NewClientOrderId string           `json:"newClientOrderId,omitempty"`
}

// FuturesOrder represents an order as returned by the order query endpoints
type FuturesOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// FuturesOrderResponse represents the response from placing an order
type FuturesOrderResponse struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	UpdateTime    int64   `json:"updateTime"`
}

// LeverageResponse represents the response from setting leverage
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
	Symbol           string  `json:"symbol"`
}

// ==================== MARKET DATA TYPES ====================

// MarkPrice represents mark price data from /fapi/v1/premiumIndex
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// BookTicker is the best bid/ask from /fapi/v1/ticker/bookTicker
type BookTicker struct {
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bidPrice,string"`
	BidQty   float64 `json:"bidQty,string"`
	AskPrice float64 `json:"askPrice,string"`
	AskQty   float64 `json:"askQty,string"`
	Time     int64   `json:"time"`
}

// Mid returns the bid/ask midpoint, or 0 when either side is missing.
func (b BookTicker) Mid() float64 {
	if b.BidPrice <= 0 || b.AskPrice <= 0 {
		return 0
	}
	return (b.BidPrice + b.AskPrice) / 2
}

// ==================== SYMBOL INFO TYPES ====================

// FuturesSymbolFilter represents a filter from the symbol's filters array
type FuturesSymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// FuturesSymbolInfo represents futures symbol information
type FuturesSymbolInfo struct {
	Symbol            string                `json:"symbol"`
	Status            string                `json:"status"`
	ContractType      string                `json:"contractType"`
	QuoteAsset        string                `json:"quoteAsset"`
	PricePrecision    int                   `json:"pricePrecision"`
	QuantityPrecision int                   `json:"quantityPrecision"`
	Filters           []FuturesSymbolFilter `json:"filters"`
}

// LotStep returns the LOT_SIZE step and minimum quantity, zero when absent.
func (s FuturesSymbolInfo) LotStep() (step, minQty float64) {
	for _, f := range s.Filters {
		if f.FilterType != "LOT_SIZE" {
			continue
		}
		step, _ = strconv.ParseFloat(f.StepSize, 64)
		minQty, _ = strconv.ParseFloat(f.MinQty, 64)
		return step, minQty
	}
	return 0, 0
}

// FuturesExchangeInfo represents futures exchange information
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Timezone   string              `json:"timezone"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}

// apiErrorBody is the venue's error payload: {"code":-2022,"msg":"..."}
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseAPIError(body []byte) (apiErrorBody, bool) {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Msg == "") {
		return apiErrorBody{}, false
	}
	return e, true
}
