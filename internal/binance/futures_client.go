package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"perp-risk-agent/internal/exchange"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// ClientConfig configures the REST client
type ClientConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// BaseURL overrides the production/testnet URL when set
	BaseURL         string
	Timeout         time.Duration
	RecvWindowMs    int64
	WeightPerMinute int
	// BreakerFailures consecutive transport or 5xx failures open the breaker
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// FuturesClientImpl implements FuturesClient against the REST API. It does
// not retry; callers wrap calls with the retry utility.
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *RateLimiter
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(cfg ClientConfig, logger zerolog.Logger) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if cfg.Testnet {
		baseURL = FuturesTestnetURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = 10000 // clock skew tolerance
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	l := logger.With().Str("component", "BinanceFutures").Logger()
	settings := gobreaker.Settings{
		Name:     "binance-futures",
		Interval: time.Minute,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Venue rejections mean the venue is up; only transport and 5xx trip.
		IsSuccessful: func(err error) bool {
			var apiErr *exchange.APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    baseURL,
		recvWindow: cfg.RecvWindowMs,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(cfg.WeightPerMinute),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     l,
	}
}

// RateLimiter exposes the client's limiter for status reporting
func (c *FuturesClientImpl) RateLimiter() *RateLimiter { return c.limiter }

// ==================== ACCOUNT ====================

// GetPositions retrieves all futures positions
func (c *FuturesClientImpl) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// GetPositionBySymbol retrieves position for a specific symbol
func (c *FuturesClientImpl) GetPositionBySymbol(ctx context.Context, symbol string) (*FuturesPosition, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}

	if len(positions) == 0 {
		return &FuturesPosition{Symbol: symbol, PositionSide: string(PositionSideBoth)}, nil
	}

	// In hedge mode, there are two positions (LONG and SHORT)
	// Return the one with non-zero position amount
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}
	return &positions[0], nil
}

// SetLeverage sets the leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var leverageResp LeverageResponse
	if err := json.Unmarshal(resp, &leverageResp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &leverageResp, nil
}

// ==================== TRADING ====================

// PlaceFuturesOrder places a new futures order
func (c *FuturesClientImpl) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	reqParams := map[string]string{
		"symbol":           params.Symbol,
		"side":             params.Side,
		"type":             string(params.Type),
		"quantity":         strconv.FormatFloat(params.Quantity, 'f', -1, 64),
		"newOrderRespType": "RESULT",
	}

	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == FuturesOrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}

	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// CancelFuturesOrder cancels an existing futures order
func (c *FuturesClientImpl) CancelFuturesOrder(ctx context.Context, symbol string, orderId int64) error {
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	})
	if err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// GetOrderByClientID retrieves an order by its client order id
func (c *FuturesClientImpl) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// GetOpenOrders retrieves all open orders for a symbol
func (c *FuturesClientImpl) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

// GetMarkPrice retrieves the mark price for a symbol
func (c *FuturesClientImpl) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching mark price: %w", err)
	}

	var markPrice MarkPrice
	if err := json.Unmarshal(resp, &markPrice); err != nil {
		return nil, fmt.Errorf("error parsing mark price: %w", err)
	}
	return &markPrice, nil
}

// GetBookTicker retrieves the best bid and ask for a symbol
func (c *FuturesClientImpl) GetBookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching book ticker: %w", err)
	}

	var ticker BookTicker
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return nil, fmt.Errorf("error parsing book ticker: %w", err)
	}
	return &ticker, nil
}

// GetFuturesExchangeInfo retrieves futures exchange information
func (c *FuturesClientImpl) GetFuturesExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var exchangeInfo FuturesExchangeInfo
	if err := json.Unmarshal(resp, &exchangeInfo); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &exchangeInfo, nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func encodeParams(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// publicGet performs an unauthenticated GET request
func (c *FuturesClientImpl) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if query := encodeParams(params); query != "" {
		reqURL += "?" + query
	}
	return c.send(ctx, http.MethodGet, endpoint, params, reqURL, nil, false)
}

// signedRequest performs an authenticated request. GET and DELETE carry the
// signed query in the URL; POST sends it as a form body.
func (c *FuturesClientImpl) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, fmt.Errorf("binance credentials missing: signed endpoint %s unavailable", endpoint)
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = strconv.FormatInt(c.recvWindow, 10)
	query := encodeParams(params)
	query += "&signature=" + c.sign(query)

	reqURL := c.baseURL + endpoint
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(query)
	} else {
		reqURL += "?" + query
	}
	return c.send(ctx, method, endpoint, params, reqURL, body, true)
}

func (c *FuturesClientImpl) send(ctx context.Context, method, endpoint string, params map[string]string,
	reqURL string, body io.Reader, signed bool) ([]byte, error) {

	if err := c.limiter.Wait(ctx, endpoint, params); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, err
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			return nil, c.apiError(endpoint, resp.StatusCode, payload)
		}
		return payload, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("binance %s temporarily unavailable: %w", endpoint, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *FuturesClientImpl) apiError(endpoint string, status int, payload []byte) error {
	apiErr := &exchange.APIError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
	if parsed, ok := parseAPIError(payload); ok {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Msg
	}

	if status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == -1003 {
		banUntil := ParseBanUntilFromError(apiErr.Message)
		if status == http.StatusTeapot || banUntil > 0 {
			c.limiter.RecordRateLimitError(banUntil)
		}
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", status).
			Int64("ban_until_ms", banUntil).
			Msg("Rate limited by venue")
	}
	return apiErr
}
