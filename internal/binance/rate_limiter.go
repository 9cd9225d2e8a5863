package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Endpoint weights for the Binance Futures endpoints this client calls
var endpointWeights = map[string]int{
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/leverage":          1,
	"/fapi/v1/order":             1,
	"/fapi/v1/openOrders":        1, // 1 with symbol, 40 without
	"/fapi/v1/premiumIndex":      1,
	"/fapi/v1/ticker/bookTicker": 2,
	"/fapi/v1/exchangeInfo":      1,
}

const (
	// DefaultWeightPerMinute stays under the venue's 2400/min IP limit
	DefaultWeightPerMinute = 2000
	maxEndpointWeight      = 40
	// banCooldown applies when the venue bans without saying until when
	banCooldown = time.Minute
)

func endpointWeight(endpoint string, params map[string]string) int {
	if endpoint == "/fapi/v1/openOrders" && params["symbol"] == "" {
		return maxEndpointWeight
	}
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// RateLimiter paces requests by endpoint weight and honours venue bans
type RateLimiter struct {
	limiter *rate.Limiter

	mu         sync.RWMutex
	banUntil   time.Time
	usedWeight int
	maxWeight  int
}

// NewRateLimiter creates a limiter refilling weightPerMinute per minute
func NewRateLimiter(weightPerMinute int) *RateLimiter {
	if weightPerMinute <= 0 {
		weightPerMinute = DefaultWeightPerMinute
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(float64(weightPerMinute)/60), maxEndpointWeight),
		maxWeight: weightPerMinute,
	}
}

// Wait blocks until weight for the request is available. It fails fast
// while the venue has the IP banned.
func (rl *RateLimiter) Wait(ctx context.Context, endpoint string, params map[string]string) error {
	rl.mu.RLock()
	banUntil := rl.banUntil
	rl.mu.RUnlock()
	if now := time.Now(); now.Before(banUntil) {
		return fmt.Errorf("rate limit: banned for another %s", banUntil.Sub(now).Round(time.Second))
	}
	if err := rl.limiter.WaitN(ctx, endpointWeight(endpoint, params)); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", endpoint, err)
	}
	return nil
}

// UpdateFromHeaders records the venue-reported X-MBX-USED-WEIGHT-1M
func (rl *RateLimiter) UpdateFromHeaders(usedWeight int) {
	rl.mu.Lock()
	rl.usedWeight = usedWeight
	rl.mu.Unlock()
}

// UsedWeight returns the last venue-reported weight and the configured budget
func (rl *RateLimiter) UsedWeight() (used, budget int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.usedWeight, rl.maxWeight
}

// RecordRateLimitError blocks requests until banUntilMs, or for banCooldown
// when the venue did not say
func (rl *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	until := time.Now().Add(banCooldown)
	if banUntilMs > 0 {
		until = time.UnixMilli(banUntilMs)
	}
	rl.mu.Lock()
	if until.After(rl.banUntil) {
		rl.banUntil = until
	}
	rl.mu.Unlock()
}

// BannedUntil returns the current ban expiry, zero when not banned
func (rl *RateLimiter) BannedUntil() time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Now().After(rl.banUntil) {
		return time.Time{}
	}
	return rl.banUntil
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts the ban expiry from messages like
// "Way too many requests; IP banned until 1766824120342."
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the next day
	if banUntil > time.Now().UnixMilli() && banUntil < time.Now().Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
