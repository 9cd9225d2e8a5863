// Package pnl aggregates the operator's trading day from the decision
// journal: realized P&L by domain plus the executed-entry count the gate
// uses for its daily caps.
package pnl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/journal"
)

// DefaultDomain is used for closes that do not name one.
const DefaultDomain = "perps"

// Rollup is today's P&L for the operator's clock.
type Rollup struct {
	Date           time.Time                  `json:"date"`
	RealizedPnl    decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnl  decimal.Decimal            `json:"unrealized_pnl"`
	TotalPnl       decimal.Decimal            `json:"total_pnl"`
	ByDomain       map[string]decimal.Decimal `json:"by_domain"`
	ExecutedTrades int                        `json:"executed_trades"`
	ClosedTrades   int                        `json:"closed_trades"`
}

// PositionSource supplies open positions for unrealized P&L.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]exchange.MarketState, error)
}

// Aggregator computes rollups from a journal store.
type Aggregator struct {
	store     journal.Store
	positions PositionSource
	loc       *time.Location
	logger    zerolog.Logger
}

// NewAggregator creates an aggregator. positions may be nil; loc nil means UTC.
func NewAggregator(store journal.Store, positions PositionSource, loc *time.Location, logger zerolog.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		store:     store,
		positions: positions,
		loc:       loc,
		logger:    logger.With().Str("component", "PnLRollup").Logger(),
	}
}

// DayStart returns local midnight of now in loc.
func DayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Today aggregates from local midnight up to now. Journal read errors are
// returned; an unreachable position source only leaves unrealized at zero.
func (a *Aggregator) Today(ctx context.Context, now time.Time) (Rollup, error) {
	start := DayStart(now, a.loc)
	entries, err := a.store.List(ctx, journal.Query{
		Kinds: []journal.Kind{journal.KindTradeExecution, journal.KindTradeClose},
		Since: start,
	})
	if err != nil {
		return Rollup{}, fmt.Errorf("aggregate daily pnl: %w", err)
	}

	r := Summarize(entries, start)

	if a.positions != nil {
		positions, err := a.positions.OpenPositions(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Open positions unavailable, unrealized P&L left at zero")
		} else {
			for _, p := range positions {
				r.UnrealizedPnl = r.UnrealizedPnl.Add(decimal.NewFromFloat(p.UnrealizedPnl))
			}
		}
	}
	r.TotalPnl = r.RealizedPnl.Add(r.UnrealizedPnl)
	return r, nil
}

// Summarize folds journal entries into a rollup without unrealized P&L.
func Summarize(entries []journal.Entry, date time.Time) Rollup {
	r := Rollup{
		Date:          date,
		RealizedPnl:   decimal.Zero,
		UnrealizedPnl: decimal.Zero,
		ByDomain:      make(map[string]decimal.Decimal),
	}
	for _, e := range entries {
		switch p := e.Payload.(type) {
		case *journal.TradeClose:
			pnl := decimal.NewFromFloat(p.RealizedPnl)
			domain := p.Domain
			if domain == "" {
				domain = DefaultDomain
			}
			r.RealizedPnl = r.RealizedPnl.Add(pnl)
			r.ByDomain[domain] = r.ByDomain[domain].Add(pnl)
			r.ClosedTrades++
		case *journal.TradeExecution:
			if e.Outcome == journal.OutcomeExecuted && !p.ReduceOnly {
				r.ExecutedTrades++
			}
		}
	}
	r.TotalPnl = r.RealizedPnl.Add(r.UnrealizedPnl)
	return r
}
