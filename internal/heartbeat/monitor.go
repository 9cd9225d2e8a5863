package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-risk-agent/internal/exchange"
	"perp-risk-agent/internal/metrics"
	"perp-risk-agent/internal/retry"
)

// LeaseChecker reports whether this process may act on positions.
type LeaseChecker interface {
	Held() bool
}

// Monitor schedules heartbeat ticks for every open position.
type Monitor struct {
	svc    *Service
	exec   exchange.Executor
	lease  LeaseChecker
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. lease may be nil.
func NewMonitor(svc *Service, exec exchange.Executor, lease LeaseChecker, logger zerolog.Logger) *Monitor {
	return &Monitor{
		svc:      svc,
		exec:     exec,
		lease:    lease,
		logger:   logger.With().Str("component", "HeartbeatMonitor").Logger(),
		inflight: make(map[string]bool),
	}
}

// Run ticks every interval until ctx is done, then waits for in-flight
// ticks to finish.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.svc.Config().TickInterval
	m.logger.Info().Dur("interval", interval).Msg("Heartbeat monitor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Heartbeat monitor stopping, waiting for in-flight ticks")
			m.wg.Wait()
			m.logger.Info().Msg("Heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle launches one tick per monitored symbol. Symbols whose previous
// tick has not finished are skipped this cycle.
func (m *Monitor) Cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("heartbeat_monitor").Inc()
			m.logger.Error().Interface("panic", r).Msg("Heartbeat cycle panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if m.lease != nil && !m.lease.Held() {
		m.logger.Debug().Msg("Instance lease not held, heartbeat idle")
		return
	}

	symbols := make(map[string]struct{})
	positions, _, err := retry.DoValue(ctx, m.svc.Config().Poll, "heartbeat.positions", m.exec.OpenPositions,
		retry.WithClassifier(exchange.IsRetryable))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not list open positions, ticking tracked symbols only")
	}
	for _, p := range positions {
		if p.HasPosition() {
			symbols[p.Symbol] = struct{}{}
		}
	}
	for _, sym := range m.svc.ActiveSymbols() {
		symbols[sym] = struct{}{}
	}

	for sym := range symbols {
		m.launch(ctx, sym)
	}
}

func (m *Monitor) launch(ctx context.Context, symbol string) {
	m.mu.Lock()
	if m.inflight[symbol] {
		m.mu.Unlock()
		m.logger.Debug().Str("symbol", symbol).Msg("Previous tick still running, skipping")
		return
	}
	m.inflight[symbol] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, symbol)
			m.mu.Unlock()
		}()

		res, err := m.svc.Tick(ctx, symbol)
		if err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("Heartbeat tick could not be journaled")
			return
		}
		m.logger.Debug().
			Str("symbol", symbol).
			Str("outcome", string(res.Outcome)).
			Str("action", string(res.Action)).
			Msg("Heartbeat tick complete")
	}()
}

// Wait blocks until every launched tick has returned.
func (m *Monitor) Wait() { m.wg.Wait() }
