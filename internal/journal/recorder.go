package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perp-risk-agent/internal/events"
	"perp-risk-agent/internal/metrics"
)

// Recorder appends entries and announces them on the event bus. Append
// failures are returned to the caller; a lost decision must surface.
type Recorder struct {
	store  Store
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder wires a recorder. bus may be nil.
func NewRecorder(store Store, bus *events.EventBus, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "Journal").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the timestamp source.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Store exposes the underlying store for readers.
func (r *Recorder) Store() Store { return r.store }

// Record builds and appends an entry.
func (r *Recorder) Record(ctx context.Context, symbol, fingerprint string, outcome Outcome, p Payload) (Entry, error) {
	e := New(symbol, fingerprint, outcome, p, r.now())
	if err := r.Append(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Append stores a prepared entry.
func (r *Recorder) Append(ctx context.Context, e Entry) error {
	if err := r.store.Append(ctx, e); err != nil {
		metrics.JournalAppendErrors.WithLabelValues(string(e.Kind)).Inc()
		r.logger.Error().Err(err).
			Str("kind", string(e.Kind)).
			Str("symbol", e.Symbol).
			Str("outcome", string(e.Outcome)).
			Msg("Failed to append journal entry")
		return fmt.Errorf("append %s journal entry: %w", e.Kind, err)
	}
	r.logger.Debug().
		Str("kind", string(e.Kind)).
		Str("symbol", e.Symbol).
		Str("outcome", string(e.Outcome)).
		Msg("Journal entry appended")
	r.bus.PublishJournalEntry(string(e.Kind), e.Symbol, string(e.Outcome), e)
	return nil
}
