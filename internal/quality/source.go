package quality

import (
	"context"
	"fmt"
	"time"

	"perp-risk-agent/internal/journal"
)

// JournalSource scores segments from a journal store over a lookback window.
type JournalSource struct {
	store journal.Store
	cfg   Config
	now   func() time.Time
}

// NewJournalSource wires a source.
func NewJournalSource(store journal.Store, cfg Config) *JournalSource {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultConfig().LookbackDays
	}
	return &JournalSource{store: store, cfg: cfg, now: time.Now}
}

func (s *JournalSource) load(ctx context.Context) ([]journal.Entry, error) {
	since := s.now().Add(-time.Duration(s.cfg.LookbackDays) * 24 * time.Hour)
	entries, err := s.store.List(ctx, journal.Query{
		Kinds: []journal.Kind{journal.KindTradeExecution, journal.KindTradeClose},
		Since: since,
	})
	if err != nil {
		return nil, fmt.Errorf("load journal for decision quality: %w", err)
	}
	return entries, nil
}

// Segment returns the stats for one segment.
func (s *JournalSource) Segment(ctx context.Context, key SegmentKey) (SegmentStats, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return SegmentStats{}, err
	}
	return ScoreSegment(entries, key, s.cfg), nil
}

// Segments returns stats for every segment in the window.
func (s *JournalSource) Segments(ctx context.Context) ([]SegmentStats, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return Aggregate(entries, s.cfg), nil
}
