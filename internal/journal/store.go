package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("journal entry not found")

// Query filters List. Zero values do not filter.
type Query struct {
	Kinds       []Kind
	Symbol      string
	Fingerprint string
	Outcomes    []Outcome
	Since       time.Time // inclusive
	Until       time.Time // exclusive
	Limit       int
	Newest      bool // newest first; oldest first otherwise
}

// Matches reports whether e passes the filter, ignoring Limit and order.
func (q Query) Matches(e Entry) bool {
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, e.Kind) {
		return false
	}
	if len(q.Outcomes) > 0 && !containsOutcome(q.Outcomes, e.Outcome) {
		return false
	}
	if q.Symbol != "" && e.Symbol != q.Symbol {
		return false
	}
	if q.Fingerprint != "" && e.Fingerprint != q.Fingerprint {
		return false
	}
	if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}

func containsKind(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func containsOutcome(os []Outcome, o Outcome) bool {
	for _, x := range os {
		if x == o {
			return true
		}
	}
	return false
}

// Store is append-only persistence for journal entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if q.Newest {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LatestExecution returns the newest executed, non reduce-only
// trade_execution entry for symbol.
func LatestExecution(ctx context.Context, store Store, symbol string) (Entry, error) {
	entries, err := store.List(ctx, Query{
		Kinds:    []Kind{KindTradeExecution},
		Outcomes: []Outcome{OutcomeExecuted},
		Symbol:   symbol,
		Newest:   true,
		Limit:    20,
	})
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if te, ok := e.Payload.(*TradeExecution); ok && !te.ReduceOnly {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}
