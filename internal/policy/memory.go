package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when Postgres is disabled and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	state   State
	created bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ensure(now time.Time) {
	if !m.created {
		m.state = State{UpdatedAt: now.UTC().Truncate(time.Millisecond)}
		m.created = true
	}
}

func (m *MemoryStore) Get(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(time.Now())
	return m.state, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, patch Patch, now time.Time) (State, error) {
	if err := patch.Validate(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(now)
	m.state = patch.Apply(m.state, now)
	return m.state, nil
}

func (m *MemoryStore) ClearExpired(ctx context.Context, now time.Time) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(now)
	if !m.state.ObservationOnlyExpired(now) {
		return m.state, false, nil
	}
	m.state = Patch{Clear: []Field{FieldObservationOnlyUntil}}.Apply(m.state, now)
	return m.state, true, nil
}
