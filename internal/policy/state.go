// Package policy holds the process-wide autonomy policy state: operator
// overrides read by the trade gate and the scan loop.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// State is one versioned snapshot of the autonomy policy. Nil fields mean
// "no override". It is passed by value into the gate.
type State struct {
	Version                  int64      `json:"version"`
	MinEdgeOverride          *float64   `json:"min_edge_override"`
	MaxTradesPerScanOverride *int       `json:"max_trades_per_scan_override"`
	LeverageCapOverride      *int       `json:"leverage_cap_override"`
	ObservationOnlyUntil     *time.Time `json:"observation_only_until"`
	Reason                   *string    `json:"reason"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// ObservationOnlyActive reports whether observation-only mode blocks entries
// at now. An expiry at or before now counts as cleared.
func (s State) ObservationOnlyActive(now time.Time) bool {
	return s.ObservationOnlyUntil != nil && now.Before(*s.ObservationOnlyUntil)
}

// ObservationOnlyExpired reports whether an expiry is set but already past.
func (s State) ObservationOnlyExpired(now time.Time) bool {
	return s.ObservationOnlyUntil != nil && !now.Before(*s.ObservationOnlyUntil)
}

// Field names a nullable policy field.
type Field string

const (
	FieldMinEdge              Field = "min_edge_override"
	FieldMaxTradesPerScan     Field = "max_trades_per_scan_override"
	FieldLeverageCap          Field = "leverage_cap_override"
	FieldObservationOnlyUntil Field = "observation_only_until"
	FieldReason               Field = "reason"
)

// Fields lists every nullable field.
var Fields = []Field{FieldMinEdge, FieldMaxTradesPerScan, FieldLeverageCap, FieldObservationOnlyUntil, FieldReason}

// Patch is a merge-upsert request. Non-nil fields are written, fields in
// Clear are nulled, everything else is left as is.
type Patch struct {
	MinEdgeOverride          *float64   `json:"min_edge_override,omitempty"`
	MaxTradesPerScanOverride *int       `json:"max_trades_per_scan_override,omitempty"`
	LeverageCapOverride      *int       `json:"leverage_cap_override,omitempty"`
	ObservationOnlyUntil     *time.Time `json:"observation_only_until,omitempty"`
	Reason                   *string    `json:"reason,omitempty"`
	Clear                    []Field    `json:"clear,omitempty"`
}

var (
	ErrInvalidPatch = errors.New("invalid policy patch")
	ErrUnknownField = errors.New("unknown policy field")
)

// Clears reports whether f is listed in Clear.
func (p Patch) Clears(f Field) bool {
	for _, c := range p.Clear {
		if c == f {
			return true
		}
	}
	return false
}

// Validate rejects values no caller should be able to set.
func (p Patch) Validate() error {
	if p.MinEdgeOverride != nil && (math.IsNaN(*p.MinEdgeOverride) || math.IsInf(*p.MinEdgeOverride, 0) || *p.MinEdgeOverride < 0) {
		return fmt.Errorf("%w: min_edge_override must be a finite value >= 0", ErrInvalidPatch)
	}
	if p.MaxTradesPerScanOverride != nil && *p.MaxTradesPerScanOverride < 0 {
		return fmt.Errorf("%w: max_trades_per_scan_override must be >= 0", ErrInvalidPatch)
	}
	if p.LeverageCapOverride != nil && *p.LeverageCapOverride < 1 {
		return fmt.Errorf("%w: leverage_cap_override must be >= 1", ErrInvalidPatch)
	}
	for _, f := range p.Clear {
		if !knownField(f) {
			return fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
		if p.sets(f) {
			return fmt.Errorf("%w: %s both set and cleared", ErrInvalidPatch, f)
		}
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.MinEdgeOverride == nil && p.MaxTradesPerScanOverride == nil && p.LeverageCapOverride == nil &&
		p.ObservationOnlyUntil == nil && p.Reason == nil && len(p.Clear) == 0
}

func (p Patch) sets(f Field) bool {
	switch f {
	case FieldMinEdge:
		return p.MinEdgeOverride != nil
	case FieldMaxTradesPerScan:
		return p.MaxTradesPerScanOverride != nil
	case FieldLeverageCap:
		return p.LeverageCapOverride != nil
	case FieldObservationOnlyUntil:
		return p.ObservationOnlyUntil != nil
	case FieldReason:
		return p.Reason != nil
	}
	return false
}

func knownField(f Field) bool {
	for _, k := range Fields {
		if k == f {
			return true
		}
	}
	return false
}

// Apply merges p into s and advances Version and UpdatedAt. UpdatedAt
// always moves forward, even if the clock has not.
func (p Patch) Apply(s State, now time.Time) State {
	out := s
	if p.MinEdgeOverride != nil {
		out.MinEdgeOverride = ptr(*p.MinEdgeOverride)
	}
	if p.MaxTradesPerScanOverride != nil {
		out.MaxTradesPerScanOverride = ptr(*p.MaxTradesPerScanOverride)
	}
	if p.LeverageCapOverride != nil {
		out.LeverageCapOverride = ptr(*p.LeverageCapOverride)
	}
	if p.ObservationOnlyUntil != nil {
		out.ObservationOnlyUntil = ptr(p.ObservationOnlyUntil.UTC())
	}
	if p.Reason != nil {
		out.Reason = ptr(*p.Reason)
	}
	for _, f := range p.Clear {
		switch f {
		case FieldMinEdge:
			out.MinEdgeOverride = nil
		case FieldMaxTradesPerScan:
			out.MaxTradesPerScanOverride = nil
		case FieldLeverageCap:
			out.LeverageCapOverride = nil
		case FieldObservationOnlyUntil:
			out.ObservationOnlyUntil = nil
		case FieldReason:
			out.Reason = nil
		}
	}
	out.Version = s.Version + 1
	out.UpdatedAt = AdvanceUpdatedAt(s.UpdatedAt, now)
	return out
}

// AdvanceUpdatedAt returns now, or prev+1ms when now would not move past prev.
func AdvanceUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

// Store persists the singleton policy state.
type Store interface {
	// Get returns the current state, creating the default row on first use.
	Get(ctx context.Context) (State, error)
	// Upsert atomically merges the patch into the stored state.
	Upsert(ctx context.Context, patch Patch, now time.Time) (State, error)
	// ClearExpired nulls an observation-only expiry at or before now. The
	// bool reports whether anything changed.
	ClearExpired(ctx context.Context, now time.Time) (State, bool, error)
}

// Current reads the state and applies lazy expiry: a past observation-only
// window is cleared in the store before the snapshot is returned.
func Current(ctx context.Context, store Store, now time.Time) (State, error) {
	s, err := store.Get(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read policy state: %w", err)
	}
	if !s.ObservationOnlyExpired(now) {
		return s, nil
	}
	cleared, _, err := store.ClearExpired(ctx, now)
	if err != nil {
		// The snapshot is still usable; expiry is a read-time check.
		s.ObservationOnlyUntil = nil
		return s, nil
	}
	return cleared, nil
}

func ptr[T any](v T) *T { return &v }

// Float, Int, String and Time build pointer values for patches.
func Float(v float64) *float64    { return &v }
func Int(v int) *int              { return &v }
func String(v string) *string     { return &v }
func Time(v time.Time) *time.Time { return &v }
