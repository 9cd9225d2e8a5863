// Package journal is the append-only decision journal shared by the gate,
// the scan loop and the position heartbeat. Payloads form a closed set of
// kinds, each with its own struct, under a versioned JSON envelope.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written on every entry.
const SchemaVersion = 1

// Kind tags the payload type of an entry.
type Kind string

const (
	KindGateDecision      Kind = "gate_decision"
	KindTradeExecution    Kind = "trade_execution"
	KindTradeClose        Kind = "trade_close"
	KindPositionHeartbeat Kind = "position_heartbeat"
)

// Kinds lists every known kind.
var Kinds = []Kind{KindGateDecision, KindTradeExecution, KindTradeClose, KindPositionHeartbeat}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Outcome is the audit tag on an entry.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeInfo     Outcome = "info"
)

var (
	ErrUnknownKind       = errors.New("unknown journal kind")
	ErrUnsupportedSchema = errors.New("unsupported journal schema version")
	ErrKindMismatch      = errors.New("journal kind does not match payload")
)

// Payload is implemented only by the payload structs in this package.
type Payload interface {
	Kind() Kind
	sealed()
}

// Entry is one journal record.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	Kind          Kind      `json:"kind"`
	SchemaVersion int       `json:"schema_version"`
	Symbol        string    `json:"symbol"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	CreatedAt     time.Time `json:"created_at"`
	Payload       Payload   `json:"payload"`
}

// New builds an entry for payload p, stamping id, kind, schema version and time.
func New(symbol, fingerprint string, outcome Outcome, p Payload, now time.Time) Entry {
	return Entry{
		ID:            uuid.New(),
		Kind:          p.Kind(),
		SchemaVersion: SchemaVersion,
		Symbol:        symbol,
		Fingerprint:   fingerprint,
		Outcome:       outcome,
		CreatedAt:     now.UTC(),
		Payload:       p,
	}
}

// Validate checks envelope consistency before an entry is stored.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("journal entry %s has no payload", e.ID)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: envelope %s, payload %s", ErrKindMismatch, e.Kind, e.Payload.Kind())
	}
	if e.SchemaVersion < 1 || e.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, e.SchemaVersion)
	}
	return nil
}

type envelope struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	SchemaVersion int             `json:"schema_version"`
	Symbol        string          `json:"symbol"`
	Fingerprint   string          `json:"fingerprint,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

// UnmarshalJSON dispatches the payload on kind.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := DecodePayload(env.Kind, env.SchemaVersion, env.Payload)
	if err != nil {
		return err
	}
	*e = Entry{
		ID:            env.ID,
		Kind:          env.Kind,
		SchemaVersion: env.SchemaVersion,
		Symbol:        env.Symbol,
		Fingerprint:   env.Fingerprint,
		Outcome:       env.Outcome,
		CreatedAt:     env.CreatedAt,
		Payload:       p,
	}
	return nil
}

// DecodePayload decodes the raw payload for kind. Stores keep the payload in
// its own column and call this directly.
func DecodePayload(kind Kind, schemaVersion int, raw []byte) (Payload, error) {
	if schemaVersion < 1 || schemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, schemaVersion)
	}
	var p Payload
	switch kind {
	case KindGateDecision:
		p = &GateDecision{}
	case KindTradeExecution:
		p = &TradeExecution{}
	case KindTradeClose:
		p = &TradeClose{}
	case KindPositionHeartbeat:
		p = &PositionHeartbeat{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return p, nil
}
