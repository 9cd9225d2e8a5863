package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"perp-risk-agent/internal/journal"
)

// JournalRepository stores decision journal entries with the payload in a
// JSONB column.
type JournalRepository struct {
	db *DB
}

// NewJournalRepository creates a repository on db.
func NewJournalRepository(db *DB) *JournalRepository {
	return &JournalRepository{db: db}
}

var _ journal.Store = (*JournalRepository)(nil)

// Append inserts e. Entries are never updated.
func (r *JournalRepository) Append(ctx context.Context, e journal.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO decision_journal (id, kind, schema_version, symbol, fingerprint, outcome, payload, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		e.ID.String(), string(e.Kind), e.SchemaVersion, e.Symbol, e.Fingerprint,
		string(e.Outcome), string(payload), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append journal entry %s: %w", e.ID, err)
	}
	return nil
}

// List returns entries matching q ordered by created_at.
func (r *JournalRepository) List(ctx context.Context, q journal.Query) ([]journal.Entry, error) {
	query, args := buildJournalQuery(q)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	entries := make([]journal.Entry, 0)
	for rows.Next() {
		var (
			id, kind, outcome string
			payload           []byte
			e                 journal.Entry
		)
		if err := rows.Scan(&id, &kind, &e.SchemaVersion, &e.Symbol, &e.Fingerprint,
			&outcome, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("journal entry id %q: %w", id, err)
		}
		e.Kind = journal.Kind(kind)
		e.Outcome = journal.Outcome(outcome)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Payload, err = journal.DecodePayload(e.Kind, e.SchemaVersion, payload); err != nil {
			return nil, fmt.Errorf("journal entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return entries, nil
}

// buildJournalQuery renders q as SQL with positional arguments.
func buildJournalQuery(q journal.Query) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+"::text[])")
	}
	if len(q.Outcomes) > 0 {
		outcomes := make([]string, len(q.Outcomes))
		for i, o := range q.Outcomes {
			outcomes[i] = string(o)
		}
		where = append(where, "outcome = ANY("+arg(outcomes)+"::text[])")
	}
	if q.Symbol != "" {
		where = append(where, "symbol = "+arg(q.Symbol))
	}
	if q.Fingerprint != "" {
		where = append(where, "fingerprint = "+arg(q.Fingerprint))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= "+arg(q.Since.UTC()))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < "+arg(q.Until.UTC()))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id::text, kind, schema_version, symbol, fingerprint, outcome, payload, created_at
		FROM decision_journal`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if q.Newest {
		sb.WriteString(" ORDER BY created_at DESC, id")
	} else {
		sb.WriteString(" ORDER BY created_at ASC, id")
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(q.Limit))
	}
	return sb.String(), args
}
