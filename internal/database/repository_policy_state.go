package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"perp-risk-agent/internal/policy"
)

const policyStateColumns = `version, min_edge_override, max_trades_per_scan_override,
	leverage_cap_override, observation_only_until, reason, updated_at`

// PolicyStateRepository persists the singleton autonomy policy row (id = 1).
type PolicyStateRepository struct {
	db *DB
}

// NewPolicyStateRepository creates a repository on db.
func NewPolicyStateRepository(db *DB) *PolicyStateRepository {
	return &PolicyStateRepository{db: db}
}

var _ policy.Store = (*PolicyStateRepository)(nil)

func scanPolicyState(row pgx.Row) (policy.State, error) {
	var s policy.State
	err := row.Scan(&s.Version, &s.MinEdgeOverride, &s.MaxTradesPerScanOverride,
		&s.LeverageCapOverride, &s.ObservationOnlyUntil, &s.Reason, &s.UpdatedAt)
	if err != nil {
		return policy.State{}, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.ObservationOnlyUntil != nil {
		u := s.ObservationOnlyUntil.UTC()
		s.ObservationOnlyUntil = &u
	}
	return s, nil
}

// Get returns the policy row, inserting the default row on first read. The
// CTE snapshot never sees its own insert, so exactly one branch yields a row.
func (r *PolicyStateRepository) Get(ctx context.Context) (policy.State, error) {
	row := r.db.Pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO autonomy_policy_state (id) VALUES (1)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+policyStateColumns+`
		)
		SELECT `+policyStateColumns+` FROM ins
		UNION ALL
		SELECT `+policyStateColumns+` FROM autonomy_policy_state WHERE id = 1
		LIMIT 1`)
	s, err := scanPolicyState(row)
	if err != nil {
		return policy.State{}, fmt.Errorf("get policy state: %w", err)
	}
	return s, nil
}

// Upsert merges patch into the row in one statement. A field is nulled when
// cleared, overwritten when set and kept otherwise.
func (r *PolicyStateRepository) Upsert(ctx context.Context, patch policy.Patch, now time.Time) (policy.State, error) {
	if err := patch.Validate(); err != nil {
		return policy.State{}, err
	}
	now = now.UTC().Truncate(time.Millisecond)

	var until *time.Time
	if patch.ObservationOnlyUntil != nil {
		u := patch.ObservationOnlyUntil.UTC()
		until = &u
	}

	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO autonomy_policy_state AS s (
			id, version, min_edge_override, max_trades_per_scan_override,
			leverage_cap_override, observation_only_until, reason, updated_at
		) VALUES (1, 1, $1::double precision, $2::integer, $3::integer, $4::timestamptz, $5::text, $11::timestamptz)
		ON CONFLICT (id) DO UPDATE SET
			min_edge_override = CASE WHEN $6::boolean THEN NULL
				ELSE COALESCE($1::double precision, s.min_edge_override) END,
			max_trades_per_scan_override = CASE WHEN $7::boolean THEN NULL
				ELSE COALESCE($2::integer, s.max_trades_per_scan_override) END,
			leverage_cap_override = CASE WHEN $8::boolean THEN NULL
				ELSE COALESCE($3::integer, s.leverage_cap_override) END,
			observation_only_until = CASE WHEN $9::boolean THEN NULL
				ELSE COALESCE($4::timestamptz, s.observation_only_until) END,
			reason = CASE WHEN $10::boolean THEN NULL
				ELSE COALESCE($5::text, s.reason) END,
			version = s.version + 1,
			updated_at = GREATEST($11::timestamptz, s.updated_at + INTERVAL '1 millisecond')
		RETURNING `+policyStateColumns,
		patch.MinEdgeOverride,
		patch.MaxTradesPerScanOverride,
		patch.LeverageCapOverride,
		until,
		patch.Reason,
		patch.Clears(policy.FieldMinEdge),
		patch.Clears(policy.FieldMaxTradesPerScan),
		patch.Clears(policy.FieldLeverageCap),
		patch.Clears(policy.FieldObservationOnlyUntil),
		patch.Clears(policy.FieldReason),
		now,
	)
	s, err := scanPolicyState(row)
	if err != nil {
		return policy.State{}, fmt.Errorf("upsert policy state: %w", err)
	}
	return s, nil
}

// ClearExpired nulls observation_only_until when it is at or before now.
func (r *PolicyStateRepository) ClearExpired(ctx context.Context, now time.Time) (policy.State, bool, error) {
	now = now.UTC().Truncate(time.Millisecond)
	row := r.db.Pool.QueryRow(ctx, `
		UPDATE autonomy_policy_state SET
			observation_only_until = NULL,
			version = version + 1,
			updated_at = GREATEST($1::timestamptz, updated_at + INTERVAL '1 millisecond')
		WHERE id = 1
			AND observation_only_until IS NOT NULL
			AND observation_only_until <= $1::timestamptz
		RETURNING `+policyStateColumns, now)
	s, err := scanPolicyState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx)
		return current, false, getErr
	}
	if err != nil {
		return policy.State{}, false, fmt.Errorf("clear expired observation window: %w", err)
	}
	return s, true, nil
}
