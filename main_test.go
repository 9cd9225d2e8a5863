package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-risk-agent/internal/policy"
)

func parseSetFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "set"}
	addPolicySetFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestBuildPatch_OnlyChangedFlags(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cmd := parseSetFlags(t, "--min-edge", "0.004", "--observe-for", "2h", "--reason", "CPI")

	p, err := buildPatch(cmd, now)
	require.NoError(t, err)
	require.NotNil(t, p.MinEdgeOverride)
	assert.Equal(t, 0.004, *p.MinEdgeOverride)
	assert.Nil(t, p.MaxTradesPerScanOverride)
	assert.Nil(t, p.LeverageCapOverride)
	require.NotNil(t, p.ObservationOnlyUntil)
	assert.True(t, p.ObservationOnlyUntil.Equal(now.Add(2*time.Hour)))
	assert.Equal(t, "CPI", *p.Reason)
}

func TestBuildPatch_ZeroMaxTradesIsAnOverride(t *testing.T) {
	p, err := buildPatch(parseSetFlags(t, "--max-trades", "0"), time.Now())
	require.NoError(t, err)
	require.NotNil(t, p.MaxTradesPerScanOverride)
	assert.Equal(t, 0, *p.MaxTradesPerScanOverride)
}

func TestBuildPatch_Clear(t *testing.T) {
	p, err := buildPatch(parseSetFlags(t, "--clear", "min_edge_override,reason"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []policy.Field{policy.FieldMinEdge, policy.FieldReason}, p.Clear)
}

func TestBuildPatch_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no flags", nil},
		{"negative observe", []string{"--observe-for=-1m"}},
		{"leverage below one", []string{"--leverage-cap", "0"}},
		{"unknown clear field", []string{"--clear", "max_leverage"}},
		{"set and clear", []string{"--reason", "x", "--clear", "reason"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildPatch(parseSetFlags(t, tt.args...), time.Now())
			assert.Error(t, err)
		})
	}
}
