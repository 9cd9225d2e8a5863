package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"perp-risk-agent/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or change the autonomy policy",
	Long: `Read and write the autonomy policy row shared by every instance.
Changes take effect on the next gate evaluation.`,
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current policy state",
	RunE:  runPolicyGet,
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Merge overrides into the policy",
	Long: `Set writes only the flags given; everything else keeps its value.

Examples:
  perp-risk-agent policy set --min-edge 0.004 --reason "thin books"
  perp-risk-agent policy set --observe-for 2h --reason "CPI release"
  perp-risk-agent policy set --clear min_edge_override,leverage_cap_override`,
	RunE: runPolicySet,
}

var policyClearExpiredCmd = &cobra.Command{
	Use:   "clear-expired",
	Short: "Clear an observation-only window that has already ended",
	RunE:  runPolicyClearExpired,
}

var (
	policyMinEdge     float64
	policyMaxTrades   int
	policyLeverageCap int
	policyObserveFor  time.Duration
	policyReason      string
	policyClear       []string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyGetCmd, policySetCmd, policyClearExpiredCmd)
	addPolicySetFlags(policySetCmd)
}

func addPolicySetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64Var(&policyMinEdge, "min-edge", 0, "Minimum expected edge override")
	f.IntVar(&policyMaxTrades, "max-trades", 0, "Max trades per scan override (0 blocks new entries)")
	f.IntVar(&policyLeverageCap, "leverage-cap", 0, "Leverage cap override")
	f.DurationVar(&policyObserveFor, "observe-for", 0, "Observation-only window starting now")
	f.StringVar(&policyReason, "reason", "", "Operator reason recorded with the change")
	f.StringSliceVar(&policyClear, "clear", nil, "Fields to reset to no override")
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	return withPolicyStore(func(ctx context.Context, store policy.Store) error {
		state, err := policy.Current(ctx, store, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), state)
	})
}

// buildPatch turns the set flags into a patch. Only flags the operator
// passed are written.
func buildPatch(cmd *cobra.Command, now time.Time) (policy.Patch, error) {
	var p policy.Patch
	flags := cmd.Flags()
	if flags.Changed("min-edge") {
		p.MinEdgeOverride = policy.Float(policyMinEdge)
	}
	if flags.Changed("max-trades") {
		p.MaxTradesPerScanOverride = policy.Int(policyMaxTrades)
	}
	if flags.Changed("leverage-cap") {
		p.LeverageCapOverride = policy.Int(policyLeverageCap)
	}
	if flags.Changed("observe-for") {
		if policyObserveFor <= 0 {
			return p, fmt.Errorf("--observe-for must be positive")
		}
		p.ObservationOnlyUntil = policy.Time(now.Add(policyObserveFor).UTC())
	}
	if flags.Changed("reason") {
		p.Reason = policy.String(policyReason)
	}
	for _, f := range policyClear {
		p.Clear = append(p.Clear, policy.Field(f))
	}
	if p.Empty() {
		return p, fmt.Errorf("nothing to change; pass at least one flag")
	}
	return p, p.Validate()
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	now := time.Now()
	patch, err := buildPatch(cmd, now)
	if err != nil {
		return err
	}
	return withPolicyStore(func(ctx context.Context, store policy.Store) error {
		state, err := store.Upsert(ctx, patch, now)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), state)
	})
}

func runPolicyClearExpired(cmd *cobra.Command, args []string) error {
	return withPolicyStore(func(ctx context.Context, store policy.Store) error {
		state, cleared, err := store.ClearExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		if !cleared {
			fmt.Fprintln(cmd.ErrOrStderr(), "No expired observation window")
		}
		return printJSON(cmd.OutOrStdout(), state)
	})
}

// withPolicyStore runs fn against the Postgres policy store. An in-memory
// store would be invisible to the running agent, so it is refused.
func withPolicyStore(fn func(ctx context.Context, store policy.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := openStores(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st.policy)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
