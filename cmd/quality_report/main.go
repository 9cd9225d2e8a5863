package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"perp-risk-agent/config"
	"perp-risk-agent/internal/database"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/pnl"
	"perp-risk-agent/internal/quality"
)

var (
	configPath string
	days       int
)

// rootCmd prints decision quality per segment and realized P&L per symbol
// from the Postgres journal.
var rootCmd = &cobra.Command{
	Use:   "quality_report",
	Short: "Decision-quality and P&L report from the decision journal",
	Long: `quality_report reads trade_execution and trade_close entries from the
journal and prints the decision-quality score of every segment the gate
would look at, followed by realized P&L per symbol.

Examples:
  quality_report
  quality_report --days 7 --config config.yaml`,
	SilenceUsage: true,
	RunE:         runReport,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigFile, "Path to config file")
	rootCmd.Flags().IntVar(&days, "days", 0, "Lookback in days (default from quality.lookback_days)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.DatabaseConfig.Enabled {
		return fmt.Errorf("the report reads the Postgres journal; set DATABASE_URL or database.enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.ToDatabaseConfig(), zerolog.Nop())
	if err != nil {
		return err
	}
	defer db.Close()

	qcfg := cfg.ToQualityConfig()
	if days > 0 {
		qcfg.LookbackDays = days
	}
	since := time.Now().AddDate(0, 0, -qcfg.LookbackDays)

	entries, err := database.NewJournalRepository(db).List(ctx, journal.Query{
		Kinds: []journal.Kind{journal.KindTradeExecution, journal.KindTradeClose},
		Since: since,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Journal since %s: %d entries\n\n", since.UTC().Format(time.RFC3339), len(entries))
	writeSegments(out, quality.Aggregate(entries, qcfg), cfg.ToGateConfig().Quality.MinSamples)
	fmt.Fprintln(out)
	writeSymbols(out, entries)
	return nil
}

func writeSegments(w io.Writer, segments []quality.SegmentStats, minSamples int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tSAMPLES\tCLOSED\tDIRECTION\tTIMING\tSIZING\tEXIT\tSCORE\t")
	for _, s := range segments {
		score := fmt.Sprintf("%.3f", s.Score)
		if s.Samples < minSamples {
			score += " (warming up)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%s\t\n",
			s.Key, s.Samples, s.Closed, s.Direction, s.Timing, s.Sizing, s.Exit, score)
	}
	tw.Flush()
}

type symbolStats struct {
	symbol  string
	rollup  pnl.Rollup
	winners int
	losers  int
}

func writeSymbols(w io.Writer, entries []journal.Entry) {
	bySymbol := make(map[string][]journal.Entry)
	for _, e := range entries {
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}

	stats := make([]symbolStats, 0, len(bySymbol))
	for symbol, es := range bySymbol {
		s := symbolStats{symbol: symbol, rollup: pnl.Summarize(es, time.Time{})}
		for _, e := range es {
			if c, ok := e.Payload.(*journal.TradeClose); ok {
				switch {
				case c.RealizedPnl > 0:
					s.winners++
				case c.RealizedPnl < 0:
					s.losers++
				}
			}
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].rollup.RealizedPnl.GreaterThan(stats[j].rollup.RealizedPnl)
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SYMBOL\tENTRIES\tCLOSES\tWINNERS\tLOSERS\tREALIZED\t")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t\n",
			s.symbol, s.rollup.ExecutedTrades, s.rollup.ClosedTrades, s.winners, s.losers, s.rollup.RealizedPnl.StringFixed(2))
	}
	tw.Flush()
}
