package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"perp-risk-agent/config"
	"perp-risk-agent/internal/database"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/logging"
	"perp-risk-agent/internal/policy"
)

var configPath string

// rootCmd is the base command for the agent CLI
var rootCmd = &cobra.Command{
	Use:   "perp-risk-agent",
	Short: "Autonomous perpetual-futures risk agent",
	Long: `perp-risk-agent scans trade candidates through a global trade gate,
opens sized entries on Binance USD-M futures, and watches every open
position with a heartbeat that exits on liquidation, P&L, volatility
and time triggers. Every decision is written to the journal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "Path to config file (.json or .yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(cfg.ToLoggingConfig())
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// stores are the persistence backends shared by the commands.
type stores struct {
	db      *database.DB // nil with the in-memory backend
	policy  policy.Store
	journal journal.Store
}

func (s *stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

var errNoDatabase = errors.New("database is disabled; set DATABASE_URL or database.enabled")

// openStores connects to Postgres and runs migrations, or falls back to
// in-memory stores when allowMemory is set and no database is configured.
func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, allowMemory bool) (*stores, error) {
	if !cfg.DatabaseConfig.Enabled {
		if !allowMemory {
			return nil, errNoDatabase
		}
		logger.Warn().Msg("Database disabled, journal and policy state are kept in memory only")
		return &stores{policy: policy.NewMemoryStore(), journal: journal.NewMemoryStore()}, nil
	}

	db, err := database.NewDB(ctx, cfg.ToDatabaseConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		db:      db,
		policy:  database.NewPolicyStateRepository(db),
		journal: database.NewJournalRepository(db),
	}, nil
}
