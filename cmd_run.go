package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"perp-risk-agent/config"
	"perp-risk-agent/internal/api"
	"perp-risk-agent/internal/auth"
	"perp-risk-agent/internal/autopilot"
	"perp-risk-agent/internal/binance"
	"perp-risk-agent/internal/events"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/heartbeat"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/pnl"
	"perp-risk-agent/internal/quality"
	"perp-risk-agent/internal/vault"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan loop, position heartbeat and operator API",
	Long: `Run starts every enabled component: the scan loop that gates and opens
entries, the heartbeat monitor that watches open positions, and the
operator API. With redis configured only the instance holding the lease
trades; the others stay on standby.

Examples:
  perp-risk-agent run
  perp-risk-agent run --config config.yaml
  MOCK_MODE=false perp-risk-agent run`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info().
		Bool("paper", cfg.BinanceConfig.MockMode).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Bool("autonomy", cfg.GateConfig.AutonomyEnabled).
		Msg("Starting perp-risk-agent")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewEventBus()
	var health []api.HealthCheck

	// Exchange
	keys, vc, err := exchangeKeys(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if vc.Enabled() {
		health = append(health, api.HealthCheck{Name: "vault", Check: vc.HealthCheck})
	}
	client := newFuturesClient(cfg, keys, logger)
	exec := binance.NewExecutor(client, logger)

	// Storage
	st, err := openStores(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()
	if st.db != nil {
		health = append(health, api.HealthCheck{Name: "database", Check: st.db.HealthCheck})
	}
	recorder := journal.NewRecorder(st.journal, bus, logger)

	// Trade gate
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	qs := quality.NewJournalSource(st.journal, cfg.ToQualityConfig())
	tradeGate := gate.New(pnl.NewAggregator(st.journal, exec, loc, logger), qs, logger)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error().Err(err).Str("loop", name).Msg("Loop exited with error")
			}
		}()
	}

	// Active/standby lease
	var lease autopilot.LeaseChecker = autopilot.AlwaysHeld{}
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer rdb.Close()
		health = append(health, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})

		l := autopilot.NewLease(rdb, cfg.ToLeaseConfig(), logger)
		l.SetEventBus(bus)
		lease = l
		start("lease", l.Run)
	} else {
		logger.Info().Msg("Redis disabled, running as the only active instance")
	}

	// Position heartbeat
	var hbStatus api.HeartbeatStatus
	if cfg.HeartbeatConfig.Enabled {
		hbCfg, err := cfg.ToHeartbeatConfig()
		if err != nil {
			return err
		}
		svc := heartbeat.NewService(exec, recorder, hbCfg, logger)
		hbStatus = svc
		start("heartbeat", heartbeat.NewMonitor(svc, exec, lease, logger).Run)
	}

	// Scan loop
	var scanStatus api.ScanStatus
	if cfg.ScanConfig.Enabled {
		scanCfg, err := cfg.ToScanConfig()
		if err != nil {
			return err
		}
		var discovery autopilot.Discovery = autopilot.NewStaticDiscovery()
		if cfg.ScanConfig.CandidatesFile != "" {
			discovery = autopilot.NewFileDiscovery(cfg.ScanConfig.CandidatesFile)
		} else {
			logger.Warn().Msg("No candidates file configured, scan loop will find nothing to trade")
		}
		loop := autopilot.NewScanLoop(scanCfg, discovery, tradeGate, st.policy, exec, recorder, lease, logger)
		loop.SetEventBus(bus)
		scanStatus = loop
		start("scan", loop.Run)
	}

	// Operator API
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AuthConfig.Enabled {
			jwtManager, err = auth.NewJWTManager(cfg.AuthConfig.ToAuthConfig())
			if err != nil {
				return err
			}
		} else {
			logger.Warn().Msg("API authentication disabled")
		}

		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: cfg.LoggingConfig.JSONFormat,
			AllowedOrigins: cfg.ServerConfig.Origins(),
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			MetricsPath:    metricsPath(cfg),
		}, api.Dependencies{
			Policy:     st.policy,
			Journal:    st.journal,
			Gate:       tradeGate,
			GateConfig: cfg.ToGateConfig(),
			Quality:    qs,
			Heartbeat:  hbStatus,
			Scan:       scanStatus,
			Lease:      lease,
			InstanceID: cfg.InstanceConfig.ID,
			EventBus:   bus,
			JWT:        jwtManager,
			Health:     health,
		}, logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		stop()
	}

	// Loops finish their in-flight ticks and release the lease.
	wg.Wait()
	logger.Info().Msg("perp-risk-agent stopped")
	return nil
}

// exchangeKeys resolves venue credentials from Vault, or from config when
// Vault is disabled. Paper trading runs without keys.
func exchangeKeys(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (vault.ExchangeKeys, *vault.Client, error) {
	vc, err := vault.NewClient(cfg.ToVaultConfig(), cfg.FallbackKeys(), logger)
	if err != nil {
		return vault.ExchangeKeys{}, nil, err
	}
	keys, err := vc.GetExchangeKeys(ctx, cfg.BinanceConfig.Account)
	switch {
	case err == nil:
		return keys, vc, nil
	case cfg.BinanceConfig.MockMode && errors.Is(err, vault.ErrKeysNotFound):
		logger.Info().Msg("No exchange keys configured, paper trading on public mark prices")
		return vault.ExchangeKeys{}, vc, nil
	default:
		return vault.ExchangeKeys{}, nil, fmt.Errorf("exchange keys for account %q: %w", cfg.BinanceConfig.Account, err)
	}
}

// newFuturesClient returns the REST client, or a paper client priced from
// the venue's public mark price in mock mode.
func newFuturesClient(cfg *config.Config, keys vault.ExchangeKeys, logger zerolog.Logger) binance.FuturesClient {
	cc := cfg.ToClientConfig(keys.APIKey, keys.SecretKey)
	cc.Testnet = cc.Testnet || keys.Testnet
	rest := binance.NewFuturesClient(cc, logger)
	if !cfg.BinanceConfig.MockMode {
		return rest
	}
	return binance.NewFuturesMockClient(func(ctx context.Context, symbol string) (float64, error) {
		mp, err := rest.GetMarkPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		return mp.MarkPrice, nil
	})
}

func metricsPath(cfg *config.Config) string {
	if !cfg.MetricsConfig.Enabled {
		return ""
	}
	return cfg.MetricsConfig.Path
}
