package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"perp-risk-agent/internal/auth"
	"perp-risk-agent/internal/autopilot"
	"perp-risk-agent/internal/binance"
	"perp-risk-agent/internal/database"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/heartbeat"
	"perp-risk-agent/internal/logging"
	"perp-risk-agent/internal/quality"
	"perp-risk-agent/internal/retry"
	"perp-risk-agent/internal/session"
	"perp-risk-agent/internal/vault"
)

// DefaultConfigFile is read when no path is given.
const DefaultConfigFile = "config.json"

type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance" yaml:"binance"`
	FuturesConfig   FuturesConfig   `json:"futures" yaml:"futures"`
	DatabaseConfig  DatabaseConfig  `json:"database" yaml:"database"`
	RedisConfig     RedisConfig     `json:"redis" yaml:"redis"`
	VaultConfig     VaultConfig     `json:"vault" yaml:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging" yaml:"logging"`
	ServerConfig    ServerConfig    `json:"server" yaml:"server"`
	AuthConfig      AuthConfig      `json:"auth" yaml:"auth"`
	GateConfig      GateConfig      `json:"gate" yaml:"gate"`
	QualityConfig   QualityConfig   `json:"quality" yaml:"quality"`
	HeartbeatConfig HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	ScanConfig      ScanConfig      `json:"scan" yaml:"scan"`
	RetryConfig     RetryConfig     `json:"retry" yaml:"retry"`
	SessionConfig   SessionConfig   `json:"session" yaml:"session"`
	MetricsConfig   MetricsConfig   `json:"metrics" yaml:"metrics"`
	InstanceConfig  InstanceConfig  `json:"instance" yaml:"instance"`
}

// BinanceConfig holds Binance Futures REST settings. Keys are normally
// read from Vault; the fields here are the fallback.
type BinanceConfig struct {
	APIKey                 string `json:"api_key" yaml:"api_key"`
	SecretKey              string `json:"secret_key" yaml:"secret_key"`
	BaseURL                string `json:"base_url" yaml:"base_url"`
	TestNet                bool   `json:"testnet" yaml:"testnet"`
	MockMode               bool   `json:"mock_mode" yaml:"mock_mode"` // paper trading against live mark prices
	TimeoutSeconds         int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	RecvWindowMs           int64  `json:"recv_window_ms" yaml:"recv_window_ms"`
	WeightPerMinute        int    `json:"weight_per_minute" yaml:"weight_per_minute"`
	BreakerFailures        int    `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds"`
	Account                string `json:"account" yaml:"account"` // vault secret name
}

// FuturesConfig holds Binance Futures trading configuration
type FuturesConfig struct {
	DefaultLeverage int `json:"default_leverage" yaml:"default_leverage"`
	MaxLeverage     int `json:"max_leverage" yaml:"max_leverage"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL and host keep the
// journal and policy state in memory.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
	MinConns int    `json:"min_conns" yaml:"min_conns"`
}

// RedisConfig holds Redis configuration for the instance lease
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Address         string `json:"address" yaml:"address"`
	Token           string `json:"token" yaml:"token"`
	MountPath       string `json:"mount_path" yaml:"mount_path"`   // KV v2 mount
	SecretPath      string `json:"secret_path" yaml:"secret_path"` // prefix for exchange keys
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	TLSEnabled      bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert          string `json:"ca_cert" yaml:"ca_cert"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // comma separated
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`       // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`     // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	JWTSecret           string        `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer              string        `json:"issuer" yaml:"issuer"`
	AccessTokenDuration time.Duration `json:"-" yaml:"-"`
	AccessTokenMinutes  int           `json:"access_token_minutes" yaml:"access_token_minutes"`
}

// GateConfig holds the trade gate limits.
type GateConfig struct {
	AutonomyEnabled bool    `json:"autonomy_enabled" yaml:"autonomy_enabled"`
	DrawdownCapUSD  float64 `json:"drawdown_cap_usd" yaml:"drawdown_cap_usd"`
	MaxTradesPerDay int     `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	FailOpen        bool    `json:"fail_open" yaml:"fail_open"`
	Timezone        string  `json:"timezone" yaml:"timezone"` // IANA name of the operator day
}

// QualityConfig holds decision-quality scoring and gating settings.
type QualityConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	MinSamples           int     `json:"min_samples" yaml:"min_samples"`
	BlockBelowScore      float64 `json:"block_below_score" yaml:"block_below_score"`
	DownweightBelowScore float64 `json:"downweight_below_score" yaml:"downweight_below_score"`
	DownweightMultiplier float64 `json:"downweight_multiplier" yaml:"downweight_multiplier"`
	DirectionScaleRoePct float64 `json:"direction_scale_roe_pct" yaml:"direction_scale_roe_pct"`
	LookbackDays         int     `json:"lookback_days" yaml:"lookback_days"`
}

// HeartbeatConfig holds position heartbeat thresholds.
type HeartbeatConfig struct {
	Enabled                    bool              `json:"enabled" yaml:"enabled"`
	TickIntervalMs             int               `json:"tick_interval_ms" yaml:"tick_interval_ms"`
	BufferSize                 int               `json:"buffer_size" yaml:"buffer_size"`
	LiquidationProximityPct    float64           `json:"liquidation_proximity_pct" yaml:"liquidation_proximity_pct"`
	PnlShiftPct                float64           `json:"pnl_shift_pct" yaml:"pnl_shift_pct"`
	VolatilitySpikePct         float64           `json:"volatility_spike_pct" yaml:"volatility_spike_pct"`
	VolatilitySpikeWindowTicks int               `json:"volatility_spike_window_ticks" yaml:"volatility_spike_window_ticks"`
	TimeCeilingMinutes         float64           `json:"time_ceiling_minutes" yaml:"time_ceiling_minutes"`
	TimeCeilingProfitRoePct    float64           `json:"time_ceiling_profit_roe_pct" yaml:"time_ceiling_profit_roe_pct"`
	DefaultCooldownSeconds     int               `json:"default_cooldown_seconds" yaml:"default_cooldown_seconds"`
	CooldownSeconds            map[string]int    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	ActionMap                  map[string]string `json:"action_map" yaml:"action_map"`
	PartialCloseFraction       float64           `json:"partial_close_fraction" yaml:"partial_close_fraction"`
}

// ScanConfig holds the autonomous scan loop settings.
type ScanConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	IntervalSeconds  int     `json:"scan_interval_seconds" yaml:"scan_interval_seconds"`
	MinEdge          float64 `json:"min_edge" yaml:"min_edge"`
	MaxTradesPerScan int     `json:"max_trades_per_scan" yaml:"max_trades_per_scan"`
	BaseNotionalUSD  float64 `json:"base_notional_usd" yaml:"base_notional_usd"`
	BaseLeverage     float64 `json:"base_leverage" yaml:"base_leverage"`
	CandidatesFile   string  `json:"candidates_file" yaml:"candidates_file"`
}

// RetryConfig is the bounded backoff used for polls and orders.
type RetryConfig struct {
	Retries          int `json:"retries" yaml:"retries"`
	BaseDelayMs      int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs       int `json:"max_delay_ms" yaml:"max_delay_ms"`
	JitterMs         int `json:"jitter_ms" yaml:"jitter_ms"`
	AttemptTimeoutMs int `json:"attempt_timeout_ms" yaml:"attempt_timeout_ms"`
}

// SessionConfig overrides per-session size weights.
type SessionConfig struct {
	Weights map[string]float64 `json:"weights" yaml:"weights"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// InstanceConfig identifies this process for the active/standby lease.
type InstanceConfig struct {
	ID              string `json:"id" yaml:"id"`
	LeaseKey        string `json:"lease_key" yaml:"lease_key"`
	LeaseTTLSeconds int    `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
}

// Load reads the config file (JSON, or YAML by extension), then .env, then
// environment overrides, then fills defaults and validates. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = newConfig()
	}

	// .env never overrides variables already present in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the file value.
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)
	cfg.BinanceConfig.Account = getEnvOrDefault("BINANCE_ACCOUNT", cfg.BinanceConfig.Account)

	// Futures config
	cfg.FuturesConfig.DefaultLeverage = getEnvIntOrDefault("FUTURES_DEFAULT_LEVERAGE", cfg.FuturesConfig.DefaultLeverage)
	cfg.FuturesConfig.MaxLeverage = getEnvIntOrDefault("FUTURES_MAX_LEVERAGE", cfg.FuturesConfig.MaxLeverage)

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED",
		cfg.DatabaseConfig.Enabled || cfg.DatabaseConfig.URL != "" || cfg.DatabaseConfig.Host != "")

	// Redis config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled || cfg.RedisConfig.Address != "")

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	if cfg.AuthConfig.AccessTokenMinutes > 0 {
		cfg.AuthConfig.AccessTokenDuration = time.Duration(cfg.AuthConfig.AccessTokenMinutes) * time.Minute
	}
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Gate config
	cfg.GateConfig.AutonomyEnabled = getEnvBoolOrDefault("GATE_AUTONOMY_ENABLED", cfg.GateConfig.AutonomyEnabled)
	cfg.GateConfig.DrawdownCapUSD = getEnvFloatOrDefault("GATE_DRAWDOWN_CAP_USD", cfg.GateConfig.DrawdownCapUSD)
	cfg.GateConfig.MaxTradesPerDay = getEnvIntOrDefault("GATE_MAX_TRADES_PER_DAY", cfg.GateConfig.MaxTradesPerDay)
	cfg.GateConfig.FailOpen = getEnvBoolOrDefault("GATE_FAIL_OPEN", cfg.GateConfig.FailOpen)
	cfg.GateConfig.Timezone = getEnvOrDefault("GATE_TIMEZONE", cfg.GateConfig.Timezone)

	// Heartbeat config
	cfg.HeartbeatConfig.Enabled = getEnvBoolOrDefault("HEARTBEAT_ENABLED", cfg.HeartbeatConfig.Enabled)
	cfg.HeartbeatConfig.TickIntervalMs = getEnvIntOrDefault("HEARTBEAT_TICK_INTERVAL_MS", cfg.HeartbeatConfig.TickIntervalMs)

	// Scan config
	cfg.ScanConfig.Enabled = getEnvBoolOrDefault("SCAN_ENABLED", cfg.ScanConfig.Enabled)
	cfg.ScanConfig.IntervalSeconds = getEnvIntOrDefault("SCAN_INTERVAL_SECONDS", cfg.ScanConfig.IntervalSeconds)
	cfg.ScanConfig.MinEdge = getEnvFloatOrDefault("SCAN_MIN_EDGE", cfg.ScanConfig.MinEdge)
	cfg.ScanConfig.MaxTradesPerScan = getEnvIntOrDefault("SCAN_MAX_TRADES_PER_SCAN", cfg.ScanConfig.MaxTradesPerScan)
	cfg.ScanConfig.BaseNotionalUSD = getEnvFloatOrDefault("SCAN_BASE_NOTIONAL_USD", cfg.ScanConfig.BaseNotionalUSD)
	cfg.ScanConfig.CandidatesFile = getEnvOrDefault("SCAN_CANDIDATES_FILE", cfg.ScanConfig.CandidatesFile)

	// Instance config
	cfg.InstanceConfig.ID = getEnvOrDefault("INSTANCE_ID", cfg.InstanceConfig.ID)
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.BinanceConfig.TimeoutSeconds <= 0 {
		cfg.BinanceConfig.TimeoutSeconds = 15
	}
	if cfg.BinanceConfig.RecvWindowMs <= 0 {
		cfg.BinanceConfig.RecvWindowMs = 10000
	}
	if cfg.BinanceConfig.WeightPerMinute <= 0 {
		cfg.BinanceConfig.WeightPerMinute = 1200
	}
	if cfg.BinanceConfig.BreakerFailures <= 0 {
		cfg.BinanceConfig.BreakerFailures = 5
	}
	if cfg.BinanceConfig.BreakerCooldownSeconds <= 0 {
		cfg.BinanceConfig.BreakerCooldownSeconds = 30
	}
	if cfg.BinanceConfig.Account == "" {
		cfg.BinanceConfig.Account = "default"
	}

	if cfg.FuturesConfig.DefaultLeverage <= 0 {
		cfg.FuturesConfig.DefaultLeverage = 5
	}
	if cfg.FuturesConfig.MaxLeverage <= 0 {
		cfg.FuturesConfig.MaxLeverage = 10
	}

	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.DatabaseConfig.MaxConns <= 0 {
		cfg.DatabaseConfig.MaxConns = 10
	}
	if cfg.DatabaseConfig.MinConns <= 0 {
		cfg.DatabaseConfig.MinConns = 1
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize <= 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "perp-risk-agent/exchange-keys"
	}
	if cfg.VaultConfig.CacheTTLSeconds <= 0 {
		cfg.VaultConfig.CacheTTLSeconds = 300
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.ServerConfig.Port <= 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout <= 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout <= 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout <= 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}

	if cfg.AuthConfig.Issuer == "" {
		cfg.AuthConfig.Issuer = "perp-risk-agent"
	}
	if cfg.AuthConfig.AccessTokenDuration <= 0 {
		cfg.AuthConfig.AccessTokenDuration = 12 * time.Hour
	}

	if cfg.GateConfig.Timezone == "" {
		cfg.GateConfig.Timezone = "UTC"
	}

	gd := gate.DefaultConfig().Quality
	qd := quality.DefaultConfig()
	q := &cfg.QualityConfig
	if q.MinSamples <= 0 {
		q.MinSamples = gd.MinSamples
	}
	if q.BlockBelowScore <= 0 {
		q.BlockBelowScore = gd.BlockBelowScore
	}
	if q.DownweightBelowScore <= 0 {
		q.DownweightBelowScore = gd.DownweightBelowScore
	}
	if q.DownweightMultiplier <= 0 {
		q.DownweightMultiplier = gd.DownweightMultiplier
	}
	if q.DirectionScaleRoePct <= 0 {
		q.DirectionScaleRoePct = qd.DirectionScaleRoePct
	}
	if q.LookbackDays <= 0 {
		q.LookbackDays = qd.LookbackDays
	}

	hd := heartbeat.DefaultConfig()
	h := &cfg.HeartbeatConfig
	if h.TickIntervalMs <= 0 {
		h.TickIntervalMs = int(hd.TickInterval / time.Millisecond)
	}
	if h.BufferSize <= 0 {
		h.BufferSize = hd.BufferSize
	}
	if h.LiquidationProximityPct == 0 {
		h.LiquidationProximityPct = hd.Triggers.LiquidationProximityPct
	}
	if h.PnlShiftPct == 0 {
		h.PnlShiftPct = hd.Triggers.PnlShiftPct
	}
	if h.VolatilitySpikePct == 0 {
		h.VolatilitySpikePct = hd.Triggers.VolatilitySpikePct
	}
	if h.VolatilitySpikeWindowTicks == 0 {
		h.VolatilitySpikeWindowTicks = hd.Triggers.VolatilitySpikeWindowTicks
	}
	if h.TimeCeilingMinutes == 0 {
		h.TimeCeilingMinutes = hd.Triggers.TimeCeilingMinutes
	}
	if h.DefaultCooldownSeconds == 0 {
		h.DefaultCooldownSeconds = hd.Triggers.DefaultCooldownSeconds
	}
	if h.PartialCloseFraction == 0 {
		h.PartialCloseFraction = hd.PartialCloseFraction
	}

	sd := autopilot.DefaultScanConfig()
	s := &cfg.ScanConfig
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = int(sd.Interval / time.Second)
	}
	if s.MinEdge == 0 {
		s.MinEdge = sd.MinEdge
	}
	if s.MaxTradesPerScan <= 0 {
		s.MaxTradesPerScan = sd.MaxTradesPerScan
	}
	if s.BaseNotionalUSD <= 0 {
		s.BaseNotionalUSD = sd.BaseNotionalUSD
	}
	if s.BaseLeverage <= 0 {
		s.BaseLeverage = float64(cfg.FuturesConfig.DefaultLeverage)
	}

	rd := retry.DefaultPolicy()
	r := &cfg.RetryConfig
	if r.Retries == 0 {
		r.Retries = rd.Retries
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = int(rd.BaseDelay / time.Millisecond)
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = int(rd.MaxDelay / time.Millisecond)
	}
	if r.JitterMs < 0 {
		r.JitterMs = 0
	}
	if r.AttemptTimeoutMs <= 0 {
		r.AttemptTimeoutMs = int(rd.AttemptTimeout / time.Millisecond)
	}

	if cfg.MetricsConfig.Path == "" {
		cfg.MetricsConfig.Path = "/metrics"
	}

	if cfg.InstanceConfig.LeaseKey == "" {
		cfg.InstanceConfig.LeaseKey = autopilot.DefaultLeaseKey
	}
	if cfg.InstanceConfig.LeaseTTLSeconds <= 0 {
		cfg.InstanceConfig.LeaseTTLSeconds = int(autopilot.DefaultLeaseTTL / time.Second)
	}
}

// Validate checks cross-field constraints by converting every section to
// its runtime form.
func (c *Config) Validate() error {
	if c.FuturesConfig.MaxLeverage < 1 {
		return fmt.Errorf("futures.max_leverage must be >= 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.ToGateConfig().Validate(); err != nil {
		return err
	}
	hb, err := c.ToHeartbeatConfig()
	if err != nil {
		return err
	}
	if err := hb.Validate(); err != nil {
		return err
	}
	if _, err := c.ToSessionConfig(); err != nil {
		return err
	}
	scan, err := c.ToScanConfig()
	if err != nil {
		return err
	}
	if err := scan.Validate(); err != nil {
		return err
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := newConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, config)
	default:
		err = json.Unmarshal(file, config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// newConfig seeds the defaults that are true, so a file can switch them off.
func newConfig() *Config {
	return &Config{
		BinanceConfig:   BinanceConfig{MockMode: true},
		LoggingConfig:   LoggingConfig{JSONFormat: true},
		ServerConfig:    ServerConfig{Enabled: true},
		GateConfig:      GateConfig{AutonomyEnabled: true},
		QualityConfig:   QualityConfig{Enabled: true},
		HeartbeatConfig: HeartbeatConfig{Enabled: true},
		ScanConfig:      ScanConfig{Enabled: true},
		RetryConfig:     RetryConfig{JitterMs: int(retry.DefaultPolicy().Jitter / time.Millisecond)},
		MetricsConfig:   MetricsConfig{Enabled: true},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Location returns the operator timezone used for the trading day.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.GateConfig.Timezone)
	if err != nil {
		return nil, fmt.Errorf("gate.timezone %q: %w", c.GateConfig.Timezone, err)
	}
	return loc, nil
}

// ToRetryPolicy converts the retry section.
func (c *Config) ToRetryPolicy() retry.Policy {
	r := c.RetryConfig
	return retry.Policy{
		Retries:        r.Retries,
		BaseDelay:      ms(r.BaseDelayMs),
		MaxDelay:       ms(r.MaxDelayMs),
		Jitter:         ms(r.JitterMs),
		AttemptTimeout: ms(r.AttemptTimeoutMs),
	}
}

// ToGateConfig converts the gate and quality sections.
func (c *Config) ToGateConfig() gate.Config {
	q := c.QualityConfig
	return gate.Config{
		AutonomyEnabled: c.GateConfig.AutonomyEnabled,
		DrawdownCapUSD:  c.GateConfig.DrawdownCapUSD,
		MaxTradesPerDay: c.GateConfig.MaxTradesPerDay,
		FailOpen:        c.GateConfig.FailOpen,
		Quality: gate.QualityConfig{
			Enabled:              q.Enabled,
			MinSamples:           q.MinSamples,
			BlockBelowScore:      q.BlockBelowScore,
			DownweightBelowScore: q.DownweightBelowScore,
			DownweightMultiplier: q.DownweightMultiplier,
		},
	}
}

// ToQualityConfig converts the scorer settings.
func (c *Config) ToQualityConfig() quality.Config {
	return quality.Config{
		DirectionScaleRoePct: c.QualityConfig.DirectionScaleRoePct,
		LookbackDays:         c.QualityConfig.LookbackDays,
	}
}

// ToHeartbeatConfig converts the heartbeat section. Unknown trigger or
// action names are rejected.
func (c *Config) ToHeartbeatConfig() (heartbeat.Config, error) {
	h := c.HeartbeatConfig
	out := heartbeat.Config{
		TickInterval: ms(h.TickIntervalMs),
		BufferSize:   h.BufferSize,
		Triggers: heartbeat.TriggerConfig{
			LiquidationProximityPct:    h.LiquidationProximityPct,
			PnlShiftPct:                h.PnlShiftPct,
			VolatilitySpikePct:         h.VolatilitySpikePct,
			VolatilitySpikeWindowTicks: h.VolatilitySpikeWindowTicks,
			TimeCeilingMinutes:         h.TimeCeilingMinutes,
			DefaultCooldownSeconds:     h.DefaultCooldownSeconds,
		},
		Decide:               heartbeat.DecideConfig{TimeCeilingProfitRoePct: h.TimeCeilingProfitRoePct},
		PartialCloseFraction: h.PartialCloseFraction,
		Poll:                 c.ToRetryPolicy(),
		Order:                c.ToRetryPolicy(),
	}
	if len(h.CooldownSeconds) > 0 {
		out.Triggers.CooldownSeconds = make(map[heartbeat.Trigger]int, len(h.CooldownSeconds))
		for name, secs := range h.CooldownSeconds {
			t, err := parseTrigger(name)
			if err != nil {
				return out, fmt.Errorf("heartbeat.cooldown_seconds: %w", err)
			}
			out.Triggers.CooldownSeconds[t] = secs
		}
	}
	if len(h.ActionMap) > 0 {
		out.Decide.ActionMap = make(map[heartbeat.Trigger]heartbeat.Action, len(h.ActionMap))
		for name, action := range h.ActionMap {
			t, err := parseTrigger(name)
			if err != nil {
				return out, fmt.Errorf("heartbeat.action_map: %w", err)
			}
			out.Decide.ActionMap[t] = heartbeat.Action(strings.ToLower(strings.TrimSpace(action)))
		}
	}
	return out, nil
}

func parseTrigger(name string) (heartbeat.Trigger, error) {
	t := heartbeat.Trigger(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range heartbeat.Triggers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", name)
}

// ToSessionConfig converts per-bucket weights.
func (c *Config) ToSessionConfig() (session.Config, error) {
	if len(c.SessionConfig.Weights) == 0 {
		return session.Config{}, nil
	}
	weights := make(map[session.Bucket]float64, len(c.SessionConfig.Weights))
	for name, w := range c.SessionConfig.Weights {
		b := session.Bucket(strings.ToLower(strings.TrimSpace(name)))
		known := false
		for _, k := range session.Buckets {
			if b == k {
				known = true
				break
			}
		}
		if !known {
			return session.Config{}, fmt.Errorf("session.weights: unknown bucket %q", name)
		}
		weights[b] = w
	}
	return session.Config{Weights: weights}, nil
}

// ToScanConfig converts the scan section together with the gate, session
// and retry settings the scan loop needs.
func (c *Config) ToScanConfig() (autopilot.ScanConfig, error) {
	sess, err := c.ToSessionConfig()
	if err != nil {
		return autopilot.ScanConfig{}, err
	}
	s := c.ScanConfig
	return autopilot.ScanConfig{
		Interval:         time.Duration(s.IntervalSeconds) * time.Second,
		MinEdge:          s.MinEdge,
		MaxTradesPerScan: s.MaxTradesPerScan,
		BaseNotionalUSD:  s.BaseNotionalUSD,
		BaseLeverage:     s.BaseLeverage,
		MaxLeverage:      c.FuturesConfig.MaxLeverage,
		Gate:             c.ToGateConfig(),
		Session:          sess,
		Positions:        c.ToRetryPolicy(),
		Order:            c.ToRetryPolicy(),
	}, nil
}

// ToLeaseConfig converts the instance section.
func (c *Config) ToLeaseConfig() autopilot.LeaseConfig {
	return autopilot.LeaseConfig{
		Key:        c.InstanceConfig.LeaseKey,
		InstanceID: c.InstanceConfig.ID,
		TTL:        time.Duration(c.InstanceConfig.LeaseTTLSeconds) * time.Second,
	}
}

// ToClientConfig converts the binance section. Keys are passed in because
// they may come from Vault.
func (c *Config) ToClientConfig(apiKey, secretKey string) binance.ClientConfig {
	b := c.BinanceConfig
	return binance.ClientConfig{
		APIKey:          apiKey,
		SecretKey:       secretKey,
		Testnet:         b.TestNet,
		BaseURL:         b.BaseURL,
		Timeout:         time.Duration(b.TimeoutSeconds) * time.Second,
		RecvWindowMs:    b.RecvWindowMs,
		WeightPerMinute: b.WeightPerMinute,
		BreakerFailures: uint32(b.BreakerFailures),
		BreakerCooldown: time.Duration(b.BreakerCooldownSeconds) * time.Second,
	}
}

// ToDatabaseConfig converts the database section.
func (c *Config) ToDatabaseConfig() database.Config {
	d := c.DatabaseConfig
	return database.Config{
		URL:      d.URL,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		SSLMode:  d.SSLMode,
		MaxConns: int32(d.MaxConns),
		MinConns: int32(d.MinConns),
	}
}

// ToLoggingConfig converts the logging section.
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{
		Level:       c.LoggingConfig.Level,
		Output:      c.LoggingConfig.Output,
		Component:   "perp-risk-agent",
		IncludeFile: c.LoggingConfig.IncludeFile,
		JSONFormat:  c.LoggingConfig.JSONFormat,
	}
}

// ToAuthConfig converts AuthConfig to the format expected by the auth package
func (c *AuthConfig) ToAuthConfig() auth.Config {
	return auth.Config{
		JWTSecret:           c.JWTSecret,
		Issuer:              c.Issuer,
		AccessTokenDuration: c.AccessTokenDuration,
	}
}

// ToVaultConfig converts the vault section.
func (c *Config) ToVaultConfig() vault.Config {
	v := c.VaultConfig
	return vault.Config{
		Enabled:    v.Enabled,
		Address:    v.Address,
		Token:      v.Token,
		MountPath:  v.MountPath,
		SecretPath: v.SecretPath,
		CacheTTL:   time.Duration(v.CacheTTLSeconds) * time.Second,
		TLSEnabled: v.TLSEnabled,
		CACert:     v.CACert,
	}
}

// FallbackKeys returns the exchange keys from config and environment.
func (c *Config) FallbackKeys() vault.ExchangeKeys {
	return vault.ExchangeKeys{
		APIKey:    c.BinanceConfig.APIKey,
		SecretKey: c.BinanceConfig.SecretKey,
		Testnet:   c.BinanceConfig.TestNet,
	}
}

// Origins splits the CORS origin list.
func (c *ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GenerateSampleConfig creates a sample configuration file. The format
// follows the file extension.
func GenerateSampleConfig(filename string) error {
	config := Config{
		BinanceConfig: BinanceConfig{
			BaseURL:  "https://fapi.binance.com",
			TestNet:  true,
			MockMode: true,
			Account:  "default",
		},
		FuturesConfig: FuturesConfig{DefaultLeverage: 5, MaxLeverage: 10},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "perp",
			Database: "perp_risk_agent",
			SSLMode:  "disable",
		},
		RedisConfig:   RedisConfig{Address: "localhost:6379"},
		LoggingConfig: LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		ServerConfig:  ServerConfig{Enabled: true, Port: 8080, Host: "0.0.0.0", AllowedOrigins: "*"},
		GateConfig: GateConfig{
			AutonomyEnabled: true,
			DrawdownCapUSD:  250,
			MaxTradesPerDay: 20,
			Timezone:        "UTC",
		},
		QualityConfig: QualityConfig{
			Enabled:              true,
			MinSamples:           10,
			BlockBelowScore:      0.35,
			DownweightBelowScore: 0.45,
			DownweightMultiplier: 0.5,
		},
		HeartbeatConfig: HeartbeatConfig{
			Enabled:                 true,
			TickIntervalMs:          5000,
			BufferSize:              120,
			LiquidationProximityPct: 5,
			PnlShiftPct:             1.5,
			VolatilitySpikePct:      1,
			TimeCeilingMinutes:      240,
			DefaultCooldownSeconds:  60,
			PartialCloseFraction:    0.5,
		},
		ScanConfig: ScanConfig{
			Enabled:          true,
			IntervalSeconds:  60,
			MinEdge:          0.002,
			MaxTradesPerScan: 2,
			BaseNotionalUSD:  100,
			BaseLeverage:     5,
			CandidatesFile:   "candidates.json",
		},
		RetryConfig:    RetryConfig{Retries: 3, BaseDelayMs: 250, MaxDelayMs: 5000, JitterMs: 100, AttemptTimeoutMs: 10000},
		MetricsConfig:  MetricsConfig{Enabled: true, Path: "/metrics"},
		InstanceConfig: InstanceConfig{LeaseKey: autopilot.DefaultLeaseKey, LeaseTTLSeconds: 30},
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
