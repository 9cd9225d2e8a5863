package vault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// ErrKeysNotFound is returned when no keys exist for an account.
var ErrKeysNotFound = errors.New("exchange keys not found")

// Config configures the Vault client.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string // KV v2 mount
	SecretPath string // prefix for exchange keys
	CacheTTL   time.Duration
	TLSEnabled bool
	CACert     string
}

// ExchangeKeys are the venue credentials stored per account
type ExchangeKeys struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"is_testnet"`
}

// Empty reports whether no credentials are set.
func (k ExchangeKeys) Empty() bool {
	return k.APIKey == "" && k.SecretKey == ""
}

type cachedKeys struct {
	keys      ExchangeKeys
	fetchedAt time.Time
}

// Client wraps the HashiCorp Vault client. With Vault disabled it serves
// the fallback keys from config.
type Client struct {
	client   *api.Client
	config   Config
	fallback ExchangeKeys
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedKeys // account -> keys
}

// NewClient creates a new Vault client
func NewClient(cfg Config, fallback ExchangeKeys, logger zerolog.Logger) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	c := &Client{
		config:   cfg,
		fallback: fallback,
		logger:   logger.With().Str("component", "Vault").Logger(),
		now:      time.Now,
		cache:    make(map[string]cachedKeys),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether keys are read from Vault.
func (c *Client) Enabled() bool { return c.config.Enabled }

func (c *Client) secretPath(account string) string {
	return path.Join(strings.Trim(c.config.SecretPath, "/"), account)
}

// GetExchangeKeys returns the keys for account, from the cache when fresh.
// With Vault disabled the fallback keys are returned.
func (c *Client) GetExchangeKeys(ctx context.Context, account string) (ExchangeKeys, error) {
	if !c.config.Enabled {
		if c.fallback.Empty() {
			return ExchangeKeys{}, ErrKeysNotFound
		}
		return c.fallback, nil
	}

	c.mu.RLock()
	cached, ok := c.cache[account]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.config.CacheTTL {
		return cached.keys, nil
	}

	secret, err := c.client.KVv2(c.config.MountPath).Get(ctx, c.secretPath(account))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return ExchangeKeys{}, fmt.Errorf("%w: account %s", ErrKeysNotFound, account)
		}
		// A stale entry beats no keys while Vault is unreachable.
		if ok {
			c.logger.Warn().Err(err).Str("account", account).Msg("Vault read failed, using cached exchange keys")
			return cached.keys, nil
		}
		return ExchangeKeys{}, fmt.Errorf("failed to read exchange keys from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return ExchangeKeys{}, fmt.Errorf("%w: account %s", ErrKeysNotFound, account)
	}

	keys := ExchangeKeys{
		APIKey:    getString(secret.Data, "api_key"),
		SecretKey: getString(secret.Data, "secret_key"),
		Testnet:   getBool(secret.Data, "is_testnet"),
	}
	if keys.Empty() {
		return ExchangeKeys{}, fmt.Errorf("%w: account %s has empty keys", ErrKeysNotFound, account)
	}

	c.mu.Lock()
	c.cache[account] = cachedKeys{keys: keys, fetchedAt: c.now()}
	c.mu.Unlock()

	return keys, nil
}

// StoreExchangeKeys writes keys for account and refreshes the cache.
func (c *Client) StoreExchangeKeys(ctx context.Context, account string, keys ExchangeKeys) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	_, err := c.client.KVv2(c.config.MountPath).Put(ctx, c.secretPath(account), map[string]interface{}{
		"api_key":    keys.APIKey,
		"secret_key": keys.SecretKey,
		"is_testnet": keys.Testnet,
	})
	if err != nil {
		return fmt.Errorf("failed to store exchange keys in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[account] = cachedKeys{keys: keys, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Info().Str("account", account).Msg("Exchange keys stored")
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]cachedKeys)
	c.mu.Unlock()
}

// HealthCheck checks if Vault is accessible
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
