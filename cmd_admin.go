package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"perp-risk-agent/config"
	"perp-risk-agent/internal/auth"
	"perp-risk-agent/internal/vault"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		st, err := openStores(ctx, cfg, logger, false)
		if err != nil {
			return err
		}
		st.Close()
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator API token",
	Long: `Token signs a JWT for the operator API with the configured secret.

Examples:
  perp-risk-agent token --subject alice --role operator
  perp-risk-agent token --subject grafana --role viewer --ttl 720h`,
	RunE: runToken,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage exchange keys in Vault",
}

var keysSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store exchange keys for the configured account",
	Long: `Set reads BINANCE_API_KEY and BINANCE_SECRET_KEY from the environment
(or .env) and writes them to Vault under the configured account.`,
	RunE: runKeysSet,
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config [file]",
	Short: "Write a sample config file (.json or .yaml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.sample.json"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
	keysAccount  string
	keysTestnet  bool
)

func init() {
	rootCmd.AddCommand(migrateCmd, tokenCmd, keysCmd, sampleConfigCmd)
	keysCmd.AddCommand(keysSetCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator name recorded on policy changes")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleViewer, "Role: viewer or operator")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default from auth.access_token_minutes)")
	_ = tokenCmd.MarkFlagRequired("subject")

	keysSetCmd.Flags().StringVar(&keysAccount, "account", "", "Account name (default from binance.account)")
	keysSetCmd.Flags().BoolVar(&keysTestnet, "testnet", false, "Mark the keys as testnet keys")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := auth.NewJWTManager(cfg.AuthConfig.ToAuthConfig())
	if err != nil {
		return err
	}
	tok, err := m.GenerateAccessToken(tokenSubject, tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), tok)
}

func runKeysSet(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	account := keysAccount
	if account == "" {
		account = cfg.BinanceConfig.Account
	}
	keys := vault.ExchangeKeys{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		Testnet:   keysTestnet,
	}
	if keys.APIKey == "" || keys.SecretKey == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY must both be set")
	}

	vc, err := vault.NewClient(cfg.ToVaultConfig(), vault.ExchangeKeys{}, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := vc.StoreExchangeKeys(ctx, account, keys); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored exchange keys for account %s\n", account)
	return nil
}
