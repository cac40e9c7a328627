// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	Deposit   *DepositConfig
	Swap      *SwapConfig
	Mpesa     *MpesaConfig
	Rebalance *RebalanceConfig
	Backup    *BackupConfig
}

// DepositConfig holds deposit session policy.
type DepositConfig struct {
	OffchainTTL            time.Duration // session TTL for mobile-money deposits
	OnchainTTL             time.Duration // session TTL for on-chain transfers
	AmountTolerancePercent float64       // allowed deviation of observed vs expected amount
	ConfirmationDepth      int64         // minimum block confirmations before an on-chain deposit confirms
	FiatCurrency           string        // currency the mobile-money rail collects in
	OffchainFeeMinor       int64         // flat rail fee in fiat minor units, deducted before conversion
}

// SwapConfig holds chain and venue configuration. The active swap venue
// is selected once at wiring time: chains without gasless support use
// the direct-execution router, everything else uses the order book.
type SwapConfig struct {
	ChainID          int64
	ChainRPCURL      string
	GaslessSupported bool
	RouterAPIURL     string
	OrderbookBaseURL string
	OrderbookWSURL   string
	SignerServiceURL string
	SignerReference  string
	SignerAddress    string // custody wallet address; also the on-chain deposit address
	MaxSlippageBps   int64
	QuoteTTL         time.Duration
}

// MpesaConfig holds M-Pesa STK push credentials.
type MpesaConfig struct {
	BaseURL        string
	ShortCode      string
	Passkey        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
}

// RebalanceConfig holds rebalancing policy.
type RebalanceConfig struct {
	DriftThresholdPercent float64
	MinTradeUSD           float64
	Schedule              string // cron expression for the scheduled run
}

// BackupConfig holds S3-compatible backup storage settings.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("KIOTA_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("KIOTA_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Deposit: &DepositConfig{
			OffchainTTL:            time.Duration(getEnvAsInt("DEPOSIT_OFFCHAIN_TTL_MINUTES", 15)) * time.Minute,
			OnchainTTL:             time.Duration(getEnvAsInt("DEPOSIT_ONCHAIN_TTL_MINUTES", 60)) * time.Minute,
			AmountTolerancePercent: getEnvAsFloat("DEPOSIT_AMOUNT_TOLERANCE_PERCENT", 1.0),
			ConfirmationDepth:      int64(getEnvAsInt("DEPOSIT_CONFIRMATION_DEPTH", 3)),
			FiatCurrency:           getEnv("DEPOSIT_FIAT_CURRENCY", "KES"),
			OffchainFeeMinor:       int64(getEnvAsInt("DEPOSIT_OFFCHAIN_FEE_MINOR", 2000)),
		},
		Swap: &SwapConfig{
			ChainID:          int64(getEnvAsInt("CHAIN_ID", 42220)),
			ChainRPCURL:      getEnv("CHAIN_RPC_URL", "http://localhost:8545"),
			GaslessSupported: getEnvAsBool("CHAIN_GASLESS_SUPPORTED", false),
			RouterAPIURL:     getEnv("SWAP_ROUTER_API_URL", ""),
			OrderbookBaseURL: getEnv("ORDERBOOK_BASE_URL", ""),
			OrderbookWSURL:   getEnv("ORDERBOOK_WS_URL", ""),
			SignerServiceURL: getEnv("SIGNER_SERVICE_URL", ""),
			SignerReference:  getEnv("SIGNER_REFERENCE", ""),
			SignerAddress:    getEnv("SIGNER_ADDRESS", ""),
			MaxSlippageBps:   int64(getEnvAsInt("SWAP_MAX_SLIPPAGE_BPS", 100)),
			QuoteTTL:         time.Duration(getEnvAsInt("SWAP_QUOTE_TTL_SECONDS", 30)) * time.Second,
		},
		Mpesa: &MpesaConfig{
			BaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ShortCode:      getEnv("MPESA_SHORTCODE", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
		},
		Rebalance: &RebalanceConfig{
			DriftThresholdPercent: getEnvAsFloat("REBALANCE_DRIFT_THRESHOLD_PERCENT", 5.0),
			MinTradeUSD:           getEnvAsFloat("REBALANCE_MIN_TRADE_USD", 1.0),
			Schedule:              getEnv("REBALANCE_SCHEDULE", "0 0 3 * * *"),
		},
		Backup: &BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Deposit.AmountTolerancePercent < 0 {
		return fmt.Errorf("deposit amount tolerance cannot be negative: %f", c.Deposit.AmountTolerancePercent)
	}
	if c.Deposit.OffchainTTL <= 0 || c.Deposit.OnchainTTL <= 0 {
		return fmt.Errorf("deposit TTLs must be positive")
	}
	if c.Swap.MaxSlippageBps <= 0 {
		return fmt.Errorf("max slippage must be positive: %d bps", c.Swap.MaxSlippageBps)
	}
	if c.Rebalance.DriftThresholdPercent <= 0 {
		return fmt.Errorf("rebalance drift threshold must be positive: %f", c.Rebalance.DriftThresholdPercent)
	}
	if c.Backup.Enabled {
		if c.Backup.Endpoint == "" || c.Backup.Bucket == "" {
			return fmt.Errorf("backup enabled but S3 endpoint or bucket missing")
		}
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("backup enabled but S3 credentials missing")
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
