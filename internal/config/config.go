// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/amount"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared KV (optional, uses in-memory if not set)

	// Ledger
	LedgerMode string // "simulated" or "evm"
	RPCURL     string
	ChainID    int64
	Tokens     string // "SYM:decimals[:contract],..."

	// Custody
	CustodyMasterKey string // 64 hex chars

	// Fees, in the settled token's smallest unit
	PlatformFeeBPS int64
	FeeMinGross    amount.Units
	NetworkFee     amount.Units
	RentReserve    amount.Units
	TreasuryWallet string

	// Admin
	AdminWallets []string

	// Escrow policy
	MinTimeoutHours     int
	MaxTimeoutHours     int
	DefaultTimeoutHours int
	TimeoutFundedPolicy string // "refund_buyer" or "release_seller"
	TimeoutGrace        time.Duration

	// Background jobs
	LedgerConfirmTimeout time.Duration
	ReleaseStaleAfter    time.Duration
	DepositScanInterval  time.Duration
	TimeoutScanInterval  time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Security
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultLedgerMode           = "simulated"
	DefaultRPCURL               = "https://sepolia.base.org"
	DefaultChainID              = 84532 // Base Sepolia
	DefaultTokens               = "USDC:6:0x036CbD53842c5426634e7929541eC2318f3dCF7e,ETH:18"
	DefaultPlatformFeeBPS       = 100
	DefaultMinTimeoutHours      = 1
	DefaultMaxTimeoutHours      = 720
	DefaultTimeoutHours         = 72
	DefaultTimeoutFundedPolicy  = "refund_buyer"
	DefaultTimeoutGrace         = 24 * time.Hour
	DefaultLedgerConfirmTimeout = 60 * time.Second
	DefaultReleaseStaleAfter    = 5 * time.Minute
	DefaultDepositScanInterval  = 15 * time.Second
	DefaultTimeoutScanInterval  = time.Minute
	DefaultRateLimitRPM         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LedgerMode:           getEnv("LEDGER_MODE", DefaultLedgerMode),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		Tokens:               getEnv("TOKENS", DefaultTokens),
		CustodyMasterKey:     os.Getenv("CUSTODY_MASTER_KEY"),
		PlatformFeeBPS:       getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		TreasuryWallet:       os.Getenv("TREASURY_WALLET"),
		AdminWallets:         getEnvList("ADMIN_WALLETS"),
		MinTimeoutHours:      int(getEnvInt64("MIN_TIMEOUT_HOURS", DefaultMinTimeoutHours)),
		MaxTimeoutHours:      int(getEnvInt64("MAX_TIMEOUT_HOURS", DefaultMaxTimeoutHours)),
		DefaultTimeoutHours:  int(getEnvInt64("DEFAULT_TIMEOUT_HOURS", DefaultTimeoutHours)),
		TimeoutFundedPolicy:  getEnv("TIMEOUT_FUNDED_POLICY", DefaultTimeoutFundedPolicy),
		TimeoutGrace:         getEnvDuration("TIMEOUT_GRACE", DefaultTimeoutGrace),
		LedgerConfirmTimeout: getEnvDuration("LEDGER_CONFIRM_TIMEOUT", DefaultLedgerConfirmTimeout),
		ReleaseStaleAfter:    getEnvDuration("RELEASE_STALE_AFTER", DefaultReleaseStaleAfter),
		DepositScanInterval:  getEnvDuration("DEPOSIT_SCAN_INTERVAL", DefaultDepositScanInterval),
		TimeoutScanInterval:  getEnvDuration("TIMEOUT_SCAN_INTERVAL", DefaultTimeoutScanInterval),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:          getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.FeeMinGross, err = getEnvUnits("FEE_MIN_GROSS"); err != nil {
		return nil, err
	}
	if cfg.NetworkFee, err = getEnvUnits("NETWORK_FEE"); err != nil {
		return nil, err
	}
	if cfg.RentReserve, err = getEnvUnits("RENT_RESERVE"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if c.CustodyMasterKey != "" {
		key := strings.TrimPrefix(c.CustodyMasterKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_MASTER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	} else if c.IsProduction() || c.DatabaseURL != "" {
		// Sealed custody keys outlive the process once they are persisted.
		return fmt.Errorf("CUSTODY_MASTER_KEY is required with a database or in production")
	}

	switch c.LedgerMode {
	case "simulated":
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_MODE=simulated is not allowed in production")
		}
	case "evm":
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
		if c.ChainID == 0 {
			return fmt.Errorf("CHAIN_ID is required")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be simulated or evm, got %q", c.LedgerMode)
	}

	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.PlatformFeeBPS > 0 && c.TreasuryWallet == "" {
		return fmt.Errorf("TREASURY_WALLET is required when PLATFORM_FEE_BPS > 0")
	}

	if c.MinTimeoutHours < 1 || c.MaxTimeoutHours < c.MinTimeoutHours {
		return fmt.Errorf("timeout bounds invalid: min %d, max %d", c.MinTimeoutHours, c.MaxTimeoutHours)
	}
	if c.DefaultTimeoutHours < c.MinTimeoutHours || c.DefaultTimeoutHours > c.MaxTimeoutHours {
		return fmt.Errorf("DEFAULT_TIMEOUT_HOURS must be within [%d, %d]", c.MinTimeoutHours, c.MaxTimeoutHours)
	}

	switch c.TimeoutFundedPolicy {
	case "refund_buyer", "release_seller":
	default:
		return fmt.Errorf("TIMEOUT_FUNDED_POLICY must be refund_buyer or release_seller, got %q", c.TimeoutFundedPolicy)
	}

	if c.LedgerConfirmTimeout <= 0 {
		return fmt.Errorf("LEDGER_CONFIRM_TIMEOUT must be positive")
	}
	if c.DepositScanInterval <= 0 || c.TimeoutScanInterval <= 0 {
		return fmt.Errorf("scan intervals must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvUnits(key string) (amount.Units, error) {
	u, err := amount.ParseUnits(os.Getenv(key))
	if err != nil {
		return amount.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if u.Sign() < 0 {
		return amount.Zero, fmt.Errorf("%s must not be negative", key)
	}
	return u, nil
}
