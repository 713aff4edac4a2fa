// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string

	// Chain settings
	RPCURL          string
	ChainID         int64
	NetworkName     string
	NativeSymbol    string
	NativeDecimals  int
	ExplorerURL     string
	EscrowContract  string
	PrivateKey      string // Hex-encoded, with or without 0x prefix
	ConfirmTimeout  time.Duration
	ConfirmPoll     time.Duration
	ReconcilePoll   time.Duration
	DefaultGasLimit uint64

	// Validation settings
	LargeAmountWarn string // decimal amount that triggers a size warning

	// Observability
	OTLPEndpoint string
}

// Avalanche Fuji defaults; the marketplace contract is deployed there.
const (
	DefaultRPCURL         = "https://api.avax-test.network/ext/bc/C/rpc"
	DefaultChainID        = 43113
	DefaultNetworkName    = "Avalanche Fuji C-Chain"
	DefaultNativeSymbol   = "AVAX"
	DefaultNativeDecimals = 18
	DefaultExplorerURL    = "https://testnet.snowtrace.io"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultConfirmTimeout = 90 * time.Second
	DefaultConfirmPoll    = 2 * time.Second
	DefaultReconcilePoll  = 15 * time.Second
	DefaultGasLimit       = uint64(300000)
)

var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:          getEnv("LOG_FORMAT", "text"),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		NetworkName:     getEnv("NETWORK_NAME", DefaultNetworkName),
		NativeSymbol:    getEnv("NATIVE_SYMBOL", DefaultNativeSymbol),
		NativeDecimals:  int(getEnvInt64("NATIVE_DECIMALS", DefaultNativeDecimals)),
		ExplorerURL:     getEnv("EXPLORER_URL", DefaultExplorerURL),
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"), // Required, no default
		PrivateKey:      os.Getenv("PRIVATE_KEY"),     // Required, no default
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		ConfirmPoll:     getEnvDuration("CONFIRM_POLL_INTERVAL", DefaultConfirmPoll),
		ReconcilePoll:   getEnvDuration("RECONCILE_POLL_INTERVAL", DefaultReconcilePoll),
		DefaultGasLimit: uint64(getEnvInt64("DEFAULT_GAS_LIMIT", int64(DefaultGasLimit))),
		LargeAmountWarn: getEnv("LARGE_AMOUNT_WARN", "1000"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
//
// An unset escrow contract is a hard error: the daemon refuses to start
// rather than fall back to mocked chain calls.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required: refusing to start without a deployed contract address")
	}
	if !addressRegex.MatchString(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a valid address (0x + 40 hex chars)")
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.NativeDecimals <= 0 || c.NativeDecimals > 36 {
		return fmt.Errorf("NATIVE_DECIMALS out of range")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
