// Package config loads relayer settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the relayer process.
type Config struct {
	Port            string
	BodyLimitBytes  int
	AllowedOrigins  string
	RateLimitMax    int
	RateLimitWindow time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel  int
	LogFormat string

	ChainRPCURL         string
	ChainID             int64
	GameContractAddress string
	BundlerRPCURL       string
	EntryPointAddress   string
	RPCRatePerSecond    float64

	StatusMinInterval   time.Duration
	EnableMinInterval   time.Duration
	RelayDedupWindow    time.Duration
	TxConfirmTimeout    time.Duration
	EnableMessageMaxAge time.Duration

	DerivationIndex    uint64
	EventScanFromBlock uint64
	EventScanRange     uint64

	RelayerKeySource   string
	RelayerPrivateKey  string
	RelayerKeySSMParam string
	AWSRegion          string

	OperatorJWTSecret      string
	SessionOnChainRegister bool

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            os.Getenv("PORT"),
		BodyLimitBytes:  envInt("BODY_LIMIT_BYTES", 0),
		AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
		RateLimitMax:    envInt("RATE_LIMIT_MAX", 60),
		RateLimitWindow: envSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),

		DatabaseDriver: os.Getenv("DATABASE_DRIVER"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),

		LogLevel:  envInt("LOG_LEVEL", 1),
		LogFormat: os.Getenv("LOG_FORMAT"),

		ChainRPCURL:         os.Getenv("CHAIN_RPC_URL"),
		ChainID:             int64(envInt("CHAIN_ID", 0)),
		GameContractAddress: os.Getenv("GAME_CONTRACT_ADDRESS"),
		BundlerRPCURL:       os.Getenv("BUNDLER_RPC_URL"),
		EntryPointAddress:   os.Getenv("ENTRY_POINT_ADDRESS"),
		RPCRatePerSecond:    envFloat("RPC_RATE_PER_SECOND", 5),

		StatusMinInterval:   envSeconds("STATUS_MIN_INTERVAL_SECONDS", 30),
		EnableMinInterval:   envSeconds("ENABLE_MIN_INTERVAL_SECONDS", 30),
		RelayDedupWindow:    envSeconds("RELAY_DEDUP_WINDOW_SECONDS", 600),
		TxConfirmTimeout:    envSeconds("TX_CONFIRM_TIMEOUT_SECONDS", 60),
		EnableMessageMaxAge: envSeconds("ENABLE_MESSAGE_MAX_AGE_SECONDS", 600),

		DerivationIndex:    uint64(envInt("SMART_ACCOUNT_DERIVATION_INDEX", 1)),
		EventScanFromBlock: uint64(envInt("EVENT_SCAN_FROM_BLOCK", 0)),
		EventScanRange:     uint64(envInt("EVENT_SCAN_BLOCK_RANGE", 50000)),

		RelayerKeySource:   os.Getenv("RELAYER_KEY_SOURCE"),
		RelayerPrivateKey:  os.Getenv("RELAYER_PRIVATE_KEY"),
		RelayerKeySSMParam: os.Getenv("RELAYER_KEY_SSM_PARAM"),
		AWSRegion:          os.Getenv("AWS_REGION"),

		OperatorJWTSecret:      os.Getenv("OPERATOR_JWT_SECRET"),
		SessionOnChainRegister: envBool("SESSION_ONCHAIN_REGISTER", false),

		RetryMaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: time.Duration(envInt("RETRY_INITIAL_DELAY_MS", 500)) * time.Millisecond,
		RetryMaxDelay:     time.Duration(envInt("RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,
	}
	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = envInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate fills defaults and rejects values the relayer cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.AllowedOrigins == "" {
		c.AllowedOrigins = "*"
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite"
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database driver must be 'sqlite' or 'postgres'")
	}
	if c.DatabaseDSN == "" {
		if c.DatabaseDriver == "postgres" {
			return fmt.Errorf("DATABASE_DSN is required for postgres")
		}
		c.DatabaseDSN = "relayer.db"
	}

	if c.LogLevel < -1 || c.LogLevel > 5 {
		return fmt.Errorf("log level must be between -1 and 5")
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if c.RelayerKeySource == "" {
		c.RelayerKeySource = "env"
	}
	switch c.RelayerKeySource {
	case "env":
	case "ssm":
		if c.RelayerKeySSMParam == "" {
			return fmt.Errorf("RELAYER_KEY_SSM_PARAM is required when RELAYER_KEY_SOURCE=ssm")
		}
	default:
		return fmt.Errorf("relayer key source must be 'env' or 'ssm'")
	}

	if c.DerivationIndex == 0 {
		// index 0 collides with the owner address under the mask derivation
		return fmt.Errorf("SMART_ACCOUNT_DERIVATION_INDEX must not be 0")
	}
	if c.EventScanRange == 0 {
		c.EventScanRange = 50000
	}
	if c.RPCRatePerSecond <= 0 {
		c.RPCRatePerSecond = 5
	}
	if c.StatusMinInterval <= 0 {
		c.StatusMinInterval = 30 * time.Second
	}
	if c.EnableMinInterval <= 0 {
		c.EnableMinInterval = 30 * time.Second
	}
	if c.RelayDedupWindow <= 0 {
		c.RelayDedupWindow = 10 * time.Minute
	}
	if c.TxConfirmTimeout <= 0 {
		c.TxConfirmTimeout = time.Minute
	}
	if c.EnableMessageMaxAge <= 0 {
		c.EnableMessageMaxAge = 10 * time.Minute
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	return nil
}

// RequireChain checks the settings needed to talk to the game contract.
func (c *Config) RequireChain() error {
	var missing []string
	if c.ChainRPCURL == "" {
		missing = append(missing, "CHAIN_RPC_URL")
	}
	if c.ChainID == 0 {
		missing = append(missing, "CHAIN_ID")
	}
	if c.GameContractAddress == "" {
		missing = append(missing, "GAME_CONTRACT_ADDRESS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
