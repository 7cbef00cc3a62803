package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

const defaultMarketplaceProgramID = "MEisE1HzehtrDpAAT8PnLHjpSSkRYakotTuJRPjTpo8"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration. Empty disables persistence.
	DatabaseURL string

	// NATS configuration. Empty disables event publishing.
	NATSURL string

	// Solana configuration
	SolanaRPCURL         string
	SolanaRPCRPS         int
	FetchConcurrency     int
	MarketplaceProgramID string

	// Reference price configuration
	PriceURL      string
	PriceAPIKey   string
	PriceSymbol   string
	PriceQuery    string
	PriceCacheTTL time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Watch refresh configuration
	DefaultRefreshInterval time.Duration
	MinRefreshInterval     time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	rps, err := parseInt("SOLANA_RPC_RPS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCRPS = rps
	}

	concurrency, err := parseInt("FETCH_CONCURRENCY", 8)
	if err != nil {
		errs = append(errs, err)
	} else if concurrency < 1 {
		errs = append(errs, fmt.Errorf("FETCH_CONCURRENCY must be at least 1, got %d", concurrency))
	} else {
		cfg.FetchConcurrency = concurrency
	}

	cfg.MarketplaceProgramID = getEnvOrDefault("MARKETPLACE_PROGRAM_ID", defaultMarketplaceProgramID)
	if _, err := solana.PublicKeyFromBase58(cfg.MarketplaceProgramID); err != nil {
		errs = append(errs, fmt.Errorf("MARKETPLACE_PROGRAM_ID: invalid address %q: %w", cfg.MarketplaceProgramID, err))
	}

	cfg.PriceURL = getEnvOrDefault("PRICE_QUOTE_URL", "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest")
	cfg.PriceAPIKey = os.Getenv("PRICE_API_KEY")
	cfg.PriceSymbol = getEnvOrDefault("PRICE_SYMBOL", "SOL")
	cfg.PriceQuery = getEnvOrDefault("PRICE_JQ", ".data[$symbol].quote.USD.price")

	ttl, err := parseDuration("PRICE_CACHE_TTL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PriceCacheTTL = ttl
	}

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "mintscope-refresh")

	defaultInterval, err := parseDuration("DEFAULT_REFRESH_INTERVAL", "15m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultRefreshInterval = defaultInterval
	}

	minInterval, err := parseDuration("MIN_REFRESH_INTERVAL", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinRefreshInterval = minInterval
	}

	if cfg.MinRefreshInterval > cfg.DefaultRefreshInterval {
		errs = append(errs, fmt.Errorf("MIN_REFRESH_INTERVAL (%v) cannot be greater than DEFAULT_REFRESH_INTERVAL (%v)",
			cfg.MinRefreshInterval, cfg.DefaultRefreshInterval))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks a Config built without Load (tests, embedding).
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("FetchConcurrency must be at least 1"))
	}
	if _, err := solana.PublicKeyFromBase58(c.MarketplaceProgramID); err != nil {
		errs = append(errs, fmt.Errorf("MarketplaceProgramID is not a valid address"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.MinRefreshInterval > c.DefaultRefreshInterval {
		errs = append(errs, fmt.Errorf("MinRefreshInterval cannot be greater than DefaultRefreshInterval"))
	}
	if c.DefaultRefreshInterval < time.Minute {
		errs = append(errs, fmt.Errorf("DefaultRefreshInterval must be at least 1 minute"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
