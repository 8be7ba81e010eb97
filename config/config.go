package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeguard/internal/adapters/logger"
)

// Feed source selectors.
const (
	FeedSourceBinance   = "binance"
	FeedSourceWebsocket = "websocket"
)

// MemoryDBPath selects the in-memory position store instead of sqlite.
const MemoryDBPath = ":memory:"

// Config holds all application configuration.
type Config struct {
	// Venue API. Keys are optional: the safety core only reads public
	// market data and never places orders.
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Market data feed
	FeedSource      string // "binance" or "websocket"
	FeedURL         string // websocket source only
	Symbols         []string
	FeedQueueSize   int
	FeedStaleAfter  time.Duration
	FeedBackoffMin  time.Duration
	FeedBackoffMax  time.Duration
	FeedStableAfter time.Duration

	// Risk limits
	MaxDailyLoss float64 // daily loss cap in quote currency
	MaxPerTrade  float64 // per-trade notional cap
	MaxPositions int     // concurrently open positions
	CoolDown     time.Duration

	// Circuit breaker and venue probe
	BreakerThreshold    int
	BreakerResetTimeout time.Duration
	ProbeInterval       time.Duration

	// Storage
	DBPath    string // ":memory:" selects the in-memory store
	AuditPath string

	// Admin HTTP
	HTTPAddr string

	// Logging
	LogLevel logger.LogLevel
}

// Load reads configuration from environment variables (.env file).
func Load() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Venue API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Market data feed
	cfg.FeedSource = strings.ToLower(getEnv("FEED_SOURCE", FeedSourceBinance))
	if cfg.FeedSource != FeedSourceBinance && cfg.FeedSource != FeedSourceWebsocket {
		errs = append(errs, fmt.Sprintf("FEED_SOURCE must be %q or %q", FeedSourceBinance, FeedSourceWebsocket))
	}
	cfg.FeedURL = getEnv("FEED_URL", "")
	if cfg.FeedSource == FeedSourceWebsocket && cfg.FeedURL == "" {
		errs = append(errs, "FEED_URL must be set when FEED_SOURCE is websocket")
	}

	cfg.Symbols = splitSymbols(getEnv("SYMBOLS", "ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must name at least one symbol")
	}

	cfg.FeedQueueSize, err = getEnvAsIntRequired("FEED_QUEUE_SIZE", 1024)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEED_QUEUE_SIZE: %v", err))
	} else if cfg.FeedQueueSize <= 0 {
		errs = append(errs, "FEED_QUEUE_SIZE must be positive")
	}

	staleSeconds := getEnvAsInt("FEED_STALE_SECONDS", 30)
	if staleSeconds <= 0 {
		errs = append(errs, "FEED_STALE_SECONDS must be positive")
	}
	cfg.FeedStaleAfter = time.Duration(staleSeconds) * time.Second

	backoffMinSeconds := getEnvAsInt("FEED_BACKOFF_MIN_SECONDS", 1)
	backoffMaxSeconds := getEnvAsInt("FEED_BACKOFF_MAX_SECONDS", 60)
	if backoffMinSeconds <= 0 {
		errs = append(errs, "FEED_BACKOFF_MIN_SECONDS must be positive")
	}
	if backoffMaxSeconds < backoffMinSeconds {
		errs = append(errs, "FEED_BACKOFF_MAX_SECONDS must be >= FEED_BACKOFF_MIN_SECONDS")
	}
	cfg.FeedBackoffMin = time.Duration(backoffMinSeconds) * time.Second
	cfg.FeedBackoffMax = time.Duration(backoffMaxSeconds) * time.Second

	stableSeconds := getEnvAsInt("FEED_STABLE_SECONDS", 60)
	if stableSeconds <= 0 {
		errs = append(errs, "FEED_STABLE_SECONDS must be positive")
	}
	cfg.FeedStableAfter = time.Duration(stableSeconds) * time.Second

	// Risk limits
	cfg.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss <= 0 {
		errs = append(errs, "MAX_DAILY_LOSS must be positive")
	}

	cfg.MaxPerTrade, err = getEnvAsFloatRequired("MAX_PER_TRADE", 1000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_PER_TRADE: %v", err))
	} else if cfg.MaxPerTrade <= 0 {
		errs = append(errs, "MAX_PER_TRADE must be positive")
	}

	cfg.MaxPositions, err = getEnvAsIntRequired("MAX_POSITIONS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITIONS: %v", err))
	} else if cfg.MaxPositions < 1 {
		errs = append(errs, "MAX_POSITIONS must be at least 1")
	}

	coolDownSeconds := getEnvAsInt("COOL_DOWN_SECONDS", 300)
	if coolDownSeconds < 0 {
		errs = append(errs, "COOL_DOWN_SECONDS cannot be negative")
	}
	cfg.CoolDown = time.Duration(coolDownSeconds) * time.Second

	// Circuit breaker and venue probe
	cfg.BreakerThreshold, err = getEnvAsIntRequired("BREAKER_THRESHOLD", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAKER_THRESHOLD: %v", err))
	} else if cfg.BreakerThreshold < 1 {
		errs = append(errs, "BREAKER_THRESHOLD must be at least 1")
	}

	breakerResetSeconds := getEnvAsInt("BREAKER_RESET_SECONDS", 60)
	if breakerResetSeconds <= 0 {
		errs = append(errs, "BREAKER_RESET_SECONDS must be positive")
	}
	cfg.BreakerResetTimeout = time.Duration(breakerResetSeconds) * time.Second

	probeIntervalSeconds := getEnvAsInt("PROBE_INTERVAL_SECONDS", 30)
	if probeIntervalSeconds <= 0 {
		errs = append(errs, "PROBE_INTERVAL_SECONDS must be positive")
	}
	cfg.ProbeInterval = time.Duration(probeIntervalSeconds) * time.Second

	// Storage
	cfg.DBPath = getEnv("DB_PATH", "./data/tradeguard.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set (use \":memory:\" for the in-memory store)")
	}
	cfg.AuditPath = getEnv("AUDIT_PATH", "./data/audit.log")
	if cfg.AuditPath == "" {
		errs = append(errs, "AUDIT_PATH must be set")
	}

	// Admin HTTP
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// splitSymbols parses a comma-separated symbol list, dropping empties.
func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			symbols = append(symbols, p)
		}
	}
	return symbols
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
