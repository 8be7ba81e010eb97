package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/adapters/logger"
)

// clearEnv blanks every variable Load reads so a test sees only what it
// sets itself.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BINANCE_API_KEY", "BINANCE_API_SECRET", "IS_TESTNET",
		"FEED_SOURCE", "FEED_URL", "SYMBOLS", "FEED_QUEUE_SIZE",
		"FEED_STALE_SECONDS", "FEED_BACKOFF_MIN_SECONDS", "FEED_BACKOFF_MAX_SECONDS",
		"FEED_STABLE_SECONDS", "MAX_DAILY_LOSS", "MAX_PER_TRADE", "MAX_POSITIONS",
		"COOL_DOWN_SECONDS", "BREAKER_THRESHOLD", "BREAKER_RESET_SECONDS",
		"PROBE_INTERVAL_SECONDS", "DB_PATH", "AUDIT_PATH", "HTTP_ADDR", "LOG_LEVEL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, FeedSourceBinance, cfg.FeedSource)
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 1024, cfg.FeedQueueSize)
	assert.Equal(t, 30*time.Second, cfg.FeedStaleAfter)
	assert.Equal(t, time.Second, cfg.FeedBackoffMin)
	assert.Equal(t, 60*time.Second, cfg.FeedBackoffMax)
	assert.Equal(t, 60*time.Second, cfg.FeedStableAfter)
	assert.Equal(t, 100.0, cfg.MaxDailyLoss)
	assert.Equal(t, 1000.0, cfg.MaxPerTrade)
	assert.Equal(t, 3, cfg.MaxPositions)
	assert.Equal(t, 5*time.Minute, cfg.CoolDown)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerResetTimeout)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval)
	assert.Equal(t, "./data/tradeguard.db", cfg.DBPath)
	assert.Equal(t, "./data/audit.log", cfg.AuditPath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYMBOLS", "ethusdt, btcusdt ,")
	t.Setenv("FEED_SOURCE", "WEBSOCKET")
	t.Setenv("FEED_URL", "wss://feed.example.com/stream")
	t.Setenv("FEED_QUEUE_SIZE", "256")
	t.Setenv("MAX_DAILY_LOSS", "250.5")
	t.Setenv("MAX_POSITIONS", "10")
	t.Setenv("COOL_DOWN_SECONDS", "60")
	t.Setenv("BREAKER_THRESHOLD", "2")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("IS_TESTNET", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, FeedSourceWebsocket, cfg.FeedSource)
	assert.Equal(t, "wss://feed.example.com/stream", cfg.FeedURL)
	assert.Equal(t, 256, cfg.FeedQueueSize)
	assert.Equal(t, 250.5, cfg.MaxDailyLoss)
	assert.Equal(t, 10, cfg.MaxPositions)
	assert.Equal(t, time.Minute, cfg.CoolDown)
	assert.Equal(t, 2, cfg.BreakerThreshold)
	assert.Equal(t, MemoryDBPath, cfg.DBPath)
	assert.False(t, cfg.IsTestnet)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_DAILY_LOSS", "-5")
	t.Setenv("MAX_POSITIONS", "0")
	t.Setenv("FEED_SOURCE", "carrier-pigeon")
	t.Setenv("FEED_QUEUE_SIZE", "not-a-number")
	t.Setenv("SYMBOLS", " , ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_DAILY_LOSS must be positive")
	assert.Contains(t, err.Error(), "MAX_POSITIONS must be at least 1")
	assert.Contains(t, err.Error(), "FEED_SOURCE must be")
	assert.Contains(t, err.Error(), "invalid FEED_QUEUE_SIZE")
	assert.Contains(t, err.Error(), "SYMBOLS must name at least one symbol")
}

func TestWebsocketSourceRequiresURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEED_SOURCE", "websocket")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEED_URL must be set")
}

func TestSplitSymbols(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "single", raw: "ethusdt", want: []string{"ETHUSDT"}},
		{name: "multiple", raw: "ETHUSDT,BTCUSDT", want: []string{"ETHUSDT", "BTCUSDT"}},
		{name: "whitespace and empties", raw: " ethusdt , ,btcusdt ", want: []string{"ETHUSDT", "BTCUSDT"}},
		{name: "empty", raw: "", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSymbols(tt.raw))
		})
	}
}
