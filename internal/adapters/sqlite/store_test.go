package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestStore creates a temporary database for testing
func setupTestStore(t *testing.T, maxOpen int) (*Store, string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tradeguard-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewStore(Config{
		DBPath:  dbPath,
		MaxOpen: maxOpen,
		Logger:  &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		store.Shutdown()
		os.RemoveAll(tmpDir)
	}

	return store, dbPath, cleanup
}

func testPosition(symbol string, entryTime time.Time) *domain.Position {
	return &domain.Position{
		Symbol:     symbol,
		Side:       domain.Buy,
		EntryPrice: 2000.0,
		Quantity:   1.0,
		EntryTime:  entryTime,
		Status:     domain.StatusOpen,
		StrategyID: "momentum-v1",
		OrderID:    "ord-123",
	}
}

func TestStore_OpenAndFind(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 0)
	defer cleanup()

	ctx := context.Background()
	pos := testPosition("ETHUSDT", time.Now())

	id, err := store.Open(ctx, pos)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Equal(t, id, pos.ID)

	found, err := store.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, found)

	assert.Equal(t, pos.Symbol, found.Symbol)
	assert.Equal(t, domain.Buy, found.Side)
	assert.Equal(t, pos.EntryPrice, found.EntryPrice)
	assert.Equal(t, pos.Quantity, found.Quantity)
	assert.Equal(t, domain.StatusOpen, found.Status)
	assert.Equal(t, "momentum-v1", found.StrategyID)
	assert.Equal(t, "ord-123", found.OrderID)
}

func TestStore_FindOpenBySymbolMissing(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 0)
	defer cleanup()

	found, err := store.FindOpenBySymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStore_DuplicateOpenRejected(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 0)
	defer cleanup()

	ctx := context.Background()
	_, err := store.Open(ctx, testPosition("ETHUSDT", time.Now()))
	require.NoError(t, err)

	_, err = store.Open(ctx, testPosition("ETHUSDT", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrDuplicateEntry))
}

func TestStore_ReserveLifecycle(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 2)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, store.Reserve(ctx, "ETHUSDT", "momentum-v1"))

	has, err := store.HasOpen(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, has)

	count, err := store.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Same symbol cannot be claimed twice.
	err = store.Reserve(ctx, "ETHUSDT", "momentum-v1")
	assert.True(t, errors.Is(err, ports.ErrDuplicateEntry))

	// Capacity counts reservations.
	require.NoError(t, store.Reserve(ctx, "BTCUSDT", "momentum-v1"))
	err = store.Reserve(ctx, "SOLUSDT", "momentum-v1")
	assert.True(t, errors.Is(err, ports.ErrSlotExhausted))

	// Release frees the slot for someone else.
	require.NoError(t, store.Release(ctx, "ETHUSDT"))
	require.NoError(t, store.Reserve(ctx, "SOLUSDT", "momentum-v1"))

	// Releasing a slot that holds nothing fails.
	err = store.Release(ctx, "ETHUSDT")
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestStore_OpenConsumesReservation(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 1)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.Reserve(ctx, "ETHUSDT", "momentum-v1"))

	// The reservation holds the only slot; opening the reserved symbol
	// still succeeds because it consumes that same slot.
	_, err := store.Open(ctx, testPosition("ETHUSDT", time.Now()))
	require.NoError(t, err)

	count, err := store.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Now an open position occupies the slot; Release must refuse it.
	err = store.Release(ctx, "ETHUSDT")
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
}

func TestStore_CloseRecordsPnL(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 0)
	defer cleanup()

	ctx := context.Background()
	_, err := store.Open(ctx, testPosition("ETHUSDT", time.Now()))
	require.NoError(t, err)

	closed, err := store.Close(ctx, "ETHUSDT", 2100.0, 100.0)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, 2100.0, closed.ExitPrice)
	assert.Equal(t, 100.0, closed.PNL)
	assert.False(t, closed.ExitTime.IsZero())

	// The slot is free and the open lookup comes back empty.
	found, err := store.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, found)

	count, err := store.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Closing again is an error.
	_, err = store.Close(ctx, "ETHUSDT", 2100.0, 100.0)
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestStore_RealizedPnLDayWindow(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "tradeguard-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	now := time.Date(2025, 3, 9, 15, 0, 0, 0, time.UTC)
	store, err := NewStore(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)
	defer store.Shutdown()

	ctx := context.Background()

	// One position closes on March 9, another on March 10.
	_, err = store.Open(ctx, testPosition("ETHUSDT", now))
	require.NoError(t, err)
	_, err = store.Close(ctx, "ETHUSDT", 2100.0, 100.0)
	require.NoError(t, err)

	now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	_, err = store.Open(ctx, testPosition("BTCUSDT", now))
	require.NoError(t, err)
	_, err = store.Close(ctx, "BTCUSDT", 2100.0, -30.0)
	require.NoError(t, err)

	got, err := store.RealizedPnL(ctx, time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 100.0, got)

	got, err = store.RealizedPnL(ctx, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, -30.0, got)

	got, err = store.RealizedPnL(ctx, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestStore_FindAllOrdersByEntryTimeDesc(t *testing.T) {
	store, _, cleanup := setupTestStore(t, 0)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

	_, err := store.Open(ctx, testPosition("ETHUSDT", base))
	require.NoError(t, err)
	_, err = store.Open(ctx, testPosition("BTCUSDT", base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.Open(ctx, testPosition("SOLUSDT", base.Add(2*time.Hour)))
	require.NoError(t, err)

	all, err := store.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "SOLUSDT", all[0].Symbol)
	assert.Equal(t, "BTCUSDT", all[1].Symbol)
	assert.Equal(t, "ETHUSDT", all[2].Symbol)
}

func TestStore_RestartRecoversOpenPositions(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "tradeguard-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store, err := NewStore(Config{DBPath: dbPath, MaxOpen: 2, Logger: &mockLogger{}})
	require.NoError(t, err)

	_, err = store.Open(ctx, testPosition("ETHUSDT", time.Now()))
	require.NoError(t, err)
	_, err = store.Open(ctx, testPosition("BTCUSDT", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Shutdown())

	// A fresh process must see both open positions and refuse further
	// admissions past the cap or onto held symbols.
	reopened, err := NewStore(Config{DBPath: dbPath, MaxOpen: 2, Logger: &mockLogger{}})
	require.NoError(t, err)
	defer reopened.Shutdown()

	count, err := reopened.OpenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	has, err := reopened.HasOpen(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, has)

	err = reopened.Reserve(ctx, "ETHUSDT", "momentum-v1")
	assert.True(t, errors.Is(err, ports.ErrDuplicateEntry))
	err = reopened.Reserve(ctx, "SOLUSDT", "momentum-v1")
	assert.True(t, errors.Is(err, ports.ErrSlotExhausted))

	// Closing a recovered position works with its recovered ID.
	closed, err := reopened.Close(ctx, "ETHUSDT", 2100.0, 50.0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
}
