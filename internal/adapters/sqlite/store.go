// Package sqlite provides a durable ports.PositionStore backed by SQLite.
//
// Admission (Reserve/Release and the capacity and duplicate checks) is
// enforced in memory under a mutex and seeded from the database at startup;
// reservations exist only until a position opens or the process exits, so
// they are never persisted. Open and closed positions are.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// slot is a claimed symbol. pos stays nil while the slot is only reserved.
type slot struct {
	pos        *domain.Position
	strategyID string
}

// Store implements ports.PositionStore using SQLite.
type Store struct {
	db     *sql.DB
	logger ports.Logger
	clock  func() time.Time

	maxOpen int
	mu      sync.Mutex
	slots   map[string]*slot
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	// MaxOpen caps open positions plus reservations. Zero or negative
	// disables the cap.
	MaxOpen int
	Logger  ports.Logger
	Clock   func() time.Time
}

// NewStore opens (creating if needed) the database, verifies the schema,
// and seeds the admission state from any open positions left by a previous
// run.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for SQLite store", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/tradeguard.db" // Default path
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits
	// from a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	s := &Store{
		db:      db,
		logger:  cfg.Logger,
		clock:   clock,
		maxOpen: cfg.MaxOpen,
		slots:   make(map[string]*slot),
	}

	if err := s.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := s.loadOpenPositions(context.Background()); err != nil {
		db.Close()
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	return s, nil
}

// initializeSchema creates tables if they don't exist.
func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		strategy_id TEXT NOT NULL DEFAULT '',
		order_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_status_exit_time ON positions (status, exit_time);
	-- Backstop for the one-open-position-per-symbol rule; the admission
	-- layer enforces it first.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol ON positions (symbol) WHERE status = 'open';
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// loadOpenPositions rebuilds the admission state from open rows so a
// restart cannot over-admit past positions already held.
func (s *Store) loadOpenPositions(ctx context.Context) error {
	const query = `
	SELECT id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity,
	       entry_time, exit_time, status, COALESCE(pnl, 0), strategy_id, order_id
	FROM positions
	WHERE status = ?`

	rows, err := s.db.QueryContext(ctx, query, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return fmt.Errorf("failed to scan open position during load: %w", err)
		}
		s.slots[pos.Symbol] = &slot{pos: pos, strategyID: pos.StrategyID}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating open position rows: %w", err)
	}

	metrics.OpenPositions.Set(float64(len(s.slots)))
	if len(s.slots) > 0 {
		s.logger.Info(ctx, "Recovered open positions from database", map[string]interface{}{"count": len(s.slots)})
	}
	return nil
}

// Shutdown closes the database connection.
func (s *Store) Shutdown() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing SQLite database connection")
		return s.db.Close()
	}
	return nil
}

// OpenCount returns open positions plus outstanding reservations.
func (s *Store) OpenCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots), nil
}

// HasOpen reports whether the symbol holds an open position or a reservation.
func (s *Store) HasOpen(ctx context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[symbol]
	return ok, nil
}

// Reserve claims a slot for the symbol. The duplicate check, the capacity
// check, and the claim happen under one lock.
func (s *Store) Reserve(ctx context.Context, symbol, strategyID string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slots[symbol]; ok {
		return fmt.Errorf("%w: %s", ports.ErrDuplicateEntry, symbol)
	}
	if s.maxOpen > 0 && len(s.slots) >= s.maxOpen {
		return fmt.Errorf("%w: %d slots in use", ports.ErrSlotExhausted, len(s.slots))
	}
	s.slots[symbol] = &slot{strategyID: strategyID}
	metrics.OpenPositions.Set(float64(len(s.slots)))
	return nil
}

// Release frees a reservation that never became a position.
func (s *Store) Release(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[symbol]
	if !ok {
		return fmt.Errorf("%w: no reservation for %s", ports.ErrNotFound, symbol)
	}
	if sl.pos != nil {
		return fmt.Errorf("%w: %s holds an open position, not a reservation", ports.ErrInvalidRequest, symbol)
	}
	delete(s.slots, symbol)
	metrics.OpenPositions.Set(float64(len(s.slots)))
	return nil
}

// Open persists a position. An existing reservation for the symbol is
// consumed; without one, Open claims a slot itself under the same checks
// Reserve applies.
func (s *Store) Open(ctx context.Context, pos *domain.Position) (int64, error) {
	if pos == nil || pos.Symbol == "" {
		return 0, fmt.Errorf("%w: position with symbol is required", ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[pos.Symbol]
	claimed := false
	switch {
	case ok && sl.pos != nil:
		return 0, fmt.Errorf("%w: %s already open", ports.ErrDuplicateEntry, pos.Symbol)
	case !ok:
		if s.maxOpen > 0 && len(s.slots) >= s.maxOpen {
			return 0, fmt.Errorf("%w: %d slots in use", ports.ErrSlotExhausted, len(s.slots))
		}
		sl = &slot{strategyID: pos.StrategyID}
		s.slots[pos.Symbol] = sl
		claimed = true
	}

	stored := *pos
	stored.Status = domain.StatusOpen
	if stored.EntryTime.IsZero() {
		stored.EntryTime = s.clock()
	}
	// Timestamps are stored in UTC so the driver's string encoding stays
	// comparable across rows.
	stored.EntryTime = stored.EntryTime.UTC()

	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, entry_time, status, strategy_id, order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		stored.Symbol, stored.Side, stored.EntryPrice, stored.Quantity, stored.EntryTime, stored.Status, stored.StrategyID, stored.OrderID)
	if err != nil {
		if claimed {
			delete(s.slots, pos.Symbol)
		}
		return 0, fmt.Errorf("%w: insert position for symbol %s: %v", ports.ErrUpdateFailed, pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		if claimed {
			delete(s.slots, pos.Symbol)
		}
		return 0, fmt.Errorf("%w: last insert ID for position %s: %v", ports.ErrUpdateFailed, pos.Symbol, err)
	}

	stored.ID = id
	sl.pos = &stored
	pos.ID = id
	pos.Status = stored.Status
	metrics.OpenPositions.Set(float64(len(s.slots)))
	s.logger.Debug(ctx, "Position opened", map[string]interface{}{"positionID": id, "symbol": stored.Symbol})
	return id, nil
}

// Close finalizes the open position for the symbol, records its PnL, and
// frees the slot.
func (s *Store) Close(ctx context.Context, symbol string, exitPrice, pnl float64) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[symbol]
	if !ok || sl.pos == nil {
		return nil, fmt.Errorf("%w: no open position for %s", ports.ErrNotFound, symbol)
	}

	exitTime := s.clock().UTC()

	const query = `
	UPDATE positions
	SET exit_price = ?, exit_time = ?, status = ?, pnl = ?
	WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		exitPrice, exitTime, domain.StatusClosed, pnl, sl.pos.ID, domain.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("%w: close position ID %d: %v", ports.ErrUpdateFailed, sl.pos.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected for close of position ID %d: %v", ports.ErrUpdateFailed, sl.pos.ID, err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("position ID %d not found for close: %w", sl.pos.ID, ports.ErrNotFound)
	}

	pos := sl.pos
	pos.ExitPrice = exitPrice
	pos.ExitTime = exitTime
	pos.PNL = pnl
	pos.Status = domain.StatusClosed

	delete(s.slots, symbol)
	metrics.OpenPositions.Set(float64(len(s.slots)))
	s.logger.Debug(ctx, "Position closed", map[string]interface{}{"positionID": pos.ID, "symbol": symbol, "pnl": pnl})

	out := *pos
	return &out, nil
}

// FindOpenBySymbol retrieves the currently open position for a given symbol,
// if any. Returns nil, nil if no open position is found.
func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	const query = `
	SELECT id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity,
	       entry_time, exit_time, status, COALESCE(pnl, 0), strategy_id, order_id
	FROM positions
	WHERE symbol = ? AND status = ?`

	row := s.db.QueryRowContext(ctx, query, symbol, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("%w: query open position for symbol %s: %v", ports.ErrQueryFailed, symbol, err)
	}
	return pos, nil
}

// FindAll retrieves all positions, ordered by entry time descending.
func (s *Store) FindAll(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity,
	       entry_time, exit_time, status, COALESCE(pnl, 0), strategy_id, order_id
	FROM positions
	ORDER BY entry_time DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query all positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position during FindAll: %v", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating position rows: %v", ports.ErrQueryFailed, err)
	}
	return positions, nil
}

// RealizedPnL sums the PnL of positions closed on the given UTC day.
func (s *Store) RealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	const query = `
	SELECT COALESCE(SUM(pnl), 0) FROM positions
	WHERE status = ? AND exit_time >= ? AND exit_time < ?`

	var total float64
	err := s.db.QueryRowContext(ctx, query, domain.StatusClosed, dayStart, dayEnd).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: realized PnL for %s: %v", ports.ErrQueryFailed, dayStart.Format("2006-01-02"), err)
	}
	return total, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(sc scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status string
	var exitTime sql.NullTime
	err := sc.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.ExitPrice, &p.Quantity,
		&p.EntryTime, &exitTime, &status, &p.PNL, &p.StrategyID, &p.OrderID)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}
