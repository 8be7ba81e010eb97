// Package memstore provides an in-memory ports.PositionStore. It backs the
// test suite and dry-run deployments where no database is wanted; the sqlite
// adapter implements the same contract durably.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
)

// entry is a claimed symbol slot. pos stays nil while the slot is only
// reserved.
type entry struct {
	pos        *domain.Position
	strategyID string
}

// Config holds the construction parameters for a Store.
type Config struct {
	// MaxOpen caps open positions plus reservations. Zero or negative
	// disables the cap; the gate then enforces its own limit alone.
	MaxOpen int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Store is an in-memory position store.
//
// Reserve is an atomic check-and-claim: the capacity check, the duplicate
// check, and the claim happen under one lock, so concurrent callers can
// never over-admit. The open counter is additionally kept in an atomic so
// OpenCount never contends with writers.
type Store struct {
	maxOpen int
	clock   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	closed  []*domain.Position
	nextID  int64
	open    atomic.Int64
}

// New creates an empty Store.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		maxOpen: cfg.MaxOpen,
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// OpenCount returns open positions plus outstanding reservations.
func (s *Store) OpenCount(ctx context.Context) (int, error) {
	return int(s.open.Load()), nil
}

// HasOpen reports whether the symbol holds an open position or a reservation.
func (s *Store) HasOpen(ctx context.Context, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[symbol]
	return ok, nil
}

// Reserve claims a slot for the symbol.
func (s *Store) Reserve(ctx context.Context, symbol, strategyID string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[symbol]; ok {
		return fmt.Errorf("%w: %s", ports.ErrDuplicateEntry, symbol)
	}
	if s.maxOpen > 0 && int(s.open.Load()) >= s.maxOpen {
		return fmt.Errorf("%w: %d slots in use", ports.ErrSlotExhausted, s.open.Load())
	}
	s.entries[symbol] = &entry{strategyID: strategyID}
	s.open.Add(1)
	metrics.OpenPositions.Set(float64(s.open.Load()))
	return nil
}

// Release frees a reservation that never became a position.
func (s *Store) Release(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[symbol]
	if !ok {
		return fmt.Errorf("%w: no reservation for %s", ports.ErrNotFound, symbol)
	}
	if e.pos != nil {
		return fmt.Errorf("%w: %s holds an open position, not a reservation", ports.ErrInvalidRequest, symbol)
	}
	delete(s.entries, symbol)
	s.open.Add(-1)
	metrics.OpenPositions.Set(float64(s.open.Load()))
	return nil
}

// Open stores a position. An existing reservation for the symbol is
// consumed; without one, Open claims a slot itself under the same checks
// Reserve applies.
func (s *Store) Open(ctx context.Context, pos *domain.Position) (int64, error) {
	if pos == nil || pos.Symbol == "" {
		return 0, fmt.Errorf("%w: position with symbol is required", ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[pos.Symbol]
	switch {
	case ok && e.pos != nil:
		return 0, fmt.Errorf("%w: %s already open", ports.ErrDuplicateEntry, pos.Symbol)
	case !ok:
		if s.maxOpen > 0 && int(s.open.Load()) >= s.maxOpen {
			return 0, fmt.Errorf("%w: %d slots in use", ports.ErrSlotExhausted, s.open.Load())
		}
		e = &entry{strategyID: pos.StrategyID}
		s.entries[pos.Symbol] = e
		s.open.Add(1)
		metrics.OpenPositions.Set(float64(s.open.Load()))
	}

	s.nextID++
	stored := *pos
	stored.ID = s.nextID
	stored.Status = domain.StatusOpen
	if stored.EntryTime.IsZero() {
		stored.EntryTime = s.clock()
	}
	e.pos = &stored

	pos.ID = stored.ID
	pos.Status = stored.Status
	return stored.ID, nil
}

// Close finalizes the open position for the symbol and frees its slot.
func (s *Store) Close(ctx context.Context, symbol string, exitPrice, pnl float64) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[symbol]
	if !ok || e.pos == nil {
		return nil, fmt.Errorf("%w: no open position for %s", ports.ErrNotFound, symbol)
	}

	pos := e.pos
	pos.ExitPrice = exitPrice
	pos.ExitTime = s.clock()
	pos.PNL = pnl
	pos.Status = domain.StatusClosed

	delete(s.entries, symbol)
	s.closed = append(s.closed, pos)
	s.open.Add(-1)
	metrics.OpenPositions.Set(float64(s.open.Load()))

	out := *pos
	return &out, nil
}

// FindOpenBySymbol retrieves the currently open position for a given symbol,
// if any. Returns nil, nil if no open position is found.
func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[symbol]
	if !ok || e.pos == nil {
		return nil, nil
	}
	out := *e.pos
	return &out, nil
}

// FindAll retrieves all positions, ordered by entry time descending.
func (s *Store) FindAll(ctx context.Context) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Position, 0, len(s.entries)+len(s.closed))
	for _, e := range s.entries {
		if e.pos != nil {
			out := *e.pos
			all = append(all, &out)
		}
	}
	for _, pos := range s.closed {
		out := *pos
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].EntryTime.After(all[j].EntryTime)
	})
	return all, nil
}

// RealizedPnL sums the PnL of positions closed on the given UTC day.
func (s *Store) RealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, pos := range s.closed {
		exit := pos.ExitTime.UTC()
		if !exit.Before(dayStart) && exit.Before(dayEnd) {
			total += pos.PNL
		}
	}
	return total, nil
}
