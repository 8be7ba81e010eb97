package ports

import (
	"context"
	"time"

	"tradeguard/internal/domain"
)

// PositionStore defines the interface for tracking open positions and realized PnL.
// Implementations must make Reserve an atomic check-and-claim so that concurrent
// callers can never hold more reservations plus open positions than the store allows.
type PositionStore interface {
	// OpenCount returns the number of open positions plus outstanding reservations.
	OpenCount(ctx context.Context) (int, error)
	// HasOpen reports whether an open position or reservation exists for the symbol.
	HasOpen(ctx context.Context, symbol string) (bool, error)
	// Reserve claims a position slot for the symbol before the order is placed.
	// Returns ErrSlotExhausted when no slot is free and ErrDuplicateEntry when the
	// symbol already has an open position or reservation.
	Reserve(ctx context.Context, symbol, strategyID string) error
	// Release frees a reservation that never became an open position.
	Release(ctx context.Context, symbol string) error
	// Open converts a reservation into an open position and returns its assigned ID.
	Open(ctx context.Context, pos *domain.Position) (int64, error)
	// Close marks the open position for the symbol as closed and records its PnL.
	// Returns ErrNotFound when no open position exists for the symbol.
	Close(ctx context.Context, symbol string, exitPrice, pnl float64) (*domain.Position, error)
	// FindOpenBySymbol retrieves the currently open position for a given symbol, if any.
	// Returns nil, nil if no open position is found.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindAll retrieves all positions, ordered by entry time descending.
	FindAll(ctx context.Context) ([]*domain.Position, error)
	// RealizedPnL sums the PnL of positions closed on the given UTC day.
	RealizedPnL(ctx context.Context, day time.Time) (float64, error)
}
