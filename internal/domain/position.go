package domain

import "time"

// Position represents an open or closed exposure held by the agent.
// Positions are owned by the position store; the risk gate only ever
// reads aggregates (open count, symbols held, realized daily P&L).
type Position struct {
	ID         int64          // Unique identifier for the position (usually from DB)
	Symbol     string         // Trading symbol (e.g., "ETHUSDT")
	Side       Side           // Direction of the exposure (BUY = long, SELL = short)
	EntryPrice float64        // Price at which the position was entered
	ExitPrice  float64        // Price at which the position was exited (0 if open)
	Quantity   float64        // Size of the position
	EntryTime  time.Time      // Timestamp when the position was entered
	ExitTime   time.Time      // Timestamp when the position was exited (zero value if open)
	Status     PositionStatus // Current status (open, closed)
	PNL        float64        // Realized profit and loss (calculated on close)
	StrategyID string         // Identifier of the strategy that originated the trade
	OrderID    string         // External order id assigned by the venue (empty until filled)
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}
