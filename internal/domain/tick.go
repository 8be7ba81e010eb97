package domain

import "time"

// Tick represents a single decoded market-data message from the feed.
type Tick struct {
	Symbol   string    // Trading symbol
	Price    float64   // Last traded price
	Quantity float64   // Traded quantity for this tick (0 if unknown)
	Time     time.Time // Venue timestamp of the trade
}
