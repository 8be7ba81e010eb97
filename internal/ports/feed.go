package ports

import (
	"context"
	"time"

	"tradeguard/internal/domain"
)

// FeedConn represents a single live connection to a market data stream.
// The connection decodes venue payloads into domain ticks; consumers read
// Messages and Errs from their own goroutines and must never block the
// transport's internal receive path.
type FeedConn interface {
	// Subscribe starts streaming ticks for the given symbol on this
	// connection. Subscribing on a closed connection returns ErrFeedClosed.
	Subscribe(symbol string) error
	// Messages returns the channel of decoded ticks. Transports close it at
	// end of stream when they safely can; consumers must watch Errs too.
	Messages() <-chan domain.Tick
	// Errs surfaces transport failures wrapped in ErrConnectionFailed.
	Errs() <-chan error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// FeedTransport dials market data connections. The caller owns reconnect
// policy; a transport dials exactly one connection per call.
type FeedTransport interface {
	Dial(ctx context.Context) (FeedConn, error)
}

// Prober checks venue connectivity out of band of the streaming feed.
type Prober interface {
	// Ping checks the connectivity to the venue API.
	Ping(ctx context.Context) error
	// ServerTime retrieves the current server time from the venue.
	ServerTime(ctx context.Context) (time.Time, error)
}
