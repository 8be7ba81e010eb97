package ports

import (
	"context"

	"tradeguard/internal/domain"
)

// AuditSink records risk decisions durably. Append must be safe for concurrent
// use by multiple goroutines and multiple processes writing the same trail.
type AuditSink interface {
	// Append writes a single event to the trail. The event is durable on disk
	// before Append returns.
	Append(ctx context.Context, event *domain.AuditEvent) error
	// Close flushes and releases the underlying trail.
	Close() error
}
