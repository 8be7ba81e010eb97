// Package audit implements the append-only decision trail. Every gate
// decision becomes one JSON record on its own line; the writer guarantees
// that concurrent writers, in this process or another one sharing the same
// file, never interleave partial records.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/unix"

	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the construction parameters for a Writer.
type Config struct {
	// Path is the trail file. The parent directory is created if missing.
	Path string
	// Logger is required.
	Logger ports.Logger
	// Alerter receives a critical alert on every failed append. Optional.
	Alerter ports.Alerter
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Writer appends audit events to a single shared file.
//
// Locking is two-level: an in-process mutex serializes goroutines, then an
// OS advisory lock (flock) on the open file serializes processes. The mutex
// is acquired first and released last; the flock is scoped tightly around
// the write and sync so the contended section is one write+flush.
type Writer struct {
	path    string
	logger  ports.Logger
	alerter ports.Alerter
	clock   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewWriter creates a Writer and verifies the trail file is writable.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: audit trail path is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: audit logger is required", ports.ErrConfigurationError)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory %s: %w", dir, err)
		}
	}
	// Open once up front so a bad path fails at startup, not on the first
	// trade decision.
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail %s: %w", cfg.Path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit trail %s: %w", cfg.Path, err)
	}

	return &Writer{
		path:    cfg.Path,
		logger:  cfg.Logger,
		alerter: cfg.Alerter,
		clock:   clock,
	}, nil
}

// Append writes one event as a single JSON line and forces it to stable
// storage before returning. Missing ID, schema version, and timestamp are
// stamped in; timestamps are normalized to UTC.
func (w *Writer) Append(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil audit event", ports.ErrInvalidRequest)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.SchemaVersion == 0 {
		event.SchemaVersion = domain.AuditSchemaVersion
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = w.clock().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return w.fail(ctx, fmt.Errorf("marshal audit event: %w", err))
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.fail(ctx, errors.New("writer is closed"))
	}
	if err := w.appendLocked(line); err != nil {
		return w.fail(ctx, err)
	}
	metrics.AuditRecordsWritten.WithLabelValues(string(event.Kind)).Inc()
	return nil
}

// appendLocked performs the cross-process critical section. Callers must
// hold w.mu.
func (w *Writer) appendLocked(line []byte) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", w.path, err)
	}
	// Released before the deferred close; the handle must still be open.
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	return nil
}

// fail records a durability failure without reversing the caller's decision.
func (w *Writer) fail(ctx context.Context, err error) error {
	metrics.AuditWriteFailures.Inc()
	w.logger.Error(ctx, err, "Audit trail append failed", map[string]interface{}{"path": w.path})
	if w.alerter != nil {
		_ = w.alerter.Alert(ctx, ports.SeverityCritical, "audit trail write failed", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
	}
	return fmt.Errorf("%w: %v", ports.ErrAuditWriteFailed, err)
}

// Close marks the writer closed. Appends return an error afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
