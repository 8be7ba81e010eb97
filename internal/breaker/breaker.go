// Package breaker implements a three-state circuit breaker used to guard
// calls against a degraded external dependency. Each protected dependency
// gets its own named breaker; the Registry hands them out.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
)

// State represents the breaker's current mode.
type State int

const (
	// StateClosed passes calls through and counts qualifying failures.
	StateClosed State = iota
	// StateHalfOpen admits a single probe call after the reset timeout.
	StateHalfOpen
	// StateOpen fails fast without invoking the dependency.
	StateOpen
)

// String returns the state name in the form used by logs and the status API.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Classifier reports whether an error counts as a qualifying failure.
// Errors it rejects (business errors, context cancellation) pass through
// without touching the failure counter.
type Classifier func(error) bool

// Config holds the construction parameters for a Breaker.
type Config struct {
	// Name identifies the protected dependency in logs and metrics.
	Name string
	// Threshold is the number of qualifying failures that trips the breaker.
	Threshold int
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration
	// Classify decides which errors count as failures. Required.
	Classify Classifier
	// Logger receives state transition events. Required.
	Logger ports.Logger
	// Clock returns the current time. Defaults to time.Now; injected in tests.
	Clock func() time.Time
}

// Breaker guards calls to a single external dependency.
//
// State machine: CLOSED counts qualifying failures and trips to OPEN at the
// threshold. OPEN fails fast until ResetTimeout has elapsed, then admits
// exactly one probe (HALF_OPEN). A successful probe closes the breaker and
// resets the counter; a failed probe reopens it and restarts the timer.
// All transitions happen under one mutex.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	classify     Classifier
	logger       ports.Logger
	clock        func() time.Time

	mu            sync.Mutex
	state         State
	failCount     int
	openedAt      time.Time
	probeInFlight bool
}

// validate checks every field except Name, which the Registry assigns.
func (cfg Config) validate() error {
	if cfg.Threshold < 1 {
		return fmt.Errorf("%w: breaker threshold must be at least 1", ports.ErrConfigurationError)
	}
	if cfg.ResetTimeout <= 0 {
		return fmt.Errorf("%w: breaker reset timeout must be positive", ports.ErrConfigurationError)
	}
	if cfg.Classify == nil {
		return fmt.Errorf("%w: breaker classifier is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return fmt.Errorf("%w: breaker logger is required", ports.ErrConfigurationError)
	}
	return nil
}

// New creates a Breaker from the given config.
func New(cfg Config) (*Breaker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: breaker name is required", ports.ErrConfigurationError)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	b := &Breaker{
		name:         cfg.Name,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		classify:     cfg.Classify,
		logger:       cfg.Logger,
		clock:        clock,
		state:        StateClosed,
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b, nil
}

// Name returns the dependency name this breaker protects.
func (b *Breaker) Name() string { return b.name }

// Call runs fn under the breaker's protection. When the breaker is open and
// the reset timeout has not elapsed, fn is never invoked and Call returns
// ports.ErrBreakerOpen. Otherwise fn's error is returned unchanged after the
// breaker records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// when the reset timeout has elapsed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.resetTimeout {
			return fmt.Errorf("%s: %w", b.name, ports.ErrBreakerOpen)
		}
		b.setState(ctx, StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		// Only one probe at a time; everyone else is treated as open.
		if b.probeInFlight {
			return fmt.Errorf("%s: %w", b.name, ports.ErrBreakerOpen)
		}
		b.probeInFlight = true
		return nil
	default:
		return fmt.Errorf("%s: %w", b.name, ports.ErrBreakerOpen)
	}
}

// record applies the outcome of an admitted call to the state machine.
func (b *Breaker) record(ctx context.Context, err error) {
	failed := err != nil && b.classify(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if !failed {
			// A success while closed is a no-op; the counter only resets on
			// a successful probe or an explicit Reset.
			return
		}
		b.failCount++
		if b.failCount >= b.threshold {
			b.openedAt = b.clock()
			b.setState(ctx, StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if failed {
			b.openedAt = b.clock()
			b.setState(ctx, StateOpen)
			return
		}
		// The dependency answered; a non-qualifying error still closes.
		b.failCount = 0
		b.setState(ctx, StateClosed)
	case StateOpen:
		// A late completion from before the trip; the trip already happened.
	}
}

// IsOpen reports whether the breaker currently fails fast.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// State returns the current state for status surfaces.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears the failure counter.
// Administrative use only.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCount = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.setState(ctx, StateClosed)
	}
}

// setState transitions the state machine. Callers must hold b.mu.
func (b *Breaker) setState(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(next))

	fields := map[string]interface{}{
		"dependency": b.name,
		"from":       prev.String(),
		"to":         next.String(),
		"failCount":  b.failCount,
	}
	switch next {
	case StateOpen:
		metrics.BreakerTrips.WithLabelValues(b.name).Inc()
		b.logger.Warn(ctx, "Circuit breaker opened", fields)
	case StateHalfOpen:
		b.logger.Info(ctx, "Circuit breaker admitting probe", fields)
	case StateClosed:
		b.logger.Info(ctx, "Circuit breaker closed", fields)
	}
}
