// Package feed implements the connection supervisor that keeps one live
// market data connection running. It buffers inbound ticks in a bounded
// queue so slow consumers never stall the transport, detects stale or dead
// connections, and reconnects with capped exponential backoff.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
)

// ConnState is the supervisor's connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionHealth is a snapshot of the supervisor's view of the feed.
type ConnectionHealth struct {
	State             ConnState     `json:"state"`
	Connected         bool          `json:"connected"`
	LastMessageTime   time.Time     `json:"last_message_time"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	CurrentBackoff    time.Duration `json:"current_backoff"`
}

// Config holds the supervisor's construction parameters.
type Config struct {
	// Transport dials feed connections. Required.
	Transport ports.FeedTransport
	// Symbols are subscribed on every new connection. More can be added
	// later with Subscribe.
	Symbols []string
	// QueueSize bounds the inbound tick queue. Defaults to 1024.
	QueueSize int
	// StaleAfter is how long without a message before the watchdog forces a
	// reconnect. Defaults to 30s.
	StaleAfter time.Duration
	// WatchdogInterval is the staleness check period. Defaults to a third
	// of StaleAfter.
	WatchdogInterval time.Duration
	// BackoffMin and BackoffMax bound the reconnect delay. Default 1s/60s.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// StableAfter is how long a connection must live before the backoff
	// sequence starts over from BackoffMin. Defaults to 60s.
	StableAfter time.Duration
	// Handler receives ticks from the processing worker in FIFO order.
	// Optional; GetLatestTick works either way.
	Handler func(domain.Tick)
	// Logger is required.
	Logger ports.Logger
	// Alerter is told when the queue first overflows. Optional.
	Alerter ports.Alerter
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// reconnectRequest asks the reconnect worker to replace the connection.
// gen names the connection generation the sender saw, so requests about an
// already-replaced connection are discarded.
type reconnectRequest struct {
	gen   uint64
	cause string
}

// Supervisor owns the streaming connection and its worker goroutines.
//
// Four goroutines cooperate: a receive loop per connection moves decoded
// ticks into the bounded queue without ever blocking; a watchdog enqueues a
// reconnect request when the feed goes quiet; a single reconnect worker
// owns all dialing and backoff timing so at most one reconnect is ever in
// flight; a processing worker drains the queue in FIFO order. Enqueueing is
// non-blocking with a drop-oldest policy: when the queue is full the oldest
// tick is evicted and counted in the overflow counter.
type Supervisor struct {
	cfg       Config
	transport ports.FeedTransport
	logger    ports.Logger
	clock     func() time.Time

	queue    chan domain.Tick
	control  chan reconnectRequest
	overflow atomic.Uint64

	mu                sync.Mutex
	state             ConnState
	conn              ports.FeedConn
	gen               uint64
	connectedAt       time.Time
	lastMessage       time.Time
	reconnectAttempts int
	currentBackoff    time.Duration
	subs              []string
	latest            map[string]domain.Tick
	healthCallbacks   []func(bool)
	overflowAlerted   bool

	backoff   *backoff.Backoff
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
}

// New creates a Supervisor. Start must be called before ticks flow.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: feed transport is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = cfg.StaleAfter / 3
		if cfg.WatchdogInterval < time.Second {
			cfg.WatchdogInterval = time.Second
		}
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Supervisor{
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		queue:     make(chan domain.Tick, cfg.QueueSize),
		control:   make(chan reconnectRequest, 1),
		subs:      append([]string(nil), cfg.Symbols...),
		latest:    make(map[string]domain.Tick),
		// Jitter stays off so the delay sequence doubles predictably up
		// to the cap; a single agent gains nothing from herd avoidance.
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: false,
		},
	}, nil
}

// Start dials the first connection and launches the workers. A failed first
// dial is not fatal: the reconnect worker keeps trying with backoff.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return errors.New("supervisor already stopped")
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processingWorker(s.runCtx)
	s.wg.Add(1)
	go s.watchdog(s.runCtx)
	s.wg.Add(1)
	go s.reconnectWorker(s.runCtx)

	if err := s.connect(s.runCtx); err != nil {
		s.logger.Warn(s.runCtx, "Initial feed connection failed, retrying in background", map[string]interface{}{"error": err.Error()})
		s.requestReconnect(0, "initial connection failed")
	}
	return nil
}

// Stop tears the supervisor down and waits for its workers to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.runCancel
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.setConnected(false, "supervisor stopped")
}

// Subscribe adds a symbol to the feed. The subscription is remembered and
// replayed onto every future connection.
func (s *Supervisor) Subscribe(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	for _, known := range s.subs {
		if known == symbol {
			s.mu.Unlock()
			return nil
		}
	}
	s.subs = append(s.subs, symbol)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Subscribe(symbol); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	return nil
}

// GetLatestTick returns the most recent tick seen for the symbol.
func (s *Supervisor) GetLatestTick(symbol string) (domain.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick, ok := s.latest[symbol]
	return tick, ok
}

// OnHealthChange registers a callback invoked with the new connected state
// on every transition. Callbacks run outside the supervisor's lock.
func (s *Supervisor) OnHealthChange(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCallbacks = append(s.healthCallbacks, fn)
}

// Health reports the current connection health.
func (s *Supervisor) Health() ConnectionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionHealth{
		State:             s.state,
		Connected:         s.state == StateConnected,
		LastMessageTime:   s.lastMessage,
		ReconnectAttempts: s.reconnectAttempts,
		CurrentBackoff:    s.currentBackoff,
	}
}

// OverflowCount returns the total number of ticks dropped so far.
func (s *Supervisor) OverflowCount() uint64 {
	return s.overflow.Load()
}

// connect dials, resubscribes, and installs a new connection. Called by
// Start once and by the reconnect worker afterwards; never concurrently.
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	metrics.FeedReconnects.Inc()

	conn, err := s.transport.Dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ports.ErrConnectionFailed, err)
	}

	s.mu.Lock()
	subs := append([]string(nil), s.subs...)
	s.mu.Unlock()
	for _, symbol := range subs {
		if err := conn.Subscribe(symbol); err != nil {
			_ = conn.Close()
			s.setState(StateDisconnected)
			return fmt.Errorf("%w: resubscribe %s: %v", ports.ErrConnectionFailed, symbol, err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		// Stop ran while the dial was in flight; it cannot see this
		// connection, so close it here.
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: supervisor stopped", ports.ErrConnectionFailed)
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	now := s.clock()
	s.connectedAt = now
	s.lastMessage = now
	s.reconnectAttempts = 0
	s.currentBackoff = 0
	s.overflowAlerted = false
	s.mu.Unlock()

	s.setConnected(true, "feed connected")

	s.wg.Add(1)
	go s.receiveLoop(s.runCtx, conn, gen)
	return nil
}

// receiveLoop moves ticks from one connection into the queue. It never
// blocks on the queue and never reconnects inline; a dead connection is
// reported to the reconnect worker and the loop exits.
func (s *Supervisor) receiveLoop(ctx context.Context, conn ports.FeedConn, gen uint64) {
	defer s.wg.Done()

	msgs := conn.Messages()
	errs := conn.Errs()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-msgs:
			if !ok {
				s.requestReconnect(gen, "stream closed")
				return
			}
			s.mu.Lock()
			s.lastMessage = s.clock()
			s.mu.Unlock()
			s.enqueue(ctx, tick)
		case err, ok := <-errs:
			if !ok {
				// Error channel closed alone; keep draining messages.
				errs = nil
				continue
			}
			s.logger.Warn(ctx, "Feed transport error", map[string]interface{}{"error": err.Error()})
			s.requestReconnect(gen, "transport error")
			return
		}
	}
}

// enqueue adds a tick without ever blocking the receive path. When the
// queue is full the oldest tick is evicted first (drop-oldest); every
// dropped tick increments the overflow counter.
func (s *Supervisor) enqueue(ctx context.Context, tick domain.Tick) {
	select {
	case s.queue <- tick:
	default:
		select {
		case <-s.queue:
			s.noteOverflow(ctx)
		default:
		}
		select {
		case s.queue <- tick:
		default:
			// Racing producers refilled the slot; the new tick is the
			// one dropped.
			s.noteOverflow(ctx)
		}
	}
	metrics.FeedQueueDepth.Set(float64(len(s.queue)))
}

func (s *Supervisor) noteOverflow(ctx context.Context) {
	s.overflow.Add(1)
	metrics.FeedOverflow.Inc()

	s.mu.Lock()
	first := !s.overflowAlerted
	s.overflowAlerted = true
	s.mu.Unlock()

	if first {
		s.logger.Warn(ctx, "Feed queue overflow, dropping oldest ticks", map[string]interface{}{"capacity": cap(s.queue)})
		if s.cfg.Alerter != nil {
			_ = s.cfg.Alerter.Alert(ctx, ports.SeverityWarning, "feed queue overflow", map[string]interface{}{
				"capacity": cap(s.queue),
				"dropped":  s.overflow.Load(),
			})
		}
	}
}

// processingWorker drains the queue in FIFO order and hands ticks to the
// configured handler.
func (s *Supervisor) processingWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.queue:
			metrics.FeedQueueDepth.Set(float64(len(s.queue)))
			s.mu.Lock()
			s.latest[tick.Symbol] = tick
			s.mu.Unlock()
			if s.cfg.Handler != nil {
				s.cfg.Handler(tick)
			}
		}
	}
}

// watchdog forces a reconnect when the feed has been silent too long. It
// only ever enqueues a request; the reconnect worker does the work.
func (s *Supervisor) watchdog(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			connected := s.state == StateConnected
			silent := s.clock().Sub(s.lastMessage)
			gen := s.gen
			s.mu.Unlock()

			if connected && silent > s.cfg.StaleAfter {
				s.logger.Warn(ctx, "Feed is stale, forcing reconnect", map[string]interface{}{
					"silentFor":  silent.String(),
					"staleAfter": s.cfg.StaleAfter.String(),
				})
				s.requestReconnect(gen, "stale feed")
			}
		}
	}
}

// requestReconnect enqueues a reconnect request without blocking. A request
// already pending is enough; extras are discarded.
func (s *Supervisor) requestReconnect(gen uint64, cause string) {
	select {
	case s.control <- reconnectRequest{gen: gen, cause: cause}:
	default:
	}
}

// reconnectWorker is the only goroutine that dials. It owns the backoff
// sequence, guaranteeing at most one reconnect in flight at any time.
func (s *Supervisor) reconnectWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.control:
			s.mu.Lock()
			if req.gen < s.gen {
				// The connection this request complained about is already
				// gone.
				s.mu.Unlock()
				continue
			}
			conn := s.conn
			s.conn = nil
			livedLong := !s.connectedAt.IsZero() && s.clock().Sub(s.connectedAt) >= s.cfg.StableAfter
			s.mu.Unlock()

			s.logger.Warn(ctx, "Feed reconnecting", map[string]interface{}{"cause": req.cause})
			if conn != nil {
				_ = conn.Close()
			}
			s.setConnected(false, req.cause)

			// A connection that survived the stability window earns a
			// fresh backoff sequence.
			if livedLong {
				s.backoff.Reset()
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if err := s.connect(ctx); err == nil {
					break
				}

				delay := s.backoff.Duration()
				s.mu.Lock()
				s.reconnectAttempts++
				s.currentBackoff = delay
				attempts := s.reconnectAttempts
				s.mu.Unlock()

				s.logger.Warn(ctx, "Feed reconnect failed, backing off", map[string]interface{}{
					"attempt": attempts,
					"delay":   delay.String(),
				})

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// setState updates the state without touching the connected callbacks.
func (s *Supervisor) setState(next ConnState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// setConnected flips the connected state, updates the gauge, and notifies
// the health callbacks outside the lock.
func (s *Supervisor) setConnected(connected bool, cause string) {
	next := StateDisconnected
	if connected {
		next = StateConnected
	}

	s.mu.Lock()
	changed := (s.state == StateConnected) != connected
	s.state = next
	callbacks := append(([]func(bool))(nil), s.healthCallbacks...)
	s.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetFeedConnected(connected)
	if connected {
		s.logger.Info(context.Background(), "Feed connection established")
	} else {
		s.logger.Warn(context.Background(), "Feed connection lost", map[string]interface{}{"cause": cause})
	}
	for _, fn := range callbacks {
		fn(connected)
	}
}
