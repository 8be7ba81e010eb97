package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeguard/internal/adapters/httpapi"
	"tradeguard/internal/breaker"
	"tradeguard/internal/feed"
	"tradeguard/internal/ports"
	"tradeguard/internal/risk"
)

// Config holds the service's collaborators and runtime knobs.
type Config struct {
	Logger     ports.Logger
	Gate       *risk.Gate
	Supervisor *feed.Supervisor
	// Breakers routes the venue probe. Required when Prober is set.
	Breakers *breaker.Registry
	// Prober checks venue connectivity out of band. Optional; without it the
	// breaker only learns about the venue from the feed path.
	Prober ports.Prober
	// HTTP serves status and admin endpoints. Optional.
	HTTP *httpapi.Server
	// VenueDependency is the breaker name the probe reports into. Must match
	// the gate's upstream-health dependency. Defaults to "venue".
	VenueDependency string
	// ProbeInterval is the venue probe cadence. Defaults to 30s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe call. Defaults to 10s.
	ProbeTimeout time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Service runs the execution safety core: it keeps the market data feed
// alive, probes the venue through the circuit breaker, resets the daily
// loss window at UTC midnight, and serves the admin API until the context
// is cancelled or a shutdown signal arrives.
type Service struct {
	cfg        Config
	logger     ports.Logger
	gate       *risk.Gate
	supervisor *feed.Supervisor
	breakers   *breaker.Registry
	prober     ports.Prober
	httpSrv    *httpapi.Server
	clock      func() time.Time
}

// NewService creates the application service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("%w: risk gate is required", ports.ErrConfigurationError)
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("%w: feed supervisor is required", ports.ErrConfigurationError)
	}
	if cfg.Prober != nil && cfg.Breakers == nil {
		return nil, fmt.Errorf("%w: breaker registry is required when a prober is configured", ports.ErrConfigurationError)
	}
	if cfg.VenueDependency == "" {
		cfg.VenueDependency = "venue"
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		gate:       cfg.Gate,
		supervisor: cfg.Supervisor,
		breakers:   cfg.Breakers,
		prober:     cfg.Prober,
		httpSrv:    cfg.HTTP,
		clock:      clock,
	}, nil
}

// Start runs the service until ctx is cancelled, a shutdown signal arrives,
// or the HTTP listener fails.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting safety core...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1. Check the venue clock so operators can spot skew early. Failure is
	// not fatal; the probe loop keeps trying through the breaker.
	if s.prober != nil {
		s.syncVenueTime(ctx)
	}

	// 2. Log the risk state recovered from the store.
	status := s.gate.Status(ctx)
	s.logger.Info(ctx, "Initial risk state synchronized", map[string]interface{}{
		"dailyPnL":         status.DailyPnL,
		"openPositions":    status.OpenPositions,
		"killSwitchActive": status.KillSwitchActive,
	})

	// 3. Bring up the market data feed.
	if err := s.supervisor.Start(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to start feed supervisor")
		return fmt.Errorf("failed to start feed supervisor: %w", err)
	}
	s.logger.Info(ctx, "Feed supervisor started")

	// 4. Serve the admin API.
	httpErrCh := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			httpErrCh <- s.httpSrv.Start()
		}()
	}

	// 5. Periodic work: venue probe and the UTC midnight loss-window reset.
	var probeCh <-chan time.Time
	if s.prober != nil {
		probeTicker := time.NewTicker(s.cfg.ProbeInterval)
		defer probeTicker.Stop()
		probeCh = probeTicker.C
	}
	resetTimer := time.NewTimer(untilNextDailyReset(s.clock()))
	defer resetTimer.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Shutting down...")
			break loop
		case err := <-httpErrCh:
			if err != nil {
				s.logger.Error(ctx, err, "HTTP server failed")
				runErr = fmt.Errorf("http server failed: %w", err)
			}
			break loop
		case <-probeCh:
			s.probeVenue(ctx)
		case <-resetTimer.C:
			s.gate.ResetDaily(ctx)
			resetTimer.Reset(untilNextDailyReset(s.clock()))
		}
	}

	s.shutdown()
	s.logger.Info(context.Background(), "Safety core stopped")
	return runErr
}

// shutdown stops the components in reverse start order.
func (s *Service) shutdown() {
	s.supervisor.Stop()
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, "HTTP server did not shut down cleanly", map[string]interface{}{"error": err.Error()})
		}
	}
}

// syncVenueTime reports the venue's server time and the local skew against
// it. Routed through the breaker so a dead venue counts as a failure.
func (s *Service) syncVenueTime(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	var serverTime time.Time
	err := s.breakers.Call(probeCtx, s.cfg.VenueDependency, func(ctx context.Context) error {
		st, err := s.prober.ServerTime(ctx)
		if err != nil {
			return err
		}
		serverTime = st
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "Venue time sync failed", map[string]interface{}{"error": err.Error()})
		return
	}

	skew := s.clock().Sub(serverTime)
	s.logger.Info(ctx, "Venue time synchronized", map[string]interface{}{
		"serverTime": serverTime.UTC().Format(time.RFC3339),
		"skew":       skew.String(),
	})
}

// probeVenue pings the venue through the breaker. Probe outcomes drive the
// breaker's state; an open breaker makes the probe a cheap no-op until the
// reset timeout admits the next one.
func (s *Service) probeVenue(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	err := s.breakers.Call(probeCtx, s.cfg.VenueDependency, func(ctx context.Context) error {
		return s.prober.Ping(ctx)
	})
	switch {
	case err == nil:
		s.logger.Debug(ctx, "Venue probe succeeded")
	case errors.Is(err, ports.ErrBreakerOpen):
		s.logger.Debug(ctx, "Venue probe skipped, breaker open", map[string]interface{}{"dependency": s.cfg.VenueDependency})
	default:
		s.logger.Warn(ctx, "Venue probe failed", map[string]interface{}{"error": err.Error()})
	}
}

// untilNextDailyReset returns the time to the next UTC midnight.
func untilNextDailyReset(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
