package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/adapters/httpapi"
	"tradeguard/internal/adapters/memstore"
	"tradeguard/internal/breaker"
	"tradeguard/internal/domain"
	"tradeguard/internal/feed"
	"tradeguard/internal/ports"
	"tradeguard/internal/risk"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) record(dst *[]string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*dst = append(*dst, msg)
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.record(&m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.record(&m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.record(&m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.record(&m.errorMsgs, msg)
}

func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	// No-op for tests
}

func (m *mockLogger) has(msgs []string, want string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg == want {
			return true
		}
	}
	return false
}

func (m *mockLogger) hasInfo(want string) bool  { return m.has(m.infoMsgs, want) }
func (m *mockLogger) hasDebug(want string) bool { return m.has(m.debugMsgs, want) }

type mockAudit struct{}

func (m *mockAudit) Append(ctx context.Context, event *domain.AuditEvent) error { return nil }
func (m *mockAudit) Close() error                                               { return nil }

type mockProber struct {
	pingErr    error
	serverTime time.Time
	serverErr  error
}

func (m *mockProber) Ping(ctx context.Context) error { return m.pingErr }
func (m *mockProber) ServerTime(ctx context.Context) (time.Time, error) {
	return m.serverTime, m.serverErr
}

type stubConn struct {
	msgs chan domain.Tick
	errs chan error
	done chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{
		msgs: make(chan domain.Tick),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (c *stubConn) Subscribe(symbol string) error { return nil }
func (c *stubConn) Messages() <-chan domain.Tick  { return c.msgs }
func (c *stubConn) Errs() <-chan error            { return c.errs }
func (c *stubConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

type stubTransport struct{}

func (stubTransport) Dial(ctx context.Context) (ports.FeedConn, error) { return newStubConn(), nil }

type serviceFixture struct {
	svc      *Service
	gate     *risk.Gate
	registry *breaker.Registry
	logger   *mockLogger
}

type serviceOpts struct {
	prober        ports.Prober
	http          *httpapi.Server
	clock         func() time.Time
	probeInterval time.Duration
}

func setupService(t *testing.T, opts serviceOpts) *serviceFixture {
	t.Helper()
	logger := &mockLogger{}

	registry, err := breaker.NewRegistry(breaker.Config{
		Threshold:    3,
		ResetTimeout: time.Minute,
		Classify:     func(err error) bool { return err != nil },
		Logger:       logger,
	})
	require.NoError(t, err)

	gate, err := risk.New(risk.Config{
		MaxDailyLoss: 100,
		MaxPerTrade:  1000,
		MaxPositions: 3,
		CoolDown:     time.Minute,
		Store:        memstore.New(memstore.Config{MaxOpen: 3}),
		Audit:        &mockAudit{},
		Breakers:     registry,
		Logger:       logger,
	})
	require.NoError(t, err)

	supervisor, err := feed.New(feed.Config{
		Transport: stubTransport{},
		Symbols:   []string{"ETHUSDT"},
		Logger:    logger,
	})
	require.NoError(t, err)

	svc, err := NewService(Config{
		Logger:        logger,
		Gate:          gate,
		Supervisor:    supervisor,
		Breakers:      registry,
		Prober:        opts.prober,
		HTTP:          opts.http,
		ProbeInterval: opts.probeInterval,
		ProbeTimeout:  100 * time.Millisecond,
		Clock:         opts.clock,
	})
	require.NoError(t, err)

	return &serviceFixture{svc: svc, gate: gate, registry: registry, logger: logger}
}

func TestNewServiceValidation(t *testing.T) {
	logger := &mockLogger{}
	registry, err := breaker.NewRegistry(breaker.Config{
		Threshold:    3,
		ResetTimeout: time.Minute,
		Classify:     func(err error) bool { return err != nil },
		Logger:       logger,
	})
	require.NoError(t, err)
	gate, err := risk.New(risk.Config{
		MaxDailyLoss: 100,
		MaxPerTrade:  1000,
		MaxPositions: 3,
		Store:        memstore.New(memstore.Config{}),
		Audit:        &mockAudit{},
		Breakers:     registry,
		Logger:       logger,
	})
	require.NoError(t, err)
	supervisor, err := feed.New(feed.Config{Transport: stubTransport{}, Logger: logger})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{Logger: logger, Gate: gate, Supervisor: supervisor},
		},
		{
			name:    "missing logger",
			cfg:     Config{Gate: gate, Supervisor: supervisor},
			wantErr: true,
		},
		{
			name:    "missing gate",
			cfg:     Config{Logger: logger, Supervisor: supervisor},
			wantErr: true,
		},
		{
			name:    "missing supervisor",
			cfg:     Config{Logger: logger, Gate: gate},
			wantErr: true,
		},
		{
			name:    "prober without breakers",
			cfg:     Config{Logger: logger, Gate: gate, Supervisor: supervisor, Prober: &mockProber{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ports.ErrConfigurationError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "venue", svc.cfg.VenueDependency)
			assert.Equal(t, 30*time.Second, svc.cfg.ProbeInterval)
			assert.Equal(t, 10*time.Second, svc.cfg.ProbeTimeout)
		})
	}
}

func TestUntilNextDailyReset(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{
			name: "mid afternoon",
			now:  time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC),
			want: 5*time.Hour + 30*time.Minute,
		},
		{
			name: "exactly midnight waits a full day",
			now:  time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
			want: 24 * time.Hour,
		},
		{
			name: "non-UTC input is normalized",
			now:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.FixedZone("X", 2*60*60)),
			want: 14 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, untilNextDailyReset(tt.now))
		})
	}
}

func TestStartAndGracefulShutdown(t *testing.T) {
	f := setupService(t, serviceOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return f.svc.supervisor.Health().Connected
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}

	assert.False(t, f.svc.supervisor.Health().Connected)
	assert.True(t, f.logger.hasInfo("Safety core stopped"))
}

func TestProbeLoopTripsBreakerOnVenueFailures(t *testing.T) {
	prober := &mockProber{
		pingErr:    errors.New("venue down"),
		serverTime: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f := setupService(t, serviceOpts{prober: prober, probeInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return f.registry.IsOpen("venue")
	}, time.Second, 5*time.Millisecond, "repeated probe failures should open the venue breaker")

	assert.Eventually(t, func() bool {
		return f.logger.hasDebug("Venue probe skipped, breaker open")
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.logger.hasInfo("Venue time synchronized"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}
}

func TestStartFailsWhenHTTPListenerFails(t *testing.T) {
	// Occupy a port so the server cannot bind it.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	logger := &mockLogger{}
	registry, err := breaker.NewRegistry(breaker.Config{
		Threshold:    3,
		ResetTimeout: time.Minute,
		Classify:     func(err error) bool { return err != nil },
		Logger:       logger,
	})
	require.NoError(t, err)
	gate, err := risk.New(risk.Config{
		MaxDailyLoss: 100,
		MaxPerTrade:  1000,
		MaxPositions: 3,
		Store:        memstore.New(memstore.Config{MaxOpen: 3}),
		Audit:        &mockAudit{},
		Breakers:     registry,
		Logger:       logger,
	})
	require.NoError(t, err)

	httpSrv, err := httpapi.NewServer(httpapi.Config{
		Addr:   lis.Addr().String(),
		Gate:   gate,
		Logger: logger,
	})
	require.NoError(t, err)

	supervisor, err := feed.New(feed.Config{Transport: stubTransport{}, Logger: logger})
	require.NoError(t, err)

	svc, err := NewService(Config{
		Logger:     logger,
		Gate:       gate,
		Supervisor: supervisor,
		HTTP:       httpSrv,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http server failed")
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after HTTP listen failure")
	}
}

func TestDailyResetFiresAtUTCMidnight(t *testing.T) {
	// A frozen clock a few milliseconds before midnight makes the reset
	// timer fire almost immediately.
	frozen := time.Date(2025, 3, 10, 23, 59, 59, int(995*time.Millisecond), time.UTC)
	f := setupService(t, serviceOpts{clock: func() time.Time { return frozen }})

	f.gate.RecordTradeClose(context.Background(), "ETHUSDT", -50)
	require.Equal(t, -50.0, f.gate.Status(context.Background()).DailyPnL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return f.gate.Status(context.Background()).DailyPnL == 0
	}, time.Second, 5*time.Millisecond, "daily PnL should be zeroed at the day boundary")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}
}
