package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// feedServer is a scripted websocket venue: it records what the client
// sends and pushes whatever frames the test asks for.
type feedServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	clientMsgs [][]byte
	current    *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	s := &feedServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.current = conn
		s.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.clientMsgs = append(s.clientMsgs, msg)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// url converts http:// to ws://
func (s *feedServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *feedServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		s.mu.Lock()
		conn = s.current
		s.mu.Unlock()
		return conn != nil
	}, 2*time.Second, 5*time.Millisecond, "client never connected")
	return conn
}

func (s *feedServer) push(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, s.conn(t).WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *feedServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.clientMsgs...)
}

type testFrame struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Qty    float64 `json:"q"`
}

func decodeFrame(raw []byte) ([]domain.Tick, error) {
	var f testFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Symbol == "" {
		return nil, errors.New("missing symbol")
	}
	return []domain.Tick{{Symbol: f.Symbol, Price: f.Price, Quantity: f.Qty, Time: time.Now().UTC()}}, nil
}

func testTransport(t *testing.T, s *feedServer, mutate func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		URL:    s.url(),
		Decode: decodeFrame,
		Logger: &mockLogger{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	return tr
}

func dialConn(t *testing.T, tr *Transport) ports.FeedConn {
	t.Helper()
	conn, err := tr.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recvTick(t *testing.T, conn ports.FeedConn) domain.Tick {
	t.Helper()
	select {
	case tick, ok := <-conn.Messages():
		require.True(t, ok, "message channel closed early")
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return domain.Tick{}
	}
}

func TestNewTransportValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }},
		{name: "missing decoder", mutate: func(c *Config) { c.Decode = nil }},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{URL: "ws://localhost/stream", Decode: decodeFrame, Logger: &mockLogger{}}
			tt.mutate(&cfg)
			tr, err := NewTransport(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ports.ErrConfigurationError))
			assert.Nil(t, tr)
		})
	}
}

func TestDialFailsWhenVenueUnreachable(t *testing.T) {
	tr, err := NewTransport(Config{
		URL:    "ws://127.0.0.1:1/stream",
		Decode: decodeFrame,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	conn, err := tr.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrConnectionFailed))
	assert.Nil(t, conn)
}

func TestReceiveTicksInOrder(t *testing.T) {
	s := newFeedServer(t)
	conn := dialConn(t, testTransport(t, s, nil))

	s.push(t, `{"s":"ETHUSDT","p":2000.5,"q":1.5}`)
	s.push(t, `{"s":"ETHUSDT","p":2001.0,"q":0.2}`)
	s.push(t, `{"s":"BTCUSDT","p":40000.0,"q":0.01}`)

	first := recvTick(t, conn)
	assert.Equal(t, "ETHUSDT", first.Symbol)
	assert.Equal(t, 2000.5, first.Price)
	assert.Equal(t, 1.5, first.Quantity)

	assert.Equal(t, 2001.0, recvTick(t, conn).Price)
	assert.Equal(t, "BTCUSDT", recvTick(t, conn).Symbol)
}

func TestUndecodableFrameIsSkipped(t *testing.T) {
	s := newFeedServer(t)
	conn := dialConn(t, testTransport(t, s, nil))

	s.push(t, `not json at all`)
	s.push(t, `{"s":"ETHUSDT","p":2000.5,"q":1.5}`)

	// The bad frame is dropped; the stream stays alive.
	tick := recvTick(t, conn)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
}

func TestSubscribeSendsVenueMessage(t *testing.T) {
	s := newFeedServer(t)
	tr := testTransport(t, s, func(c *Config) {
		c.SubscribeMsg = func(symbol string) ([]byte, error) {
			return []byte(`{"method":"SUBSCRIBE","params":["` + strings.ToLower(symbol) + `@aggTrade"]}`), nil
		}
	})
	conn := dialConn(t, tr)

	require.NoError(t, conn.Subscribe("ETHUSDT"))

	require.Eventually(t, func() bool {
		return len(s.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["ethusdt@aggTrade"]}`, string(s.received()[0]))
}

func TestSubscribeWithoutBuilderIsNoOp(t *testing.T) {
	s := newFeedServer(t)
	conn := dialConn(t, testTransport(t, s, nil))

	require.NoError(t, conn.Subscribe("ETHUSDT"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.received())
}

func TestServerDropSurfacesErrorAndEndsStream(t *testing.T) {
	s := newFeedServer(t)
	conn := dialConn(t, testTransport(t, s, nil))

	s.conn(t).Close()

	select {
	case err := <-conn.Errs():
		assert.True(t, errors.Is(err, ports.ErrConnectionFailed))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport error")
	}

	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok, "message channel should be closed after drop")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message channel to close")
	}
}

func TestCloseIsDeliberateNotAnError(t *testing.T) {
	s := newFeedServer(t)
	conn := dialConn(t, testTransport(t, s, nil))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message channel to close")
	}

	// A deliberate close reports no transport error.
	select {
	case err := <-conn.Errs():
		t.Fatalf("unexpected transport error after close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Subscribing after close fails cleanly.
	err := conn.Subscribe("ETHUSDT")
	assert.True(t, errors.Is(err, ports.ErrFeedClosed))
}
