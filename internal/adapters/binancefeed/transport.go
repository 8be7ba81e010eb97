// Package binancefeed adapts the go-binance futures API to the feed and
// probe ports. The stream transport bridges go-binance's callback-style
// aggregate trade streams into the FeedConn channel contract; the prober
// wraps the REST connectivity endpoints.
package binancefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Transport implements ports.FeedTransport over Binance aggregate trade
// streams. Dial returns a connection shell; each Subscribe starts one
// stream, so a venue outage surfaces as a Subscribe error during the
// supervisor's connect.
type Transport struct {
	logger ports.Logger
}

// TransportConfig holds configuration for the stream transport.
type TransportConfig struct {
	// UseTestnet switches the stream endpoints. go-binance exposes this
	// only as a package-level toggle.
	UseTestnet bool
	Logger     ports.Logger
}

// NewTransport creates a stream transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for Binance feed", ports.ErrConfigurationError)
	}
	if cfg.UseTestnet {
		futures.UseTestnet = true
		cfg.Logger.Info(context.Background(), "Binance feed configured for Testnet")
	}
	return &Transport{logger: cfg.Logger}, nil
}

// Dial returns a fresh connection. No network traffic happens until the
// first Subscribe.
func (t *Transport) Dial(ctx context.Context) (ports.FeedConn, error) {
	return &streamConn{
		logger:   t.logger,
		msgs:     make(chan domain.Tick, 256),
		errs:     make(chan error, 4),
		closedCh: make(chan struct{}),
		stops:    make(map[string]chan struct{}),
	}, nil
}

// streamConn is one logical feed connection composed of per-symbol
// aggregate trade streams.
//
// The message channel is never closed: go-binance owns the handler
// goroutines, so there is no single point where closing it would be safe.
// End of stream is reported through Errs instead.
type streamConn struct {
	logger ports.Logger

	msgs     chan domain.Tick
	errs     chan error
	closedCh chan struct{}

	mu     sync.Mutex
	stops  map[string]chan struct{}
	closed bool
}

// Subscribe starts the aggregate trade stream for the symbol. Subscribing
// a symbol twice is a no-op.
func (c *streamConn) Subscribe(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: connection is closed", ports.ErrFeedClosed)
	}
	if _, ok := c.stops[symbol]; ok {
		return nil
	}

	handler := func(event *futures.WsAggTradeEvent) {
		tick, err := translateAggTrade(event)
		if err != nil {
			c.logger.Warn(context.Background(), "Dropping untranslatable trade event", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			return
		}
		select {
		case c.msgs <- tick:
		case <-c.closedCh:
		}
	}
	errHandler := func(err error) {
		c.fail(fmt.Errorf("%w: %s stream: %v", ports.ErrConnectionFailed, symbol, err))
	}

	doneC, stopC, err := futures.WsAggTradeServe(symbol, handler, errHandler)
	if err != nil {
		return fmt.Errorf("%w: start %s stream: %v", ports.ErrConnectionFailed, symbol, err)
	}
	c.stops[symbol] = stopC
	c.logger.Info(context.Background(), "Subscribed to aggregate trade stream", map[string]interface{}{"symbol": symbol})

	// A stream that ends on its own is a failure; one stopped by Close is
	// not.
	go func() {
		<-doneC
		select {
		case <-c.closedCh:
		default:
			c.fail(fmt.Errorf("%w: %s stream ended", ports.ErrConnectionFailed, symbol))
		}
	}()
	return nil
}

func (c *streamConn) Messages() <-chan domain.Tick { return c.msgs }

func (c *streamConn) Errs() <-chan error { return c.errs }

// Close stops every stream. Idempotent.
func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	for symbol, stopC := range c.stops {
		close(stopC)
		delete(c.stops, symbol)
	}
	return nil
}

func (c *streamConn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// translateAggTrade converts a go-binance aggregate trade event into a
// domain tick.
func translateAggTrade(event *futures.WsAggTradeEvent) (domain.Tick, error) {
	if event == nil {
		return domain.Tick{}, errors.New("nil aggregate trade event")
	}
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("parse price %q: %w", event.Price, err)
	}
	qty, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("parse quantity %q: %w", event.Quantity, err)
	}

	ts := event.TradeTime
	if ts == 0 {
		ts = event.Time
	}
	return domain.Tick{
		Symbol:   event.Symbol,
		Price:    price,
		Quantity: qty,
		Time:     time.UnixMilli(ts).UTC(),
	}, nil
}
