package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradeguard/config"
	"tradeguard/internal/adapters/binancefeed"
	"tradeguard/internal/adapters/httpapi"
	"tradeguard/internal/adapters/logger"
	"tradeguard/internal/adapters/memstore"
	"tradeguard/internal/adapters/sqlite"
	"tradeguard/internal/adapters/wsfeed"
	"tradeguard/internal/app"
	"tradeguard/internal/audit"
	"tradeguard/internal/breaker"
	"tradeguard/internal/domain"
	"tradeguard/internal/feed"
	"tradeguard/internal/ports"
	"tradeguard/internal/risk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger and Alerter
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})
	alerter := logger.NewAlerter(appLogger)

	// 3. Initialize Position Store
	var store ports.PositionStore
	if cfg.DBPath == config.MemoryDBPath {
		store = memstore.New(memstore.Config{MaxOpen: cfg.MaxPositions})
		appLogger.Info(context.Background(), "In-memory position store initialized")
	} else {
		dbStore, err := sqlite.NewStore(sqlite.Config{
			DBPath:  cfg.DBPath,
			MaxOpen: cfg.MaxPositions,
			Logger:  appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position store")
			log.Fatalf("FATAL: Failed to initialize position store: %v", err) // Also log to stderr
		}
		defer func() {
			if err := dbStore.Shutdown(); err != nil {
				appLogger.Error(context.Background(), err, "Error closing position store")
			}
		}()
		store = dbStore
		appLogger.Info(context.Background(), "Position store initialized", map[string]interface{}{"path": cfg.DBPath})
	}

	// 4. Initialize Audit Trail
	trail, err := audit.NewWriter(audit.Config{
		Path:    cfg.AuditPath,
		Logger:  appLogger,
		Alerter: alerter,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize audit trail")
		log.Fatalf("FATAL: Failed to initialize audit trail: %v", err)
	}
	defer func() {
		if err := trail.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing audit trail")
		}
	}()
	appLogger.Info(context.Background(), "Audit trail initialized", map[string]interface{}{"path": cfg.AuditPath})

	// 5. Initialize Circuit Breaker Registry
	registry, err := breaker.NewRegistry(breaker.Config{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
		Classify:     venueFailure,
		Logger:       appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize breaker registry")
		log.Fatalf("FATAL: Failed to initialize breaker registry: %v", err)
	}

	// 6. Initialize Risk Gate
	gate, err := risk.New(risk.Config{
		MaxDailyLoss: cfg.MaxDailyLoss,
		MaxPerTrade:  cfg.MaxPerTrade,
		MaxPositions: cfg.MaxPositions,
		CoolDown:     cfg.CoolDown,
		Store:        store,
		Audit:        trail,
		Breakers:     registry,
		Logger:       appLogger,
		Alerter:      alerter,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk gate")
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}
	appLogger.Info(context.Background(), "Risk gate initialized")

	// 7. Initialize Feed Transport and Venue Prober
	var transport ports.FeedTransport
	var prober ports.Prober
	switch cfg.FeedSource {
	case config.FeedSourceWebsocket:
		transport, err = wsfeed.NewTransport(wsfeed.Config{
			URL:          cfg.FeedURL,
			Decode:       decodeTickFrame,
			SubscribeMsg: subscribeFrame,
			Logger:       appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize websocket feed")
			log.Fatalf("FATAL: Failed to initialize websocket feed: %v", err)
		}
	default:
		transport, err = binancefeed.NewTransport(binancefeed.TransportConfig{
			UseTestnet: cfg.IsTestnet,
			Logger:     appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance feed")
			log.Fatalf("FATAL: Failed to initialize Binance feed: %v", err)
		}
		prober, err = binancefeed.NewProber(binancefeed.ProberConfig{
			APIKey:     cfg.APIKey,
			SecretKey:  cfg.SecretKey,
			UseTestnet: cfg.IsTestnet,
			Logger:     appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance prober")
			log.Fatalf("FATAL: Failed to initialize Binance prober: %v", err)
		}
	}
	appLogger.Info(context.Background(), "Feed transport initialized", map[string]interface{}{"source": cfg.FeedSource})

	// 8. Initialize Connection Supervisor
	supervisor, err := feed.New(feed.Config{
		Transport:   transport,
		Symbols:     cfg.Symbols,
		QueueSize:   cfg.FeedQueueSize,
		StaleAfter:  cfg.FeedStaleAfter,
		BackoffMin:  cfg.FeedBackoffMin,
		BackoffMax:  cfg.FeedBackoffMax,
		StableAfter: cfg.FeedStableAfter,
		Logger:      appLogger,
		Alerter:     alerter,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize feed supervisor")
		log.Fatalf("FATAL: Failed to initialize feed supervisor: %v", err)
	}

	// 9. Initialize Admin HTTP Server
	httpSrv, err := httpapi.NewServer(httpapi.Config{
		Addr:       cfg.HTTPAddr,
		Gate:       gate,
		Breakers:   registry,
		Supervisor: supervisor,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize HTTP API")
		log.Fatalf("FATAL: Failed to initialize HTTP API: %v", err)
	}

	// 10. Initialize Application Service
	svc, err := app.NewService(app.Config{
		Logger:        appLogger,
		Gate:          gate,
		Supervisor:    supervisor,
		Breakers:      registry,
		Prober:        prober,
		HTTP:          httpSrv,
		ProbeInterval: cfg.ProbeInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize application service")
		log.Fatalf("FATAL: Failed to initialize application service: %v", err)
	}
	appLogger.Info(context.Background(), "Application service initialized")

	// 11. Run until shutdown
	if err := svc.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// venueFailure reports whether an error indicates venue ill-health. Caller
// mistakes and cancelled contexts never trip the breaker.
func venueFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ports.ErrContextCanceled) || errors.Is(err, ports.ErrInvalidRequest) {
		return false
	}
	return true
}

// tickFrame is the JSON shape the generic websocket source expects: the
// aggTrade layout most venue streams can be bridged to.
type tickFrame struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func decodeTickFrame(raw []byte) ([]domain.Tick, error) {
	var frame tickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: decode tick frame: %v", ports.ErrInvalidRequest, err)
	}
	if frame.Symbol == "" || frame.Price == "" {
		// Heartbeats and subscription acks carry no tick payload.
		return nil, nil
	}

	price, err := strconv.ParseFloat(frame.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: tick price %q: %v", ports.ErrInvalidRequest, frame.Price, err)
	}
	var quantity float64
	if frame.Quantity != "" {
		quantity, err = strconv.ParseFloat(frame.Quantity, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: tick quantity %q: %v", ports.ErrInvalidRequest, frame.Quantity, err)
		}
	}
	ts := time.Now().UTC()
	if frame.TradeTime > 0 {
		ts = time.UnixMilli(frame.TradeTime).UTC()
	}

	return []domain.Tick{{Symbol: frame.Symbol, Price: price, Quantity: quantity, Time: ts}}, nil
}

func subscribeFrame(symbol string) ([]byte, error) {
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(symbol) + "@aggTrade"},
	}
	return json.Marshal(msg)
}
