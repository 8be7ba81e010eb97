// Package risk implements the gate every trade request must pass before an
// order may be placed. The gate runs a fixed sequence of safety checks and
// records each decision in the audit trail.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/domain"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
)

// Config holds the gate's limits and collaborators.
type Config struct {
	// MaxDailyLoss is the daily loss limit in quote currency. Must be > 0.
	MaxDailyLoss float64
	// MaxPerTrade caps the notional of a single trade. Must be > 0.
	MaxPerTrade float64
	// MaxPositions caps concurrently open positions. Must be >= 1.
	MaxPositions int
	// CoolDown is how long the gate pauses trading after a losing close.
	CoolDown time.Duration
	// VenueDependency names the circuit breaker consulted by the upstream
	// health check. Defaults to "venue".
	VenueDependency string

	Store    ports.PositionStore
	Audit    ports.AuditSink
	Breakers *breaker.Registry
	Logger   ports.Logger
	// Alerter is told about kill switch activations. Optional.
	Alerter ports.Alerter
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Gate evaluates trade requests against the configured safety rules.
//
// All risk state (kill switch, cool-down, daily PnL) lives behind one mutex
// that is held for a complete evaluation including the audit append, so
// concurrent callers serialize and the trail's order matches the decision
// order. Lock order is gate mutex first, audit internals second, never the
// reverse.
type Gate struct {
	cfg    Config
	store  ports.PositionStore
	audit  ports.AuditSink
	logger ports.Logger
	clock  func() time.Time

	mu               sync.Mutex
	killSwitchActive bool
	killSwitchReason string
	coolDownUntil    *time.Time
	dailyPnL         float64
}

// Status is a point-in-time snapshot of the gate's risk state.
type Status struct {
	KillSwitchActive bool       `json:"kill_switch_active"`
	KillSwitchReason string     `json:"kill_switch_reason,omitempty"`
	DailyPnL         float64    `json:"daily_pnl"`
	OpenPositions    int        `json:"open_positions"`
	CoolDownUntil    *time.Time `json:"cool_down_until,omitempty"`
}

// New creates a Gate and seeds the daily PnL from positions already closed
// today, so a restart mid-session keeps the loss limit accurate.
func New(cfg Config) (*Gate, error) {
	if cfg.MaxDailyLoss <= 0 {
		return nil, fmt.Errorf("%w: max daily loss must be positive", ports.ErrConfigurationError)
	}
	if cfg.MaxPerTrade <= 0 {
		return nil, fmt.Errorf("%w: max per-trade notional must be positive", ports.ErrConfigurationError)
	}
	if cfg.MaxPositions < 1 {
		return nil, fmt.Errorf("%w: max positions must be at least 1", ports.ErrConfigurationError)
	}
	if cfg.CoolDown < 0 {
		return nil, fmt.Errorf("%w: cooldown cannot be negative", ports.ErrConfigurationError)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: position store is required", ports.ErrConfigurationError)
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("%w: audit sink is required", ports.ErrConfigurationError)
	}
	if cfg.Breakers == nil {
		return nil, fmt.Errorf("%w: breaker registry is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.VenueDependency == "" {
		cfg.VenueDependency = "venue"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	g := &Gate{
		cfg:    cfg,
		store:  cfg.Store,
		audit:  cfg.Audit,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}

	seeded, err := g.store.RealizedPnL(context.Background(), g.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("seed daily pnl: %w", err)
	}
	g.dailyPnL = seeded
	metrics.SetKillSwitch(false)
	g.updateLossGauge()

	return g, nil
}

// Evaluate runs the safety checks for a trade request in fixed order and
// returns the decision. Every decision, approved or rejected, produces
// exactly one audit record before Evaluate returns.
//
// A non-nil error means no decision was made: the request was malformed or
// the position store could not be read. Those paths write no audit record.
func (g *Gate) Evaluate(ctx context.Context, symbol string, notional float64, side domain.Side, strategyID string) (bool, domain.RejectReason, error) {
	started := g.clock()

	if symbol == "" {
		return false, domain.ReasonNone, fmt.Errorf("%w: symbol is required", ports.ErrInvalidRequest)
	}
	if notional <= 0 {
		return false, domain.ReasonNone, fmt.Errorf("%w: notional must be positive, got %f", ports.ErrInvalidRequest, notional)
	}
	if side != domain.Buy && side != domain.Sell {
		return false, domain.ReasonNone, fmt.Errorf("%w: unknown side %q", ports.ErrInvalidRequest, side)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Check 1: kill switch. SELL passes so exposure can still be flattened
	// during a halt.
	if g.killSwitchActive && side == domain.Buy {
		return g.reject(ctx, started, symbol, side, domain.ReasonKillSwitch)
	}

	// Check 2: daily loss limit on the realized running total. Reaching
	// the limit counts as a breach. Only BUY is held to it, for the same
	// reason as check 1. A breach also trips the kill switch so the halt
	// outlives this request.
	if side == domain.Buy && g.dailyPnL <= -g.cfg.MaxDailyLoss {
		g.activateKillSwitchLocked(ctx, fmt.Sprintf("daily loss limit breached: pnl %.2f, limit %.2f", g.dailyPnL, g.cfg.MaxDailyLoss), domain.ReasonDailyLossLimit)
		return g.reject(ctx, started, symbol, side, domain.ReasonDailyLossLimit)
	}

	// Check 3: per-trade notional cap.
	if notional > g.cfg.MaxPerTrade {
		return g.reject(ctx, started, symbol, side, domain.ReasonPerTradeLimit)
	}

	// Checks 4 and 5 read the store; a store that cannot answer makes the
	// request undecidable and fails closed without an audit record.
	openCount, err := g.store.OpenCount(ctx)
	if err != nil {
		return false, domain.ReasonNone, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
	}

	// Check 4: position slots. SELL reduces exposure and always passes.
	if side == domain.Buy && openCount >= g.cfg.MaxPositions {
		return g.reject(ctx, started, symbol, side, domain.ReasonMaxPositions)
	}

	// Check 5: one position per symbol.
	if side == domain.Buy {
		held, err := g.store.HasOpen(ctx, symbol)
		if err != nil {
			return false, domain.ReasonNone, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
		}
		if held {
			return g.reject(ctx, started, symbol, side, domain.ReasonDuplicateSymbol)
		}
	}

	// Check 6: cool-down after a losing close.
	if g.coolDownUntil != nil && g.clock().Before(*g.coolDownUntil) {
		return g.reject(ctx, started, symbol, side, domain.ReasonCoolDown)
	}

	// Check 7: upstream venue health.
	if g.cfg.Breakers.IsOpen(g.cfg.VenueDependency) {
		return g.reject(ctx, started, symbol, side, domain.ReasonCircuitOpen)
	}

	// Check 8: all clear.
	return g.approve(ctx, started, symbol, side, strategyID)
}

// approve is one of the gate's two terminal paths. For a BUY it claims the
// position slot while the mutex is still held, so concurrent evaluations
// can never admit more entries than there are slots. It writes the audit
// record before returning.
func (g *Gate) approve(ctx context.Context, started time.Time, symbol string, side domain.Side, strategyID string) (bool, domain.RejectReason, error) {
	if side == domain.Buy {
		if err := g.store.Reserve(ctx, symbol, strategyID); err != nil {
			switch {
			case errors.Is(err, ports.ErrSlotExhausted):
				return g.reject(ctx, started, symbol, side, domain.ReasonMaxPositions)
			case errors.Is(err, ports.ErrDuplicateEntry):
				return g.reject(ctx, started, symbol, side, domain.ReasonDuplicateSymbol)
			default:
				return false, domain.ReasonNone, fmt.Errorf("%w: %v", ports.ErrStoreUnavailable, err)
			}
		}
	}

	g.appendEvent(ctx, &domain.AuditEvent{
		Kind:     domain.EventTradeApproved,
		Symbol:   symbol,
		Side:     side,
		Approved: true,
		Risk:     g.snapshotLocked(ctx),
	})

	elapsed := g.clock().Sub(started).Seconds()
	metrics.RecordDecision(true, "", elapsed)
	g.logger.Info(ctx, "Trade approved", map[string]interface{}{
		"symbol":   symbol,
		"side":     string(side),
		"strategy": strategyID,
	})
	return true, domain.ReasonNone, nil
}

// reject is the gate's other terminal path. It writes the audit record
// before returning.
func (g *Gate) reject(ctx context.Context, started time.Time, symbol string, side domain.Side, reason domain.RejectReason) (bool, domain.RejectReason, error) {
	g.appendEvent(ctx, &domain.AuditEvent{
		Kind:     domain.EventTradeRejected,
		Symbol:   symbol,
		Side:     side,
		Approved: false,
		Reason:   reason,
		Risk:     g.snapshotLocked(ctx),
	})

	elapsed := g.clock().Sub(started).Seconds()
	metrics.RecordDecision(false, string(reason), elapsed)
	g.logger.Info(ctx, "Trade rejected", map[string]interface{}{
		"symbol": symbol,
		"side":   string(side),
		"reason": string(reason),
	})
	return false, reason, nil
}

// ActivateKillSwitch halts new entries until an explicit deactivation.
// Activating an already-active switch is a no-op and writes no event.
func (g *Gate) ActivateKillSwitch(ctx context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killSwitchActive {
		return nil
	}
	g.activateKillSwitchLocked(ctx, reason, domain.ReasonNone)
	return nil
}

// activateKillSwitchLocked flips the switch, records the event, and alerts.
// Callers must hold g.mu. Idempotent.
func (g *Gate) activateKillSwitchLocked(ctx context.Context, note string, cause domain.RejectReason) {
	if g.killSwitchActive {
		return
	}
	g.killSwitchActive = true
	g.killSwitchReason = note
	metrics.SetKillSwitch(true)

	g.appendEvent(ctx, &domain.AuditEvent{
		Kind:   domain.EventKillSwitchActivated,
		Reason: cause,
		Note:   note,
		Risk:   g.snapshotLocked(ctx),
	})
	g.logger.Warn(ctx, "Kill switch activated", map[string]interface{}{"reason": note})
	if g.cfg.Alerter != nil {
		_ = g.cfg.Alerter.Alert(ctx, ports.SeverityCritical, "kill switch activated", map[string]interface{}{"reason": note})
	}
}

// DeactivateKillSwitch re-enables entries. Deactivating an inactive switch
// is a no-op and writes no event.
func (g *Gate) DeactivateKillSwitch(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.killSwitchActive {
		return nil
	}
	g.killSwitchActive = false
	g.killSwitchReason = ""
	metrics.SetKillSwitch(false)

	g.appendEvent(ctx, &domain.AuditEvent{
		Kind: domain.EventKillSwitchDeactivated,
		Risk: g.snapshotLocked(ctx),
	})
	g.logger.Warn(ctx, "Kill switch deactivated")
	return nil
}

// RecordTradeClose folds a closed trade's PnL into the daily total and
// manages the cool-down: a losing close starts it, a winning close clears
// it. Must be called once per close by the execution layer.
func (g *Gate) RecordTradeClose(ctx context.Context, symbol string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyPnL += pnl
	if pnl < 0 {
		until := g.clock().Add(g.cfg.CoolDown)
		g.coolDownUntil = &until
	} else {
		g.coolDownUntil = nil
	}
	g.updateLossGauge()

	g.logger.Info(ctx, "Trade close recorded", map[string]interface{}{
		"symbol":   symbol,
		"pnl":      pnl,
		"dailyPnL": g.dailyPnL,
	})
}

// ResetDaily zeroes the daily PnL. Called by an external scheduler on the
// calendar boundary; the kill switch and cool-down are deliberately left
// untouched.
func (g *Gate) ResetDaily(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyPnL = 0
	g.updateLossGauge()
	g.logger.Info(ctx, "Daily PnL reset")
}

// Status reports the gate's risk state for the status API and operator
// tooling.
func (g *Gate) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.snapshotLocked(ctx)
	return Status{
		KillSwitchActive: snap.KillSwitchActive,
		KillSwitchReason: g.killSwitchReason,
		DailyPnL:         snap.DailyPnL,
		OpenPositions:    snap.OpenPositions,
		CoolDownUntil:    snap.CoolDownUntil,
	}
}

// snapshotLocked captures the risk state for an audit record. Callers must
// hold g.mu.
func (g *Gate) snapshotLocked(ctx context.Context) domain.RiskSnapshot {
	open, err := g.store.OpenCount(ctx)
	if err != nil {
		g.logger.Warn(ctx, "Could not read open position count for snapshot", map[string]interface{}{"error": err.Error()})
		open = -1
	}
	var coolDown *time.Time
	if g.coolDownUntil != nil {
		c := *g.coolDownUntil
		coolDown = &c
	}
	return domain.RiskSnapshot{
		KillSwitchActive: g.killSwitchActive,
		DailyPnL:         g.dailyPnL,
		OpenPositions:    open,
		CoolDownUntil:    coolDown,
	}
}

// appendEvent writes an audit record. A failed append is logged and alerted
// by the sink itself; the decision that produced the event stands either
// way, so the error is not propagated.
func (g *Gate) appendEvent(ctx context.Context, event *domain.AuditEvent) {
	event.Timestamp = g.clock().UTC()
	if err := g.audit.Append(ctx, event); err != nil {
		g.logger.Error(ctx, err, "Audit record lost", map[string]interface{}{"kind": string(event.Kind)})
	}
}

// updateLossGauge mirrors the consumed share of the daily loss limit into
// its metric. Callers must hold g.mu.
func (g *Gate) updateLossGauge() {
	var used float64
	if g.dailyPnL < 0 {
		used = -g.dailyPnL / g.cfg.MaxDailyLoss
	}
	metrics.DailyLossFraction.Set(used)
}
