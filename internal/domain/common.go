package domain

import "fmt"

// Side represents the side of a proposed trade (BUY or SELL).
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide validates a raw side string against the known trade sides.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Buy, Sell:
		return Side(s), nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// RejectReason identifies which gate check rejected a trade request.
// An approved request carries ReasonNone.
type RejectReason string

const (
	ReasonNone            RejectReason = ""
	ReasonKillSwitch      RejectReason = "KILL_SWITCH"
	ReasonDailyLossLimit  RejectReason = "DAILY_LOSS_LIMIT"
	ReasonPerTradeLimit   RejectReason = "PER_TRADE_LIMIT"
	ReasonMaxPositions    RejectReason = "MAX_POSITIONS"
	ReasonDuplicateSymbol RejectReason = "DUPLICATE_SYMBOL"
	ReasonCoolDown        RejectReason = "COOL_DOWN"
	ReasonCircuitOpen     RejectReason = "CIRCUIT_OPEN"
)

// EventKind enumerates the audit trail record kinds.
type EventKind string

const (
	EventTradeApproved         EventKind = "TRADE_APPROVED"
	EventTradeRejected         EventKind = "TRADE_REJECTED"
	EventKillSwitchActivated   EventKind = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchDeactivated EventKind = "KILL_SWITCH_DEACTIVATED"
)
