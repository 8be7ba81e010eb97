package domain

import "time"

// AuditSchemaVersion is stamped into every audit record so that readers
// can evolve alongside the on-disk format.
const AuditSchemaVersion = 1

// RiskSnapshot captures the gate's risk state at the moment a decision was
// made. It is embedded in every audit record and never updated afterwards.
type RiskSnapshot struct {
	KillSwitchActive bool    `json:"kill_switch_active"`
	DailyPnL         float64 `json:"daily_pnl"`
	// OpenPositions is -1 when the position store could not be read.
	OpenPositions int        `json:"open_positions"`
	CoolDownUntil *time.Time `json:"cool_down_until,omitempty"`
}

// AuditEvent is an immutable record of a single gate decision or
// administrative action. Created once, persisted append-only, never
// mutated or deleted.
type AuditEvent struct {
	ID            string       `json:"id"`
	SchemaVersion int          `json:"schema_version"`
	Kind          EventKind    `json:"kind"`
	Timestamp     time.Time    `json:"timestamp"` // always UTC
	Symbol        string       `json:"symbol,omitempty"`
	Side          Side         `json:"side,omitempty"`
	Approved      bool         `json:"approved"`
	Reason        RejectReason `json:"reason,omitempty"`
	// Note carries the administrative context for kill switch events,
	// e.g. the activation reason. Empty for trade decisions.
	Note string       `json:"note,omitempty"`
	Risk RiskSnapshot `json:"risk"`
}
