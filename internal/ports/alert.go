package ports

import "context"

// AlertSeverity ranks operator notifications.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alerter notifies an operator about events that need human attention,
// such as kill switch activation, audit write failures, or queue overflow.
type Alerter interface {
	// Alert delivers a message to the operator channel. Implementations must
	// not block the caller beyond what the context allows.
	Alert(ctx context.Context, severity AlertSeverity, msg string, fields map[string]interface{}) error
}
