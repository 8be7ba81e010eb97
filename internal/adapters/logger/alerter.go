package logger

import (
	"context"

	"tradeguard/internal/ports"
)

// Alerter routes operator alerts through the application logger. It stands
// in for a real paging integration; the severity decides the log level.
type Alerter struct {
	logger ports.Logger
}

// NewAlerter creates a logger-backed Alerter.
func NewAlerter(l ports.Logger) *Alerter {
	return &Alerter{logger: l}
}

// Alert implements ports.Alerter.
func (a *Alerter) Alert(ctx context.Context, severity ports.AlertSeverity, msg string, fields map[string]interface{}) error {
	merged := map[string]interface{}{"severity": string(severity)}
	for k, v := range fields {
		merged[k] = v
	}

	switch severity {
	case ports.SeverityCritical:
		a.logger.Error(ctx, nil, msg, merged)
	case ports.SeverityWarning:
		a.logger.Warn(ctx, msg, merged)
	default:
		a.logger.Info(ctx, msg, merged)
	}
	return nil
}
