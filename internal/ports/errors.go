package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Feed Specific Errors
	ErrFeedUnavailable  = errors.New("market data feed is unavailable")
	ErrConnectionFailed = errors.New("failed to connect to the feed")
	ErrFeedClosed       = errors.New("feed connection closed")
	ErrRateLimited      = errors.New("API rate limit exceeded")
	ErrStaleFeed        = errors.New("no feed message within the staleness window")

	// Breaker Specific Errors
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// Store Specific Errors
	ErrStoreUnavailable = errors.New("position store is unavailable")
	ErrDuplicateEntry   = errors.New("record already exists")
	ErrSlotExhausted    = errors.New("no position slot available")
	ErrQueryFailed      = errors.New("store query failed")
	ErrUpdateFailed     = errors.New("store update failed")

	// Audit Specific Errors
	ErrAuditWriteFailed = errors.New("audit trail write failed")
)
