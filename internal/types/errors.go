package types

import "errors"

// Sentinel errors for the trading system.
var (
	// Order errors
	ErrDuplicateOrder   = errors.New("duplicate order id")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderTimeout     = errors.New("order timeout")
	ErrOrderRejected    = errors.New("order rejected by broker")
	ErrInvalidOrderSize = errors.New("invalid order size")
	ErrOrderTerminal    = errors.New("order already in terminal state")

	// Position errors
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("active position already exists for symbol")
	ErrPositionMismatch = errors.New("net position disagrees with tracker")

	// Data errors
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrATRUnavailable   = errors.New("atr unavailable")
	ErrStaleData        = errors.New("market data is stale")

	// Connection errors
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrRateLimited       = errors.New("rate limited by broker")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Retryable reports whether an operation that failed with err may be retried
// at the operation layer. Everything else is terminal for the attempt.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrOrderTimeout):
		return true
	default:
		return false
	}
}
