package ports

import (
	"errors"

	"thresholdBot/internal/domain"
)

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

	// Engine Errors
	ErrFeedUnavailable   = errors.New("price feed unavailable")
	ErrConfigInvalid     = domain.ErrInvalidConfig
	ErrOrderSubmitFailed = errors.New("order submission failed")
	ErrOrderTimedOut     = errors.New("order did not reach a terminal state in time")
	ErrLedgerWriteFailed = errors.New("trade ledger write failed")
	ErrRiskLimit         = errors.New("risk limit prevents trading")
	ErrTradingDisabled   = errors.New("trading disabled for user")
	ErrUserNotFound      = errors.New("user account not found")
	ErrLoopHalted        = errors.New("trading loop halted")
	ErrMissingCredential = errors.New("exchange credentials unavailable")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrDuplicateOrder       = errors.New("order with this client id already exists")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
)

// IsRetryable reports whether an exchange error may succeed on a later attempt
// without any change to the request.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidAPIKeys),
		errors.Is(err, ErrOrderPlacementFailed),
		errors.Is(err, ErrContextCanceled):
		return false
	default:
		return true
	}
}
