package apperrors

import "errors"

// Standardized exchange errors. The exchange adapter maps venue return
// codes onto these; everything above it classifies with errors.Is.
var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrderLinkID  = errors.New("duplicate order link id")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrPositionNotFound      = errors.New("position not found")
)

// Engine-internal errors.
var (
	ErrMonitorNotFound     = errors.New("monitor not found")
	ErrMonitorExists       = errors.New("monitor already exists")
	ErrEngineDisabled      = errors.New("enhanced tp/sl engine disabled")
	ErrPersistenceDegraded = errors.New("persistence degraded")
	ErrPassTimeout         = errors.New("monitor pass exceeded deadline")
)

// Category is the coarse outcome class of an exchange operation. Retry and
// rebalance logic branch on the category, never on raw venue codes.
type Category int

const (
	OK Category = iota
	AlreadyGone
	DuplicateLinkID
	RateLimited
	Transient
	Fatal
)

func (c Category) String() string {
	switch c {
	case OK:
		return "OK"
	case AlreadyGone:
		return "ALREADY_GONE"
	case DuplicateLinkID:
		return "DUPLICATE_LINK_ID"
	case RateLimited:
		return "RATE_LIMITED"
	case Transient:
		return "TRANSIENT"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Classify maps an error chain to its Category.
//
// Unrecognized errors classify as Transient: the exchange surface produces
// them for I/O-shaped failures (timeouts, resets, 5xx bodies we could not
// decode) and retrying is the safe default for those.
func Classify(err error) Category {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrPositionNotFound):
		return AlreadyGone
	case errors.Is(err, ErrDuplicateOrderLinkID):
		return DuplicateLinkID
	case errors.Is(err, ErrRateLimitExceeded):
		return RateLimited
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrTimestampOutOfBounds):
		return Transient
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrInsufficientFunds):
		return Fatal
	default:
		return Transient
	}
}

// IsRetryable reports whether the backoff loop should try again.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == Transient || c == RateLimited
}

// IsAlreadyGone reports whether the order or position no longer exists on
// the venue. Cancels treat this as success.
func IsAlreadyGone(err error) bool {
	return Classify(err) == AlreadyGone
}
