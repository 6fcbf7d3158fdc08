package bybit

import (
	"fmt"

	apperrors "tpsl_engine/pkg/errors"
)

// mapRetCode translates a v5 return code into a sentinel error chain.
// https://bybit-exchange.github.io/docs/v5/error
func mapRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10001: // params error
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrInvalidOrderParameter, msg, code)
	case 10002: // request outside the recv window
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrTimestampOutOfBounds, msg, code)
	case 10003, 10004, 10005: // invalid key, bad sign, permission denied
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrAuthenticationFailed, msg, code)
	case 10006, 10018: // too many visits, IP rate limit
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrRateLimitExceeded, msg, code)
	case 10016: // service error
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrSystemOverload, msg, code)
	case 110001: // order does not exist
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrOrderNotFound, msg, code)
	case 110007: // insufficient available balance
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrInsufficientFunds, msg, code)
	case 110072: // orderLinkId is duplicate
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrDuplicateOrderLinkID, msg, code)
	case 110092, 110093: // trigger price does not clear the mark price
		return fmt.Errorf("%w: %s (retCode %d)", apperrors.ErrInvalidOrderParameter, msg, code)
	}

	return fmt.Errorf("bybit error: %s (retCode %d)", msg, code)
}
