package session

import "errors"

// Expected, client-recoverable conditions. Each carries a stable code at the
// transport layer; anything else that escapes the service is treated as an
// infrastructure failure and surfaced generically.
var (
	ErrInvalidCredentials   = errors.New("session: invalid credentials")
	ErrAccountInactive      = errors.New("session: account inactive")
	ErrRateLimited          = errors.New("session: rate limited")
	ErrSingleDeviceConflict = errors.New("session: active session exists")
	ErrTokenNotFound        = errors.New("session: refresh token not found")
	ErrTokenExpired         = errors.New("session: refresh token expired")
	ErrDeviceMismatch       = errors.New("session: refresh token device mismatch")
	ErrUserAgentMismatch    = errors.New("session: refresh token user-agent mismatch")
	ErrIPMismatch           = errors.New("session: refresh token ip mismatch")
	ErrDeviceRequired       = errors.New("session: device id required")
)

// ErrNotFound is the store-level miss shared by credential and token lookups.
var ErrNotFound = errors.New("session: not found")

// errRotationConflict is returned by TokenStore.Rotate when the conditional
// revoke of the predecessor touched no row, i.e. a concurrent rotation or
// revocation won. The service maps it to ErrTokenNotFound.
var errRotationConflict = errors.New("session: rotation conflict")

// Code maps a taxonomy error to its stable wire code. Unknown errors map to
// the generic internal code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "INVALID_CREDENTIALS"
	case errors.Is(err, ErrAccountInactive):
		return "ACCOUNT_INACTIVE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrSingleDeviceConflict):
		return "SINGLE_DEVICE_CONFLICT"
	case errors.Is(err, ErrTokenNotFound):
		return "TOKEN_NOT_FOUND"
	case errors.Is(err, ErrTokenExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrDeviceMismatch):
		return "DEVICE_MISMATCH"
	case errors.Is(err, ErrUserAgentMismatch):
		return "UA_MISMATCH"
	case errors.Is(err, ErrIPMismatch):
		return "IP_MISMATCH"
	case errors.Is(err, ErrDeviceRequired):
		return "DEVICE_REQUIRED"
	default:
		return "INTERNAL"
	}
}
