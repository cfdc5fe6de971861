package oauth

import "errors"

var (
	// ErrStateNotFound signals an absent or already consumed PKCE state.
	ErrStateNotFound = errors.New("oauth: state not found")
	// ErrStateExpired indicates the PKCE state outlived its five minute window.
	ErrStateExpired = errors.New("oauth: state expired")
	// ErrIntegrityMismatch indicates the state row failed its keyed-hash check.
	ErrIntegrityMismatch = errors.New("oauth: state integrity mismatch")
	// ErrUserMismatch indicates the state belongs to a different user. Treated
	// as a potential authorization-code injection, not a plain validation miss.
	ErrUserMismatch = errors.New("oauth: state user mismatch")
	// ErrTokenNotFound signals that no token record exists for the server.
	ErrTokenNotFound = errors.New("oauth: token not found")
	// ErrServerNotFound signals an unknown server integration.
	ErrServerNotFound = errors.New("oauth: server not found")
	// ErrRefreshTokenReuse indicates a consumed refresh token was presented
	// again. The stored record is revoked when this is returned.
	ErrRefreshTokenReuse = errors.New("oauth: refresh token reuse detected")
	// ErrOwnershipViolation indicates the caller does not own the server.
	ErrOwnershipViolation = errors.New("oauth: server not owned by user")
	// ErrTokenEndpoint wraps non-2xx or malformed token endpoint responses.
	ErrTokenEndpoint = errors.New("oauth: token endpoint error")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
)
