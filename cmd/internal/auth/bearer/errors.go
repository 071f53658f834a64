package bearer

import "errors"

var (
	// ErrInvalidToken is returned when a credential fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no bearer credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")

	// ErrSigningUnavailable is returned by Issue when only verification keys are configured.
	ErrSigningUnavailable = errors.New("token signing not configured")
)
