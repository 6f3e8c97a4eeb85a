package consent

import "errors"

var (
	ErrNotFound              = errors.New("consent not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrMissingValue          = errors.New("missing mandatory value")
	ErrInvalidExpiration     = errors.New("the expiration date time is invalid")
	ErrUserMismatch          = errors.New("requested user and consent user do not match")
	ErrCorruptHistory        = errors.New("stored amendment history is corrupt")
	// ErrTokenRevocation is returned after the consent mutation has been
	// committed; the state change stands even when this error is reported.
	ErrTokenRevocation = errors.New("token revocation request failed")
)
