package mode

import "errors"

var (
	// ErrInvalidContext wraps every reason a context is rejected.
	ErrInvalidContext = errors.New("invalid mode context")

	ErrMissing       = errors.New("context missing")
	ErrExpired       = errors.New("context expired")
	ErrSuperseded    = errors.New("context superseded by a newer switch")
	ErrRevoked       = errors.New("session revoked")
	ErrForeignNode   = errors.New("context issued by another node")
	ErrFieldMismatch = errors.New("context fields do not match token")

	ErrInvalidMode     = errors.New("unknown mode")
	ErrActorRequired   = errors.New("actor id required")
	ErrSessionRequired = errors.New("session id required")
	ErrSessionOwner    = errors.New("session belongs to another actor")
	ErrProof           = errors.New("confirmation proof rejected")
	ErrSecretTooShort  = errors.New("signing secret must be at least 32 bytes")
)
