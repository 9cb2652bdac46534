package model

import "github.com/rotisserie/eris"

// Sentinel errors for the trigger core. Handlers map these onto HTTP
// status codes; everything else is treated as an internal error.
var (
	// ErrNotFound means the named trigger does not exist. Only surfaced
	// to admin callers; webhook callers get ErrUnauthorized instead so
	// trigger names cannot be enumerated.
	ErrNotFound = eris.New("trigger not found")

	// ErrUnauthorized covers every failed access check: bad or missing
	// token, non-local origin, bad admin secret. Deliberately does not
	// say which check failed.
	ErrUnauthorized = eris.New("unauthorized")

	// ErrValidation means malformed input rejected before any state
	// mutation.
	ErrValidation = eris.New("invalid input")

	// ErrNotReady means the platform has not finished starting yet.
	// Callers hitting a startup race should poll instead of failing.
	ErrNotReady = eris.New("service not ready")
)
