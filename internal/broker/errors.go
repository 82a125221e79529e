package broker

import "errors"

var (
	// ErrNotFound indicates a lookup for a scope, provider, or session that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a session operation from a caller that is
	// neither the session owner nor the privileged system identity.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionNotReady indicates a session whose backend handle has not
	// been established yet; creation is still pending.
	ErrSessionNotReady = errors.New("session not ready")
)
