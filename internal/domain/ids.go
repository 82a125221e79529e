// Package domain contains core domain types for the input broker.
package domain

// ScopeID is the isolation boundary under which providers, bindings, and
// sessions are tracked independently. It originates from a user identity.
type ScopeID string

// CallerID identifies the client process that invoked a broker operation.
type CallerID string

// SystemCaller is the privileged identity that may operate on any session.
const SystemCaller CallerID = "system"

// SessionToken is the opaque handle issued to a client for one session.
// Tokens are unique per broker lifetime and never reused.
type SessionToken string
