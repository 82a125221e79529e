// Package provider defines the collaborator interfaces the broker core
// needs from provider backends: the backend service surface, the process
// binder that starts and stops backends, and the registry that enumerates
// available providers per scope.
package provider

import (
	"context"

	"github.com/telecast-labs/inputbroker/internal/channelpair"
	"github.com/telecast-labs/inputbroker/internal/domain"
)

// SessionCallback receives the outcome of an asynchronous session creation.
// It is invoked exactly once, with a nil Session when creation failed.
type SessionCallback func(s Session)

// EventSink receives availability events from a connected backend.
type EventSink interface {
	OnAvailabilityChanged(providerID string, available bool)
}

// Service is the surface a connected provider backend exposes to the broker.
// All operations may fail with a transport error; the broker logs and
// continues.
type Service interface {
	// CreateSession asynchronously negotiates a new session. The backend
	// keeps serviceEnd for media delivery and eventually invokes cb with the
	// created session, or with nil on failure. cb must never be invoked
	// before CreateSession returns: the broker completes it under its state
	// lock. A non-nil error means the request could not even be issued; cb
	// will not be invoked in that case.
	CreateSession(ctx context.Context, serviceEnd *channelpair.Endpoint, cb SessionCallback) error

	// RegisterCallback subscribes sink to availability changes.
	RegisterCallback(ctx context.Context, sink EventSink) error

	// UnregisterCallback removes a previously registered sink.
	UnregisterCallback(ctx context.Context, sink EventSink) error
}

// Session is one established backend session.
type Session interface {
	Release(ctx context.Context) error
	SetSurface(ctx context.Context, surface string) error
	SetVolume(ctx context.Context, volume float64) error
	Tune(ctx context.Context, channelID int64) error
	CreateOverlayView(ctx context.Context, viewToken string, frame domain.Rect) error
	RelayoutOverlayView(ctx context.Context, frame domain.Rect) error
	RemoveOverlayView(ctx context.Context) error
}

// ConnectionEvents is how a Binder reports connection transitions back to
// the broker. Events may arrive from arbitrary goroutines.
type ConnectionEvents interface {
	// OnConnected is delivered once a bind request has produced a usable
	// backend connection.
	OnConnected(providerID string, scope domain.ScopeID, svc Service)

	// OnDisconnected is delivered when an established connection is lost, or
	// when a bind request fails before ever connecting.
	OnDisconnected(providerID string, scope domain.ScopeID)
}

// Binder starts and stops provider backend processes. Bind is asynchronous:
// a nil return only means the request was accepted; the connection outcome
// arrives through events.
type Binder interface {
	Bind(ctx context.Context, desc domain.ProviderDescriptor, scope domain.ScopeID, events ConnectionEvents) error
	Unbind(ctx context.Context, providerID string, scope domain.ScopeID) error
}

// Registry enumerates the providers available to a scope.
type Registry interface {
	ListProviders(ctx context.Context, scope domain.ScopeID) ([]domain.ProviderDescriptor, error)
}
