// Package broker implements the input broker core: per-scope provider state,
// the service bind/unbind state machine, the asynchronous session-creation
// protocol, and availability fan-out. All state transitions run under one
// state lock; watch-history writes are pushed onto the asynchronous watch log
// and never block the caller.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/telecast-labs/inputbroker/internal/channelpair"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/provider"
)

// ClientHandle is the broker's view of one connected client. Implementations
// must be comparable (use pointer receivers); the broker keys interested-client
// sets by handle identity. Notification failures are logged, never retried.
type ClientHandle interface {
	// OnSessionCreated reports the outcome of a createSession call. On
	// failure the token is empty and ch is nil.
	OnSessionCreated(providerID string, token domain.SessionToken, ch *channelpair.Endpoint, seq int32) error

	// OnSessionReleased reports that the broker tore the session down on its
	// own, e.g. after losing the provider backend.
	OnSessionReleased(token domain.SessionToken) error

	// OnAvailabilityChanged reports a provider availability transition.
	OnAvailabilityChanged(providerID string, available bool) error
}

// WatchLogger is the asynchronous watch-history pipeline the broker feeds on
// tune and release transitions.
type WatchLogger interface {
	OpenEntry(entryID, channelID int64, watchStart time.Time)
	CloseEntry(entryID int64, watchEnd time.Time)
}

// WatchEntryStore inserts the blank open row a tune creates; everything else
// about the row is handled by the WatchLogger off the critical path.
type WatchEntryStore interface {
	InsertWatchEntry(ctx context.Context, channelID int64, watchStart time.Time) (int64, error)
}

// scopeState holds everything tracked for one scope: the provider descriptor
// set, service bindings, and live session records.
type scopeState struct {
	providers map[string]domain.ProviderDescriptor
	services  map[string]*serviceState
	sessions  map[domain.SessionToken]*sessionState
}

func newScopeState() *scopeState {
	return &scopeState{
		providers: make(map[string]domain.ProviderDescriptor),
		services:  make(map[string]*serviceState),
		sessions:  make(map[domain.SessionToken]*sessionState),
	}
}

// Broker is the core state machine. One instance serves all scopes.
type Broker struct {
	registry provider.Registry
	binder   provider.Binder
	watchLog WatchLogger
	entries  WatchEntryStore
	logger   *slog.Logger

	mu      sync.Mutex
	current domain.ScopeID
	scopes  map[domain.ScopeID]*scopeState

	// Injection points for tests.
	newToken func() domain.SessionToken
	now      func() time.Time
}

// New creates a Broker. The initial scope becomes the active one and its
// provider list is built immediately.
func New(registry provider.Registry, binder provider.Binder, watchLog WatchLogger, entries WatchEntryStore, initial domain.ScopeID, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		registry: registry,
		binder:   binder,
		watchLog: watchLog,
		entries:  entries,
		logger:   logger,
		current:  initial,
		scopes:   make(map[domain.ScopeID]*scopeState),
		newToken: func() domain.SessionToken { return domain.SessionToken(uuid.NewString()) },
		now:      time.Now,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopeStateLocked(context.Background(), initial)
	return b
}

// scopeStateLocked returns the state for a scope, creating it lazily on first
// touch. A freshly created scope gets its provider list built from the
// registry; enumeration failures leave the list empty and are logged.
func (b *Broker) scopeStateLocked(ctx context.Context, scope domain.ScopeID) *scopeState {
	state, ok := b.scopes[scope]
	if !ok {
		state = newScopeState()
		b.scopes[scope] = state
		b.refreshProvidersLocked(ctx, scope)
	}
	return state
}

func (b *Broker) refreshProvidersLocked(ctx context.Context, scope domain.ScopeID) {
	state := b.scopes[scope]
	descs, err := b.registry.ListProviders(ctx, scope)
	if err != nil {
		b.logger.Error("provider enumeration failed", "scope", scope, "error", err)
		return
	}
	providers := make(map[string]domain.ProviderDescriptor, len(descs))
	for _, d := range descs {
		providers[d.ID] = d
	}
	// Replaced wholesale; descriptors are immutable.
	state.providers = providers
	b.logger.Info("provider list rebuilt", "scope", scope, "count", len(providers))
}

// RefreshProviders re-enumerates the registry for a scope, replacing the
// descriptor set wholesale. Invoked on startup, scope switch, and
// provider-set-changed notifications.
func (b *Broker) RefreshProviders(ctx context.Context, scope domain.ScopeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopeStateLocked(ctx, scope)
	b.refreshProvidersLocked(ctx, scope)
}

// ListProviders returns the provider descriptors currently known to a scope.
func (b *Broker) ListProviders(ctx context.Context, scope domain.ScopeID) []domain.ProviderDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.scopeStateLocked(ctx, scope)
	descs := make([]domain.ProviderDescriptor, 0, len(state.providers))
	for _, d := range state.providers {
		descs = append(descs, d)
	}
	return descs
}

// SwitchScope makes a scope the active one. Bindings belonging to the
// outgoing scope are left latent; they are neither connected nor torn down
// until their scope becomes active again or is removed.
func (b *Broker) SwitchScope(ctx context.Context, scope domain.ScopeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == scope {
		return
	}
	b.current = scope
	b.scopeStateLocked(ctx, scope)
	b.refreshProvidersLocked(ctx, scope)

	// Latent demand accumulated while the scope was inactive connects now.
	state := b.scopes[scope]
	for providerID := range state.services {
		b.reconcileLocked(ctx, providerID, scope)
	}
	b.logger.Info("scope switched", "scope", scope)
}

// RemoveScope tears a scope down completely: every session is released,
// every availability callback unregistered, and every bound service unbound.
func (b *Broker) RemoveScope(ctx context.Context, scope domain.ScopeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.scopes[scope]
	if !ok {
		return
	}

	for token, st := range state.sessions {
		if st.session != nil {
			if err := st.session.Release(ctx); err != nil {
				b.logger.Error("release failed during scope removal", "token", token, "error", err)
			}
		}
		if st.logEntryID != 0 {
			b.watchLog.CloseEntry(st.logEntryID, b.now())
		}
		if err := st.client.OnSessionReleased(token); err != nil {
			b.logger.Error("session release notification failed", "token", token, "error", err)
		}
	}
	state.sessions = make(map[domain.SessionToken]*sessionState)

	for providerID, ss := range state.services {
		if ss.sink != nil && ss.service != nil {
			if err := ss.service.UnregisterCallback(ctx, ss.sink); err != nil {
				b.logger.Error("unregister callback failed during scope removal", "provider_id", providerID, "error", err)
			}
		}
		if ss.bound || ss.service != nil {
			if err := b.binder.Unbind(ctx, providerID, scope); err != nil {
				b.logger.Error("unbind failed during scope removal", "provider_id", providerID, "error", err)
			}
		}
	}
	state.services = make(map[string]*serviceState)

	delete(b.scopes, scope)
	b.logger.Info("scope removed", "scope", scope)
}
