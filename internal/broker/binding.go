package broker

import (
	"context"
	"fmt"
	"slices"

	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/provider"
)

// serviceState is the broker's managed binding to one provider backend
// within one scope. It reference-counts interested clients and associated
// session tokens; reconcileLocked decides when the backend is bound and
// when the binding is dropped.
type serviceState struct {
	descriptor domain.ProviderDescriptor

	clients       map[ClientHandle]struct{}
	sessionTokens []domain.SessionToken

	// service is present once connected, sink once an availability callback
	// has been registered with the backend.
	service provider.Service
	sink    *availabilitySink

	// bound means a bind request is outstanding or active; it prevents a
	// second concurrent bind for the same binding.
	bound bool

	// available is the last availability reported by the backend.
	available bool
}

func newServiceState(desc domain.ProviderDescriptor) *serviceState {
	return &serviceState{
		descriptor: desc,
		clients:    make(map[ClientHandle]struct{}),
	}
}

func (ss *serviceState) empty() bool {
	return len(ss.clients) == 0 && len(ss.sessionTokens) == 0
}

func (ss *serviceState) removeToken(token domain.SessionToken) {
	ss.sessionTokens = slices.DeleteFunc(ss.sessionTokens, func(t domain.SessionToken) bool {
		return t == token
	})
}

// serviceStateLocked returns the binding for a provider within a scope,
// creating it if the provider is known to the scope.
func (b *Broker) serviceStateLocked(state *scopeState, providerID string) (*serviceState, error) {
	if ss, ok := state.services[providerID]; ok {
		return ss, nil
	}
	desc, ok := state.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", providerID, ErrNotFound)
	}
	ss := newServiceState(desc)
	state.services[providerID] = ss
	return ss, nil
}

// reconcileLocked re-evaluates whether a binding should bind or unbind based
// on its reference counts. It is idempotent and safe to call after any
// mutation of a binding's client or session-token sets.
func (b *Broker) reconcileLocked(ctx context.Context, providerID string, scope domain.ScopeID) {
	state, ok := b.scopes[scope]
	if !ok {
		return
	}
	ss, ok := state.services[providerID]
	if !ok {
		return
	}

	switch {
	case ss.service == nil && !ss.empty() && scope == b.current:
		// Pending demand but no connection: request one, unless a bind is
		// already in flight.
		if ss.bound {
			return
		}
		b.logger.Debug("binding provider service", "provider_id", providerID, "scope", scope)
		if err := b.binder.Bind(ctx, ss.descriptor, scope, b); err != nil {
			b.logger.Error("bind request failed", "provider_id", providerID, "scope", scope, "error", err)
			return
		}
		ss.bound = true

	case ss.service != nil && ss.empty():
		// Connected but nothing references it: release the connection and
		// drop the binding, cached availability included.
		b.logger.Debug("unbinding provider service", "provider_id", providerID, "scope", scope)
		if err := b.binder.Unbind(ctx, providerID, scope); err != nil {
			b.logger.Error("unbind failed", "provider_id", providerID, "scope", scope, "error", err)
		}
		delete(state.services, providerID)
	}
}

// RegisterCallback adds a client to a provider's interested set, registering
// an availability callback with the backend (or requesting a bind) as needed.
func (b *Broker) RegisterCallback(ctx context.Context, client ClientHandle, providerID string, scope domain.ScopeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.scopeStateLocked(ctx, scope)

	ss, err := b.serviceStateLocked(state, providerID)
	if err != nil {
		return err
	}
	ss.clients[client] = struct{}{}

	if ss.service != nil {
		if ss.sink != nil {
			// Already registered on behalf of an earlier client.
			return nil
		}
		b.registerSinkLocked(ctx, ss, scope)
		return nil
	}
	b.reconcileLocked(ctx, providerID, scope)
	return nil
}

func (b *Broker) registerSinkLocked(ctx context.Context, ss *serviceState, scope domain.ScopeID) {
	sink := &availabilitySink{broker: b, scope: scope, providerID: ss.descriptor.ID}
	ss.sink = sink
	if err := ss.service.RegisterCallback(ctx, sink); err != nil {
		b.logger.Error("register callback failed", "provider_id", ss.descriptor.ID, "scope", scope, "error", err)
	}
}

// UnregisterCallback removes a client from a provider's interested set. The
// last client to leave takes the backend callback registration with it and
// may cause the binding to unbind.
func (b *Broker) UnregisterCallback(ctx context.Context, client ClientHandle, providerID string, scope domain.ScopeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.scopes[scope]
	if !ok {
		return nil
	}
	ss, ok := state.services[providerID]
	if !ok {
		return nil
	}

	delete(ss.clients, client)
	if len(ss.clients) > 0 {
		// Other clients still want the callback.
		return nil
	}
	if ss.service == nil || ss.sink == nil {
		b.reconcileLocked(ctx, providerID, scope)
		return nil
	}
	if err := ss.service.UnregisterCallback(ctx, ss.sink); err != nil {
		b.logger.Error("unregister callback failed", "provider_id", providerID, "scope", scope, "error", err)
	}
	ss.sink = nil
	b.reconcileLocked(ctx, providerID, scope)
	return nil
}

// GetAvailability returns the last availability the backend reported, or
// false if nothing is known yet. A missing scope or binding is a cold-start
// default, not an error.
func (b *Broker) GetAvailability(providerID string, scope domain.ScopeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.scopes[scope]
	if !ok {
		return false
	}
	ss, ok := state.services[providerID]
	if !ok {
		return false
	}
	return ss.available
}

// OnConnected delivers an established backend connection. Registers the
// availability callback if clients are waiting and drives session creation
// for every token queued while disconnected.
func (b *Broker) OnConnected(providerID string, scope domain.ScopeID, svc provider.Service) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := context.Background()

	state, ok := b.scopes[scope]
	if !ok {
		b.logger.Warn("connection for removed scope", "provider_id", providerID, "scope", scope)
		return
	}
	ss, ok := state.services[providerID]
	if !ok {
		b.logger.Warn("connection for dropped binding", "provider_id", providerID, "scope", scope)
		return
	}

	b.logger.Info("provider service connected", "provider_id", providerID, "scope", scope)
	ss.service = svc

	if len(ss.clients) > 0 && ss.sink == nil {
		b.registerSinkLocked(ctx, ss, scope)
	}

	// Create sessions queued while disconnected. Copy the token list: a
	// synchronous failure removes the token from under the iteration.
	for _, token := range slices.Clone(ss.sessionTokens) {
		b.createSessionLocked(ctx, svc, token, scope)
	}
}

// OnDisconnected handles a lost backend connection, including a bind request
// that never connected. Transient connected-state fields are cleared and
// sessions that already held a backend handle are torn down; pending session
// tokens stay queued. No rebind is attempted here: the next demand-triggering
// event re-attempts through the normal reconcile path.
func (b *Broker) OnDisconnected(providerID string, scope domain.ScopeID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.scopes[scope]
	if !ok {
		return
	}
	ss, ok := state.services[providerID]
	if !ok {
		return
	}

	b.logger.Warn("provider service disconnected", "provider_id", providerID, "scope", scope)
	ss.service = nil
	ss.sink = nil
	ss.bound = false
	ss.available = false

	for _, token := range slices.Clone(ss.sessionTokens) {
		st, ok := state.sessions[token]
		if !ok || st.session == nil {
			// Still pending; it will be created when the service reconnects.
			continue
		}
		delete(state.sessions, token)
		ss.removeToken(token)
		if st.logEntryID != 0 {
			b.watchLog.CloseEntry(st.logEntryID, b.now())
		}
		if err := st.client.OnSessionReleased(token); err != nil {
			b.logger.Error("session release notification failed", "token", token, "error", err)
		}
	}
}

// availabilitySink receives availability events from one backend on behalf of
// one binding and fans them out to that binding's interested clients. Events
// naming any other provider are dropped; a backend only speaks for itself.
type availabilitySink struct {
	broker     *Broker
	scope      domain.ScopeID
	providerID string
}

func (s *availabilitySink) OnAvailabilityChanged(providerID string, available bool) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if providerID != s.providerID {
		b.logger.Warn("availability event for unexpected provider", "provider_id", providerID, "expected", s.providerID, "scope", s.scope)
		return
	}

	state, ok := b.scopes[s.scope]
	if !ok {
		return
	}
	ss, ok := state.services[providerID]
	if !ok {
		return
	}

	ss.available = available
	for client := range ss.clients {
		// Each notification is independently failure-tolerant; one client's
		// failure must not block delivery to the others.
		if err := client.OnAvailabilityChanged(providerID, available); err != nil {
			b.logger.Warn("availability notification failed", "provider_id", providerID, "error", err)
		}
	}
}
