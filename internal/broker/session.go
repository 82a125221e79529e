package broker

import (
	"context"
	"fmt"

	"github.com/telecast-labs/inputbroker/internal/channelpair"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/provider"
)

// sessionState is one live or pending session record.
type sessionState struct {
	providerID string
	client     ClientHandle
	seq        int32
	caller     domain.CallerID

	// session is absent until the backend's creation callback fires.
	session provider.Session

	// logEntryID references the open watch-history row, 0 if not tuned.
	logEntryID int64
}

// CreateSession allocates a fresh token, records a pending session, and
// either drives creation immediately (binding connected) or defers it until
// the binding connects. The outcome reaches the client asynchronously via
// OnSessionCreated.
func (b *Broker) CreateSession(ctx context.Context, client ClientHandle, providerID string, seq int32, caller domain.CallerID, scope domain.ScopeID) (domain.SessionToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.scopeStateLocked(ctx, scope)

	ss, err := b.serviceStateLocked(state, providerID)
	if err != nil {
		return "", err
	}

	token := b.newToken()
	state.sessions[token] = &sessionState{
		providerID: providerID,
		client:     client,
		seq:        seq,
		caller:     caller,
	}
	ss.sessionTokens = append(ss.sessionTokens, token)

	if ss.service != nil {
		b.createSessionLocked(ctx, ss.service, token, scope)
	} else {
		b.reconcileLocked(ctx, providerID, scope)
	}
	return token, nil
}

// createSessionLocked issues the asynchronous create-session call against a
// connected backend. Exactly one of three outcomes follows: the completion
// callback fires with a session, it fires with nil, or the record is torn
// down first and the late callback becomes a no-op.
func (b *Broker) createSessionLocked(ctx context.Context, svc provider.Service, token domain.SessionToken, scope domain.ScopeID) {
	state := b.scopes[scope]
	st, ok := state.sessions[token]
	if !ok {
		return
	}

	serviceEnd, clientEnd := channelpair.New(string(token))
	cb := func(s provider.Session) {
		b.completeSession(token, scope, s, clientEnd)
	}

	if err := svc.CreateSession(ctx, serviceEnd, cb); err != nil {
		// Synchronous failure: clean up and send a null completion now.
		b.logger.Error("create session call failed", "provider_id", st.providerID, "token", token, "error", err)
		_ = serviceEnd.Close()
		_ = clientEnd.Close()
		b.removeSessionLocked(ctx, token, scope)
		b.sendSessionToClientLocked(ctx, st.client, st.providerID, "", nil, st.seq, scope)
	}
}

// completeSession is the single-shot completion handler for one
// create-session call. It runs on whatever goroutine the backend invokes the
// callback from.
func (b *Broker) completeSession(token domain.SessionToken, scope domain.ScopeID, s provider.Session, clientEnd *channelpair.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := context.Background()

	var st *sessionState
	if state, ok := b.scopes[scope]; ok {
		st = state.sessions[token]
	}
	if st == nil {
		// The session was released or its scope torn down before the backend
		// answered. Drop the late result on the floor.
		b.logger.Debug("creation completed for absent session", "token", token, "scope", scope)
		if s != nil {
			if err := s.Release(ctx); err != nil {
				b.logger.Error("release of orphaned session failed", "token", token, "error", err)
			}
		}
		_ = clientEnd.Close()
		return
	}

	if s == nil {
		b.removeSessionLocked(ctx, token, scope)
		b.sendSessionToClientLocked(ctx, st.client, st.providerID, "", nil, st.seq, scope)
		_ = clientEnd.Close()
		return
	}

	st.session = s
	b.sendSessionToClientLocked(ctx, st.client, st.providerID, token, clientEnd, st.seq, scope)
}

// sendSessionToClientLocked delivers a creation outcome to the requesting
// client. Delivery is fire-and-forget; a failure is logged and the committed
// state stands. A null-token completion re-runs reconcile since the binding
// may have just become empty-eligible.
func (b *Broker) sendSessionToClientLocked(ctx context.Context, client ClientHandle, providerID string, token domain.SessionToken, ch *channelpair.Endpoint, seq int32, scope domain.ScopeID) {
	if err := client.OnSessionCreated(providerID, token, ch, seq); err != nil {
		b.logger.Error("session creation notification failed", "provider_id", providerID, "seq", seq, "error", err)
	}
	if token == "" {
		b.reconcileLocked(ctx, providerID, scope)
	}
}

// removeSessionLocked removes a session record, closes its open log entry,
// disassociates its token from the binding, and reconciles.
func (b *Broker) removeSessionLocked(ctx context.Context, token domain.SessionToken, scope domain.ScopeID) {
	state, ok := b.scopes[scope]
	if !ok {
		return
	}
	st, ok := state.sessions[token]
	if !ok {
		return
	}
	delete(state.sessions, token)

	if st.logEntryID != 0 {
		b.watchLog.CloseEntry(st.logEntryID, b.now())
	}

	if ss, ok := state.services[st.providerID]; ok {
		ss.removeToken(token)
	}
	b.reconcileLocked(ctx, st.providerID, scope)
}

// sessionStateLocked looks a session up and enforces access control: only
// the recorded owner or the privileged system identity may operate on it.
func (b *Broker) sessionStateLocked(token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) (*sessionState, error) {
	state, ok := b.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrNotFound)
	}
	st, ok := state.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", token, ErrNotFound)
	}
	if caller != st.caller && caller != domain.SystemCaller {
		return nil, fmt.Errorf("session %s access from %s: %w", token, caller, ErrForbidden)
	}
	return st, nil
}

// sessionLocked is sessionStateLocked plus the not-ready check used by all
// per-session operations that forward to the backend.
func (b *Broker) sessionLocked(token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) (provider.Session, error) {
	st, err := b.sessionStateLocked(token, caller, scope)
	if err != nil {
		return nil, err
	}
	if st.session == nil {
		return nil, fmt.Errorf("session %s: %w", token, ErrSessionNotReady)
	}
	return st.session, nil
}

// ReleaseSession validates access, forwards a release to the backend session
// if one exists, and unconditionally removes the record. Releasing a session
// whose creation is still pending makes the eventual callback a no-op.
func (b *Broker) ReleaseSession(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.sessionStateLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if st.session != nil {
		if err := st.session.Release(ctx); err != nil {
			b.logger.Error("backend release failed", "token", token, "error", err)
		}
	}
	b.removeSessionLocked(ctx, token, scope)
	return nil
}

// Tune forwards a tune to the backend and rolls the session's watch-history
// entry: the open entry, if any, is closed at "now" and a new open entry is
// inserted and handed to the watch log. At most one open entry exists per
// session at any instant.
func (b *Broker) Tune(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, channelID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.sessionStateLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if st.session == nil {
		return fmt.Errorf("session %s: %w", token, ErrSessionNotReady)
	}

	if err := st.session.Tune(ctx, channelID); err != nil {
		b.logger.Error("tune failed", "token", token, "channel_id", channelID, "error", err)
		return nil
	}

	now := b.now()
	if st.logEntryID != 0 {
		b.watchLog.CloseEntry(st.logEntryID, now)
		st.logEntryID = 0
	}

	entryID, err := b.entries.InsertWatchEntry(ctx, channelID, now)
	if err != nil {
		b.logger.Error("watch entry insert failed", "token", token, "channel_id", channelID, "error", err)
		return nil
	}
	st.logEntryID = entryID
	b.watchLog.OpenEntry(entryID, channelID, now)
	return nil
}

// SetSurface forwards a rendering surface handle to the backend session.
func (b *Broker) SetSurface(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, surface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if err := s.SetSurface(ctx, surface); err != nil {
		b.logger.Error("set surface failed", "token", token, "error", err)
	}
	return nil
}

// SetVolume forwards a volume change to the backend session.
func (b *Broker) SetVolume(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, volume float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if err := s.SetVolume(ctx, volume); err != nil {
		b.logger.Error("set volume failed", "token", token, "error", err)
	}
	return nil
}

// CreateOverlayView forwards overlay view creation to the backend session.
func (b *Broker) CreateOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, viewToken string, frame domain.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if err := s.CreateOverlayView(ctx, viewToken, frame); err != nil {
		b.logger.Error("create overlay view failed", "token", token, "error", err)
	}
	return nil
}

// RelayoutOverlayView forwards an overlay frame change to the backend session.
func (b *Broker) RelayoutOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, frame domain.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if err := s.RelayoutOverlayView(ctx, frame); err != nil {
		b.logger.Error("relayout overlay view failed", "token", token, "error", err)
	}
	return nil
}

// RemoveOverlayView forwards overlay view removal to the backend session.
func (b *Broker) RemoveOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.sessionLocked(token, caller, scope)
	if err != nil {
		return err
	}
	if err := s.RemoveOverlayView(ctx); err != nil {
		b.logger.Error("remove overlay view failed", "token", token, "error", err)
	}
	return nil
}
