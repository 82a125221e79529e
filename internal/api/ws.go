package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/telecast-labs/inputbroker/internal/broker"
	"github.com/telecast-labs/inputbroker/internal/channelpair"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/identity"
)

// WebSocketHandler serves the client control channel: session commands in,
// broker events and media bytes out.
type WebSocketHandler struct {
	broker        Broker
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(b Broker, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		broker:        b,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsCommand represents one client request.
type wsCommand struct {
	Type       string       `json:"type"`
	ProviderID string       `json:"provider_id,omitempty"`
	Token      string       `json:"token,omitempty"`
	Seq        int32        `json:"seq,omitempty"`
	ChannelID  int64        `json:"channel_id,omitempty"`
	Surface    string       `json:"surface,omitempty"`
	Volume     float64      `json:"volume,omitempty"`
	ViewToken  string       `json:"view_token,omitempty"`
	Frame      *domain.Rect `json:"frame,omitempty"`
	Data       []byte       `json:"data,omitempty"`
}

// wsEvent represents one server-initiated message.
type wsEvent struct {
	Type       string `json:"type"`
	ProviderID string `json:"provider_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Seq        int32  `json:"seq,omitempty"`
	Available  *bool  `json:"available,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

// wsClient is the broker-facing handle for one websocket connection. The
// broker keys client sets by handle identity, so one instance lives exactly
// as long as its connection.
type wsClient struct {
	ws     *websocket.Conn
	caller domain.CallerID
	scope  domain.ScopeID
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[domain.SessionToken]*channelpair.Endpoint
	tokens    map[domain.SessionToken]struct{}
	callbacks map[string]struct{}

	// Creation outcomes race the CreateSession return: inflight maps a
	// request seq to its token until the outcome arrives, failedSeqs marks
	// null completions delivered before the token was even tracked.
	inflight   map[int32]domain.SessionToken
	failedSeqs map[int32]struct{}
}

func newWSClient(ws *websocket.Conn, caller domain.CallerID, scope domain.ScopeID, logger *slog.Logger) *wsClient {
	return &wsClient{
		ws:         ws,
		caller:     caller,
		scope:      scope,
		logger:     logger,
		endpoints:  make(map[domain.SessionToken]*channelpair.Endpoint),
		tokens:     make(map[domain.SessionToken]struct{}),
		callbacks:  make(map[string]struct{}),
		inflight:   make(map[int32]domain.SessionToken),
		failedSeqs: make(map[int32]struct{}),
	}
}

// trackToken records a token returned by CreateSession. If the creation
// already failed (null completion delivered before CreateSession returned),
// the token is dead and is not tracked.
func (c *wsClient) trackToken(seq int32, token domain.SessionToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, failed := c.failedSeqs[seq]; failed {
		delete(c.failedSeqs, seq)
		return
	}
	c.tokens[token] = struct{}{}
	if _, done := c.endpoints[token]; !done {
		c.inflight[seq] = token
	}
}

func (c *wsClient) writeEvent(ev wsEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

// OnSessionCreated delivers a creation outcome. For a success the client end
// of the media channel is retained and its bytes are pumped out as media
// events until the channel closes.
func (c *wsClient) OnSessionCreated(providerID string, token domain.SessionToken, ch *channelpair.Endpoint, seq int32) error {
	if token != "" && ch != nil {
		c.mu.Lock()
		c.endpoints[token] = ch
		c.tokens[token] = struct{}{}
		delete(c.inflight, seq)
		c.mu.Unlock()
		go c.pumpMedia(token, ch)
	} else {
		// Null completion: the record is already gone, so stop tracking the
		// token (or mark the seq failed if CreateSession has not returned yet).
		c.mu.Lock()
		if tok, ok := c.inflight[seq]; ok {
			delete(c.inflight, seq)
			delete(c.tokens, tok)
		} else {
			c.failedSeqs[seq] = struct{}{}
		}
		c.mu.Unlock()
	}
	return c.writeEvent(wsEvent{Type: "session_created", ProviderID: providerID, Token: string(token), Seq: seq})
}

// OnSessionReleased reports a broker-initiated teardown.
func (c *wsClient) OnSessionReleased(token domain.SessionToken) error {
	c.dropSession(token)
	return c.writeEvent(wsEvent{Type: "session_released", Token: string(token)})
}

// OnAvailabilityChanged reports a provider availability transition.
func (c *wsClient) OnAvailabilityChanged(providerID string, available bool) error {
	return c.writeEvent(wsEvent{Type: "availability", ProviderID: providerID, Available: &available})
}

func (c *wsClient) pumpMedia(token domain.SessionToken, ch *channelpair.Endpoint) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if writeErr := c.writeEvent(wsEvent{Type: "media", Token: string(token), Data: data}); writeErr != nil {
				c.logger.Debug("media delivery ended", "token", token, "error", writeErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("media channel read ended", "token", token, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) dropSession(token domain.SessionToken) {
	c.mu.Lock()
	ch := c.endpoints[token]
	delete(c.endpoints, token)
	delete(c.tokens, token)
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := identity.CallerFromContext(r.Context())
	scope := identity.ScopeFromContext(r.Context())
	slog.Info("WebSocket connection request", "caller", caller, "scope", scope, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "caller", caller)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "caller", caller)
		}
	}()

	client := newWSClient(ws, caller, scope, slog.Default())
	defer h.cleanup(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.commandLoop(ctx, ws, client)
	slog.Info("WebSocket connection ended", "caller", caller, "scope", scope)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// cleanup tears down everything the connection accumulated: callback
// registrations and any sessions it still owns.
func (h *WebSocketHandler) cleanup(client *wsClient) {
	ctx := context.Background()

	client.mu.Lock()
	callbacks := make([]string, 0, len(client.callbacks))
	for providerID := range client.callbacks {
		callbacks = append(callbacks, providerID)
	}
	tokens := make([]domain.SessionToken, 0, len(client.tokens))
	for token := range client.tokens {
		tokens = append(tokens, token)
	}
	client.mu.Unlock()

	for _, providerID := range callbacks {
		if err := h.broker.UnregisterCallback(ctx, client, providerID, client.scope); err != nil {
			slog.Warn("callback cleanup failed", "provider_id", providerID, "error", err)
		}
	}
	for _, token := range tokens {
		if err := h.broker.ReleaseSession(ctx, token, client.caller, client.scope); err != nil && !errors.Is(err, broker.ErrNotFound) {
			slog.Warn("session cleanup failed", "token", token, "error", err)
		}
		client.dropSession(token)
	}
}

//nolint:gocognit // Command dispatch coordinates websocket and broker state.
func (h *WebSocketHandler) commandLoop(ctx context.Context, ws *websocket.Conn, client *wsClient) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "caller", client.caller)
			} else {
				slog.Warn("WebSocket read error", "error", err, "caller", client.caller)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.sendError(client, 0, "invalid command")
			continue
		}

		switch cmd.Type {
		case "ping":
			if err := client.writeEvent(wsEvent{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "register_callback":
			if err := h.broker.RegisterCallback(ctx, client, cmd.ProviderID, client.scope); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
				continue
			}
			client.mu.Lock()
			client.callbacks[cmd.ProviderID] = struct{}{}
			client.mu.Unlock()
		case "unregister_callback":
			if err := h.broker.UnregisterCallback(ctx, client, cmd.ProviderID, client.scope); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
				continue
			}
			client.mu.Lock()
			delete(client.callbacks, cmd.ProviderID)
			client.mu.Unlock()
		case "create_session":
			token, err := h.broker.CreateSession(ctx, client, cmd.ProviderID, cmd.Seq, client.caller, client.scope)
			if err != nil {
				h.sendError(client, cmd.Seq, err.Error())
				continue
			}
			client.trackToken(cmd.Seq, token)
		case "release_session":
			token := domain.SessionToken(cmd.Token)
			if err := h.broker.ReleaseSession(ctx, token, client.caller, client.scope); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
				continue
			}
			client.dropSession(token)
		case "tune":
			if err := h.broker.Tune(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope, cmd.ChannelID); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "set_surface":
			if err := h.broker.SetSurface(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope, cmd.Surface); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "set_volume":
			if err := h.broker.SetVolume(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope, cmd.Volume); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "create_overlay_view":
			if cmd.Frame == nil {
				h.sendError(client, cmd.Seq, "frame is required")
				continue
			}
			if err := h.broker.CreateOverlayView(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope, cmd.ViewToken, *cmd.Frame); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "relayout_overlay_view":
			if cmd.Frame == nil {
				h.sendError(client, cmd.Seq, "frame is required")
				continue
			}
			if err := h.broker.RelayoutOverlayView(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope, *cmd.Frame); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "remove_overlay_view":
			if err := h.broker.RemoveOverlayView(ctx, domain.SessionToken(cmd.Token), client.caller, client.scope); err != nil {
				h.sendError(client, cmd.Seq, err.Error())
			}
		case "media":
			client.mu.Lock()
			ch := client.endpoints[domain.SessionToken(cmd.Token)]
			client.mu.Unlock()
			if ch == nil {
				h.sendError(client, cmd.Seq, "unknown media channel")
				continue
			}
			if _, err := ch.Write(cmd.Data); err != nil {
				slog.Debug("media channel write failed", "token", cmd.Token, "error", err)
			}
		default:
			h.sendError(client, cmd.Seq, "unknown command type")
		}
	}
}

func (h *WebSocketHandler) sendError(client *wsClient, seq int32, message string) {
	if err := client.writeEvent(wsEvent{Type: "error", Seq: seq, Error: message}); err != nil {
		slog.Debug("Failed to send error event", "error", err)
	}
}
