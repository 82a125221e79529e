package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/telecast-labs/inputbroker/internal/channelpair"
	"github.com/telecast-labs/inputbroker/internal/domain"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errServiceClosed            = errors.New("service connection closed")
	errBackendRejected          = errors.New("backend rejected request")
)

const jsonCodecName = "json"

// jsonCodec lets plain structs travel over gRPC without generated protobuf
// bindings. Provider backends speak the same framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Wire messages exchanged with provider backends.
type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

type createSessionResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type sessionCommand struct {
	SessionID string       `json:"session_id"`
	ChannelID int64        `json:"channel_id,omitempty"`
	Surface   string       `json:"surface,omitempty"`
	Volume    float64      `json:"volume,omitempty"`
	ViewToken string       `json:"view_token,omitempty"`
	Frame     *domain.Rect `json:"frame,omitempty"`
}

type commandResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type mediaChunk struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data,omitempty"`
}

type availabilityEvent struct {
	ProviderID string `json:"provider_id"`
	Available  bool   `json:"available"`
}

type eventsRequest struct{}

const backendService = "/inputbroker.Provider/"

var (
	mediaStreamDesc = grpc.StreamDesc{
		StreamName:    "Media",
		ServerStreams: true,
		ClientStreams: true,
	}
	eventsStreamDesc = grpc.StreamDesc{
		StreamName:    "Events",
		ServerStreams: true,
	}
)

// DialConfig holds connection tuning for a backend dial.
type DialConfig struct {
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultDialConfig returns default connection tuning.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// RemoteService is a Service backed by a gRPC connection to a provider
// backend process.
type RemoteService struct {
	conn   *grpc.ClientConn
	addr   string
	cfg    DialConfig
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	onClose func()
	sinks   map[EventSink]context.CancelFunc
}

// DialService connects to a provider backend and blocks until the transport
// is ready or ctx expires.
func DialService(ctx context.Context, addr string, logger *slog.Logger) (*RemoteService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultDialConfig()

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to provider backend at %s: %w", addr, err)
	}

	// Force a connection attempt so bad backend endpoints fail fast.
	if err := waitForReady(ctx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("provider backend at %s not ready: %w", addr, err)
	}

	logger.Info("connected to provider backend", "address", addr)

	return &RemoteService{
		conn:   conn,
		addr:   addr,
		cfg:    cfg,
		logger: logger,
		sinks:  make(map[EventSink]context.CancelFunc),
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// OnClose registers fn to run once when the transport is lost or the service
// is closed locally. A connection watcher goroutine drives it.
func (c *RemoteService) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
	go c.watchConnection()
}

func (c *RemoteService) watchConnection() {
	for {
		state := c.conn.GetState()
		if state == connectivity.Shutdown || state == connectivity.TransientFailure {
			c.fireClose()
			return
		}
		if !c.conn.WaitForStateChange(context.Background(), state) {
			c.fireClose()
			return
		}
	}
}

func (c *RemoteService) fireClose() {
	c.mu.Lock()
	fn := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close cancels event streams and closes the transport. Idempotent.
func (c *RemoteService) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onClose = nil
	cancels := make([]context.CancelFunc, 0, len(c.sinks))
	for _, cancel := range c.sinks {
		cancels = append(cancels, cancel)
	}
	c.sinks = make(map[EventSink]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return c.conn.Close()
}

func (c *RemoteService) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.conn.Invoke(ctx, backendService+method, req, resp)
}

// CreateSession negotiates a session with the backend on a background
// goroutine and bridges serviceEnd onto a bidirectional media stream. cb is
// invoked once the backend answers, with nil on failure.
func (c *RemoteService) CreateSession(ctx context.Context, serviceEnd *channelpair.Endpoint, cb SessionCallback) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errServiceClosed
	}

	sessionID := serviceEnd.Name()
	go func() {
		var resp createSessionResponse
		if err := c.invoke(context.Background(), "CreateSession", createSessionRequest{SessionID: sessionID}, &resp); err != nil {
			c.logger.Error("backend CreateSession failed", "session_id", sessionID, "error", err)
			_ = serviceEnd.Close()
			cb(nil)
			return
		}
		if !resp.OK {
			c.logger.Warn("backend declined session", "session_id", sessionID, "reason", resp.Reason)
			_ = serviceEnd.Close()
			cb(nil)
			return
		}

		if err := c.bridgeMedia(sessionID, serviceEnd); err != nil {
			c.logger.Error("media stream setup failed", "session_id", sessionID, "error", err)
			_ = serviceEnd.Close()
			cb(nil)
			return
		}

		cb(&remoteSession{svc: c, id: sessionID})
	}()
	return nil
}

// bridgeMedia opens the media stream for a session and pumps bytes between it
// and the broker-held endpoint in both directions.
func (c *RemoteService) bridgeMedia(sessionID string, serviceEnd *channelpair.Endpoint) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(streamCtx, &mediaStreamDesc, backendService+"Media", grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		cancel()
		return fmt.Errorf("open media stream: %w", err)
	}
	if err := stream.SendMsg(mediaChunk{SessionID: sessionID}); err != nil {
		cancel()
		return fmt.Errorf("announce media stream: %w", err)
	}

	// Broker side -> backend.
	go func() {
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := serviceEnd.Read(buf)
			if n > 0 {
				chunk := mediaChunk{SessionID: sessionID, Data: append([]byte(nil), buf[:n]...)}
				if sendErr := stream.SendMsg(chunk); sendErr != nil {
					c.logger.Debug("media send ended", "session_id", sessionID, "error", sendErr)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug("media read ended", "session_id", sessionID, "error", err)
				}
				_ = stream.CloseSend()
				return
			}
		}
	}()

	// Backend -> broker side.
	go func() {
		defer cancel()
		defer func() { _ = serviceEnd.Close() }()
		for {
			var chunk mediaChunk
			if err := stream.RecvMsg(&chunk); err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug("media recv ended", "session_id", sessionID, "error", err)
				}
				return
			}
			if len(chunk.Data) == 0 {
				continue
			}
			if _, err := serviceEnd.Write(chunk.Data); err != nil {
				return
			}
		}
	}()
	return nil
}

// RegisterCallback opens a server stream of availability events and forwards
// them to sink until UnregisterCallback or Close.
func (c *RemoteService) RegisterCallback(ctx context.Context, sink EventSink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errServiceClosed
	}
	if _, ok := c.sinks[sink]; ok {
		c.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.sinks[sink] = cancel
	c.mu.Unlock()

	stream, err := c.conn.NewStream(streamCtx, &eventsStreamDesc, backendService+"Events", grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		cancel()
		c.mu.Lock()
		delete(c.sinks, sink)
		c.mu.Unlock()
		return fmt.Errorf("open events stream: %w", err)
	}
	if err := stream.SendMsg(eventsRequest{}); err != nil {
		cancel()
		c.mu.Lock()
		delete(c.sinks, sink)
		c.mu.Unlock()
		return fmt.Errorf("start events stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		c.logger.Warn("events stream close-send failed", "error", err)
	}

	go func() {
		defer cancel()
		for {
			var ev availabilityEvent
			if err := stream.RecvMsg(&ev); err != nil {
				if !errors.Is(err, io.EOF) && streamCtx.Err() == nil {
					c.logger.Debug("events stream ended", "addr", c.addr, "error", err)
				}
				return
			}
			sink.OnAvailabilityChanged(ev.ProviderID, ev.Available)
		}
	}()
	return nil
}

// UnregisterCallback stops the availability stream feeding sink.
func (c *RemoteService) UnregisterCallback(_ context.Context, sink EventSink) error {
	c.mu.Lock()
	cancel, ok := c.sinks[sink]
	delete(c.sinks, sink)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// remoteSession forwards per-session operations as unary backend calls.
type remoteSession struct {
	svc *RemoteService
	id  string
}

func (s *remoteSession) call(ctx context.Context, method string, cmd sessionCommand) error {
	cmd.SessionID = s.id
	var resp commandResponse
	if err := s.svc.invoke(ctx, method, cmd, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !resp.OK {
		if resp.Reason == "" {
			return fmt.Errorf("%s: %w", method, errBackendRejected)
		}
		return fmt.Errorf("%s: %w: %s", method, errBackendRejected, resp.Reason)
	}
	return nil
}

func (s *remoteSession) Release(ctx context.Context) error {
	return s.call(ctx, "ReleaseSession", sessionCommand{})
}

func (s *remoteSession) SetSurface(ctx context.Context, surface string) error {
	return s.call(ctx, "SetSurface", sessionCommand{Surface: surface})
}

func (s *remoteSession) SetVolume(ctx context.Context, volume float64) error {
	return s.call(ctx, "SetVolume", sessionCommand{Volume: volume})
}

func (s *remoteSession) Tune(ctx context.Context, channelID int64) error {
	return s.call(ctx, "Tune", sessionCommand{ChannelID: channelID})
}

func (s *remoteSession) CreateOverlayView(ctx context.Context, viewToken string, frame domain.Rect) error {
	f := frame
	return s.call(ctx, "CreateOverlayView", sessionCommand{ViewToken: viewToken, Frame: &f})
}

func (s *remoteSession) RelayoutOverlayView(ctx context.Context, frame domain.Rect) error {
	f := frame
	return s.call(ctx, "RelayoutOverlayView", sessionCommand{Frame: &f})
}

func (s *remoteSession) RemoveOverlayView(ctx context.Context) error {
	return s.call(ctx, "RemoveOverlayView", sessionCommand{})
}
