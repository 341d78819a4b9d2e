package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"campuschat/internal/auth"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// TokenVerifier authenticates the handshake credential
type TokenVerifier interface {
	Verify(raw string) (types.IdentityClaim, error)
}

// Dispatcher receives connection lifecycle and inbound frames
// ARCHITECTURAL DISCOVERY: Declared here so the hub depends on the websocket package and not the reverse
type Dispatcher interface {
	Register(ctx context.Context, conn interfaces.Connection) error
	Unregister(connID string)
	Dispatch(ctx context.Context, conn interfaces.Connection, data []byte)
}

// HandlerConfig holds the heartbeat and framing limits of the socket endpoint
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	return c
}

// Handler authenticates, upgrades and pumps websocket connections
type Handler struct {
	verifier   TokenVerifier
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(verifier TokenVerifier, dispatcher Dispatcher, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	return &Handler{
		verifier:   verifier,
		dispatcher: dispatcher,
		config:     config,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(config.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "ws_handler"),
	}
}

// originChecker builds the upgrader origin policy
// Empty list keeps gorilla's same-origin check, "*" allows any origin
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleWebSocket verifies the credential, upgrades and serves the connection
// FUNCTIONAL DISCOVERY: Verification happens before the upgrade so a rejected handshake
// is a plain 401 and never produces a socket or an event
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claim, err := h.verifier.Verify(auth.ExtractToken(r))
	if err != nil {
		h.logger.Debug("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, types.PublicMessage(types.ErrUnauthenticated), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", claim.UserID, "error", err)
		return
	}

	conn := NewConnection(ws, claim, ConnectionOptions{
		SendBuffer:   h.config.SendBuffer,
		WriteTimeout: h.config.WriteTimeout,
		Logger:       h.logger,
	})

	if err := h.dispatcher.Register(context.Background(), conn); err != nil {
		h.logger.Error("failed to register connection", "conn_id", conn.ID(), "user_id", claim.UserID, "error", err)
		_ = conn.Close()
		return
	}

	go h.serve(conn)
}

// serve runs the read pump and heartbeat until the socket fails or closes
// ARCHITECTURAL DISCOVERY: Unregister runs on every exit path, so a dropped socket leaves no registry trace
func (h *Handler) serve(conn *Connection) {
	defer func() {
		h.dispatcher.Unregister(conn.ID())
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.Dispatch(conn.ctx, conn, data)
	}
}

// heartbeat pings at PingInterval; the ticker stops with the connection context
func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
