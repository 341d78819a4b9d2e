package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"campuschat/internal/channel"
	"campuschat/internal/dm"
	"campuschat/internal/presence"
	"campuschat/internal/router"
	"campuschat/internal/websocket"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const defaultMaintenanceInterval = time.Minute

var _ websocket.Dispatcher = (*Hub)(nil)

type handlerFunc func(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error

// handlerTable has one field per inbound event kind
// ARCHITECTURAL DISCOVERY: A new inbound kind needs a new field here and a case in lookup,
// and the table test fails until both exist
type handlerTable struct {
	JoinRoom      handlerFunc
	JoinChannel   handlerFunc
	LeaveChannel  handlerFunc
	MessageSend   handlerFunc
	MessageDelete handlerFunc
	TypingSet     handlerFunc
	DMInitiate    handlerFunc
	DMBlock       handlerFunc
	DMUnblock     handlerFunc
}

func (t *handlerTable) lookup(kind types.EventKind) handlerFunc {
	switch kind {
	case types.EventJoinRoom:
		return t.JoinRoom
	case types.EventJoinChannel:
		return t.JoinChannel
	case types.EventLeaveChannel:
		return t.LeaveChannel
	case types.EventMessageSend:
		return t.MessageSend
	case types.EventMessageDel:
		return t.MessageDelete
	case types.EventTypingSet:
		return t.TypingSet
	case types.EventDMInitiate:
		return t.DMInitiate
	case types.EventDMBlock:
		return t.DMBlock
	case types.EventDMUnblock:
		return t.DMUnblock
	default:
		return nil
	}
}

// Config wires a Hub
type Config struct {
	Registry            *websocket.Registry
	Users               interfaces.UserStore
	Router              *router.Router
	Channels            *channel.Manager
	DMs                 *dm.Manager
	Typing              *presence.Typing
	MaintenanceInterval time.Duration
	Logger              *slog.Logger
}

// Hub decodes inbound frames and dispatches them to the domain managers
type Hub struct {
	registry *websocket.Registry
	users    interfaces.UserStore
	router   *router.Router
	channels *channel.Manager
	dms      *dm.Manager
	typing   *presence.Typing
	handlers handlerTable
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHub creates a new hub
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	h := &Hub{
		registry: cfg.Registry,
		users:    cfg.Users,
		router:   cfg.Router,
		channels: cfg.Channels,
		dms:      cfg.DMs,
		typing:   cfg.Typing,
		interval: cfg.MaintenanceInterval,
		logger:   cfg.Logger.With("component", "hub"),
	}
	h.handlers = handlerTable{
		JoinRoom:      h.handleJoinRoom,
		JoinChannel:   h.handleJoinChannel,
		LeaveChannel:  h.handleLeaveChannel,
		MessageSend:   h.handleMessageSend,
		MessageDelete: h.handleMessageDelete,
		TypingSet:     h.handleTypingSet,
		DMInitiate:    h.handleDMInitiate,
		DMBlock:       h.handleDMBlock,
		DMUnblock:     h.handleDMUnblock,
	}
	return h
}

// Register records the user, joins the batch room and the user's conversations
func (h *Hub) Register(ctx context.Context, conn interfaces.Connection) error {
	claim := conn.Identity()
	if err := h.users.EnsureUser(ctx, claim); err != nil {
		return fmt.Errorf("failed to record user: %w", err)
	}
	if err := h.registry.Register(conn); err != nil {
		return err
	}

	scopes, err := h.dms.ConversationScopes(ctx, claim.UserID)
	if err != nil {
		h.registry.Unregister(conn.ID())
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	for _, scope := range scopes {
		_ = h.registry.JoinScope(conn.ID(), scope)
	}

	h.logger.Info("connection registered", "conn_id", conn.ID(), "user_id", claim.UserID, "room", claim.Room(), "conversations", len(scopes))
	return nil
}

// Unregister drops every membership of the connection
func (h *Hub) Unregister(connID string) {
	if h.registry.Unregister(connID) {
		h.logger.Info("connection unregistered", "conn_id", connID)
	}
}

// Dispatch decodes one frame and runs its handler; failures become an error event to the sender
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.reply(conn, "", types.NewValidationError("envelope", "must be a JSON object with a type"))
		return
	}

	handler := h.handlers.lookup(env.Type)
	if handler == nil {
		h.reply(conn, env.Type, types.NewValidationError("type", "unknown event type"))
		return
	}

	if err := handler(ctx, conn, env.Data); err != nil {
		// The connection went away mid-handler; nobody is left to tell
		if errors.Is(err, websocket.ErrUnknownConnection) {
			h.logger.Debug("event dropped for departed connection", "conn_id", conn.ID(), "event", env.Type)
			return
		}
		h.reply(conn, env.Type, err)
	}
}

// reply sends the mapped error event to conn
// FUNCTIONAL DISCOVERY: Only internal errors are logged at error level; domain errors are expected traffic
func (h *Hub) reply(conn interfaces.Connection, kind types.EventKind, err error) {
	code := types.ErrorCode(err)
	if code == types.CodeInternal {
		h.logger.Error("event handler failed", "conn_id", conn.ID(), "user_id", conn.Identity().UserID, "event", kind, "error", err)
	} else {
		h.logger.Debug("event rejected", "conn_id", conn.ID(), "event", kind, "code", code, "error", err)
	}

	payload := types.ErrorData{
		Code:    code,
		Message: types.PublicMessage(err),
		Event:   kind,
	}
	if vErr := asValidation(err); vErr != nil {
		payload.Fields = vErr.FieldErrors
	}

	frame, mErr := json.Marshal(types.NewEvent(types.EventError, payload))
	if mErr != nil {
		return
	}
	_ = conn.Enqueue(frame)
}

// decode strictly unmarshals an event payload; missing data decodes as {}
func decode(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.NewValidationError("data", "malformed payload")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewValidationError(field, "required")
	}
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	_, err := h.registry.JoinRoom(conn.ID())
	return err
}

func (h *Hub) handleJoinChannel(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var ref types.ChannelRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	if err := required("channelId", ref.ChannelID); err != nil {
		return err
	}
	userID := conn.Identity().UserID
	if _, err := h.channels.Join(ctx, ref.ChannelID, userID); err != nil {
		return err
	}
	if err := h.registry.JoinChannel(conn.ID(), ref.ChannelID); err != nil {
		return err
	}

	// TECHNICAL DISCOVERY: Delete commits before it evicts, so a channel still present here
	// will evict this connection later; a missing one may have evicted before the live join
	if _, err := h.channels.Get(ctx, ref.ChannelID, userID); err != nil {
		h.registry.LeaveChannel(conn.ID(), ref.ChannelID)
		return err
	}
	return nil
}

func (h *Hub) handleLeaveChannel(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var ref types.ChannelRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	if err := required("channelId", ref.ChannelID); err != nil {
		return err
	}
	h.registry.LeaveChannel(conn.ID(), ref.ChannelID)
	return nil
}

func (h *Hub) handleMessageSend(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.SendPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	_, err := h.router.Send(ctx, conn, payload)
	return err
}

func (h *Hub) handleMessageDelete(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.DeletePayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	_, err := h.router.Delete(ctx, conn.Identity(), payload.ID)
	return err
}

func (h *Hub) handleTypingSet(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.TypingPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	_, err := h.typing.SetTyping(conn, payload.ScopeID, payload.IsTyping)
	return err
}

// handleDMInitiate announces an existing conversation to the caller only
func (h *Hub) handleDMInitiate(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.TargetUserPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	conversation, created, err := h.dms.Initiate(ctx, conn.Identity().UserID, payload.TargetUserID)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	if err := h.registry.JoinScope(conn.ID(), types.ConversationScope(conversation.ID)); err != nil {
		return err
	}
	frame, err := json.Marshal(types.NewEvent(types.EventConversationNew, conversation))
	if err != nil {
		return err
	}
	return conn.Enqueue(frame)
}

func (h *Hub) handleDMBlock(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.TargetUserPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	return h.dms.Block(ctx, conn.Identity().UserID, payload.TargetUserID)
}

func (h *Hub) handleDMUnblock(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	var payload types.TargetUserPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	return h.dms.Unblock(ctx, conn.Identity().UserID, payload.TargetUserID)
}

// Start begins the maintenance loop
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go h.run(ctx, h.stop, h.done)
	return nil
}

// Stop halts the maintenance loop
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()

	<-done
	return nil
}

// IsRunning reports whether the maintenance loop is active
func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// run prunes idle rate limiter state until stopped
func (h *Hub) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := h.router.Limiter().Cleanup(); removed > 0 {
				h.logger.Debug("pruned rate limiter state", "removed", removed)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns connection statistics
func (h *Hub) Stats() map[string]int {
	return h.registry.Stats()
}

func asValidation(err error) *types.ValidationError {
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		return vErr
	}
	return nil
}
