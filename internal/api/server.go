package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"campuschat/internal/channel"
	"campuschat/internal/dm"
	"campuschat/internal/logging"
	"campuschat/internal/notify"
	"campuschat/internal/router"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const maxBodyBytes = 1 << 20

// Verifier turns a bearer credential into an identity claim
type Verifier interface {
	Verify(raw string) (types.IdentityClaim, error)
}

// HealthChecker reports storage health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider reports live connection statistics
type StatsProvider interface {
	Stats() map[string]int
}

// Config wires a Server
type Config struct {
	Verifier      Verifier
	Users         interfaces.UserStore
	Health        HealthChecker
	Stats         StatsProvider
	Router        *router.Router
	Channels      *channel.Manager
	DMs           *dm.Manager
	Notifications *notify.Service
	// WebSocket serves GET /ws when set
	WebSocket http.Handler
	Logger    *slog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No business logic here, only authentication, decoding and status mapping
type Server struct {
	verifier      Verifier
	users         interfaces.UserStore
	health        HealthChecker
	stats         StatsProvider
	router        *router.Router
	channels      *channel.Manager
	dms           *dm.Manager
	notifications *notify.Service
	logger        *slog.Logger
	started       time.Time

	mux *http.ServeMux
}

// NewServer creates the REST surface and mounts the websocket handler
func NewServer(cfg Config) *Server {
	s := &Server{
		verifier:      cfg.Verifier,
		users:         cfg.Users,
		health:        cfg.Health,
		stats:         cfg.Stats,
		router:        cfg.Router,
		channels:      cfg.Channels,
		dms:           cfg.DMs,
		notifications: cfg.Notifications,
		logger:        logging.Default(cfg.Logger).With("component", "api"),
		started:       time.Now(),
		mux:           http.NewServeMux(),
	}
	s.setupRoutes(cfg.WebSocket)
	return s
}

// authedHandler serves one authenticated request; a returned error becomes the response
type authedHandler func(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error

func (s *Server) setupRoutes(ws http.Handler) {
	api := http.NewServeMux()

	api.HandleFunc("GET /health", s.healthCheck)

	api.Handle("GET /api/channels", s.authed(s.listChannels))
	api.Handle("GET /api/channels/mine", s.authed(s.listMyChannels))
	api.Handle("POST /api/channels", s.authed(s.createChannel))
	api.Handle("GET /api/channels/{id}", s.authed(s.getChannel))
	api.Handle("DELETE /api/channels/{id}", s.authed(s.deleteChannel))
	api.Handle("POST /api/channels/{id}/invites", s.authed(s.inviteToChannel))
	api.Handle("DELETE /api/channels/{id}/members/me", s.authed(s.leaveChannel))
	api.Handle("GET /api/channels/{id}/messages", s.authed(s.channelMessages))

	api.Handle("GET /api/rooms/{roomId}/messages", s.authed(s.roomMessages))
	api.Handle("DELETE /api/messages/{id}", s.authed(s.deleteMessage))

	api.Handle("GET /api/conversations", s.authed(s.listConversations))
	api.Handle("POST /api/conversations", s.authed(s.createConversation))
	api.Handle("GET /api/conversations/{id}/messages", s.authed(s.conversationMessages))

	api.Handle("POST /api/blocks", s.authed(s.block))
	api.Handle("DELETE /api/blocks/{userId}", s.authed(s.unblock))
	api.Handle("GET /api/blocks/{userId}", s.authed(s.blockStatus))

	api.Handle("GET /api/notifications", s.authed(s.listNotifications))
	api.Handle("POST /api/notifications/read", s.authed(s.markNotificationsRead))

	api.Handle("PUT /api/push-subscriptions", s.authed(s.subscribePush))
	api.Handle("DELETE /api/push-subscriptions", s.authed(s.unsubscribePush))

	// TECHNICAL DISCOVERY: The upgrade path stays outside the JSON and CORS middleware;
	// the handshake writes its own status and headers
	if ws != nil {
		s.mux.Handle("GET /ws", ws)
	}
	s.mux.Handle("/", s.requestLogger(s.corsMiddleware(s.jsonMiddleware(api))))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization

type CreateChannelRequest struct {
	Name        string            `json:"name"`
	Description *string           `json:"description"`
	Type        types.ChannelType `json:"type"`
}

type InviteRequest struct {
	UserID string `json:"userId"`
}

type TargetUserRequest struct {
	TargetUserID string `json:"targetUserId"`
}

type BlockRequest struct {
	UserID string `json:"userId"`
}

// PushSubscriptionRequest matches the browser PushSubscription JSON
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type ChannelsResponse struct {
	Channels []*types.Channel `json:"channels"`
}

type ChannelResponse struct {
	Channel *types.Channel `json:"channel"`
}

type MessagesResponse struct {
	Messages any `json:"messages"`
	Limit    int `json:"limit"`
	Offset   int `json:"offset"`
}

type MessageResponse struct {
	Message *types.Message `json:"message"`
}

type ConversationsResponse struct {
	Conversations []*types.ConversationSummary `json:"conversations"`
}

type ConversationResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

type PushSubscriptionResponse struct {
	Subscription *types.PushSubscription `json:"subscription"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

// ErrorResponse carries the stable code and a client-safe message
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// authed verifies the bearer token and records the caller in the user directory
func (s *Server) authed(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claim, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		if s.users != nil {
			if err := s.users.EnsureUser(r.Context(), claim); err != nil {
				s.sendError(w, r, err)
				return
			}
		}
		if err := next(w, r, claim); err != nil {
			s.sendError(w, r, err)
		}
	})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	channels, err := s.channels.List(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, ChannelsResponse{Channels: orEmpty(channels)})
}

func (s *Server) listMyChannels(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	channels, err := s.channels.ListMine(r.Context(), claim.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, ChannelsResponse{Channels: orEmpty(channels)})
}

// FUNCTIONAL DISCOVERY: POST /api/channels - the creator becomes owner and first member
func (s *Server) createChannel(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req CreateChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	ch, err := s.channels.Create(r.Context(), channel.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		OwnerID:     claim.UserID,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, ChannelResponse{Channel: ch})
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	ch, err := s.channels.Get(r.Context(), r.PathValue("id"), claim.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, ChannelResponse{Channel: ch})
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	if err := s.channels.Delete(r.Context(), r.PathValue("id"), claim.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) inviteToChannel(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req InviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := s.channels.Invite(r.Context(), r.PathValue("id"), claim.UserID, req.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) leaveChannel(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	if err := s.channels.Leave(r.Context(), r.PathValue("id"), claim.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) channelMessages(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	messages, err := s.channels.Messages(r.Context(), r.PathValue("id"), claim.UserID, page)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, MessagesResponse{Messages: orEmpty(messages), Limit: page.Limit, Offset: page.Offset})
}

// FUNCTIONAL DISCOVERY: GET /api/rooms/{roomId}/messages - only the caller's own batch room is readable
func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	messages, err := s.router.History(r.Context(), claim, r.PathValue("roomId"), page)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, MessagesResponse{Messages: orEmpty(messages), Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	message, err := s.router.Delete(r.Context(), claim, r.PathValue("id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, MessageResponse{Message: message})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	conversations, err := s.dms.ListConversations(r.Context(), claim.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: orEmpty(conversations)})
}

// createConversation answers 201 for a new conversation and 200 for an existing one
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req TargetUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	conversation, created, err := s.dms.Initiate(r.Context(), claim.UserID, req.TargetUserID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return writeJSON(w, status, ConversationResponse{Conversation: conversation, Created: created})
}

func (s *Server) conversationMessages(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	messages, err := s.dms.ListMessages(r.Context(), r.PathValue("id"), claim.UserID, page)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, MessagesResponse{Messages: orEmpty(messages), Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) block(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req BlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := s.dms.Block(r.Context(), claim.UserID, req.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	if err := s.dms.Unblock(r.Context(), claim.UserID, r.PathValue("userId")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) blockStatus(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	status, err := s.dms.BlockStatus(r.Context(), claim.UserID, r.PathValue("userId"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, status)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	page, err := parsePage(r)
	if err != nil {
		return err
	}
	notifications, err := s.notifications.List(r.Context(), claim.UserID, page)
	if err != nil {
		return err
	}
	unread, err := s.notifications.UnreadCount(r.Context(), claim.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: orEmpty(notifications), Unread: unread})
}

func (s *Server) markNotificationsRead(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	updated, err := s.notifications.MarkRead(r.Context(), claim.UserID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, MarkReadResponse{Updated: updated})
}

func (s *Server) subscribePush(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req PushSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	sub, err := s.notifications.Subscribe(r.Context(), claim.UserID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, PushSubscriptionResponse{Subscription: sub})
}

func (s *Server) unsubscribePush(w http.ResponseWriter, r *http.Request, claim types.IdentityClaim) error {
	var req UnsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := s.notifications.Unsubscribe(r.Context(), claim.UserID, req.Endpoint); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// FUNCTIONAL DISCOVERY: GET /health - unauthenticated; 503 when the database check fails
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "unavailable"
			logging.Or(r.Context(), s.logger).Error("health check failed", "error", err)
		}
	}

	connections := map[string]int{}
	if s.stats != nil {
		connections = s.stats.Stats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, code, response)
}

// statusFor maps an error code onto its HTTP status
func statusFor(code string) int {
	switch code {
	case types.CodeUnauthenticated:
		return http.StatusUnauthorized
	case types.CodeForbidden, types.CodeBlocked:
		return http.StatusForbidden
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeConflict:
		return http.StatusConflict
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format; internal details never leave the process
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := types.ErrorCode(err)
	logger := logging.Or(r.Context(), s.logger)
	if code == types.CodeInternal {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}

	response := ErrorResponse{Error: code, Message: types.PublicMessage(err)}
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		response.Fields = vErr.FieldErrors
	}
	_ = writeJSON(w, statusFor(code), response)
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewValidationError("body", "required")
		}
		return types.NewValidationError("body", "invalid JSON")
	}
	return nil
}

// parsePage reads ?limit= and ?offset=; absent values fall back to the defaults
func parsePage(r *http.Request) (types.Page, error) {
	v := &types.ValidationError{}
	query := r.URL.Query()

	parse := func(field string) int {
		raw := strings.TrimSpace(query.Get(field))
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			v.Add(field, "must be a non-negative integer")
			return 0
		}
		return n
	}

	page := types.Page{Limit: parse("limit"), Offset: parse("offset")}
	if err := v.OrNil(); err != nil {
		return types.Page{}, err
	}
	return page.Normalize(), nil
}

// orEmpty keeps list responses as [] rather than null
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// requestLogger tags each request with an id and logs its outcome
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := s.logger.With("request_id", requestID)
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", fmt.Sprint(time.Since(start).Round(time.Microsecond)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
