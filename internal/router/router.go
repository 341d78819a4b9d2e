package router

import (
	"context"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const scopeLockStripes = 64

// Scope labels carried in message:new
const (
	ScopeRoom         = "room"
	ScopeChannel      = "channel"
	ScopeConversation = "conversation"
)

var mentionRegex = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9._-]{1,64})`)

// DirectMessenger persists direct messages with participant and block checks
type DirectMessenger interface {
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*types.DirectMessage, error)
}

// Router persists outbound chat messages and fans them out to their scope
// ARCHITECTURAL DISCOVERY: Persist-then-broadcast under a per-scope lock, so the order
// members observe within a scope equals commit order
type Router struct {
	messages    interfaces.MessageStore
	channels    interfaces.ChannelStore
	users       interfaces.UserStore
	directs     DirectMessenger
	broadcaster interfaces.Broadcaster
	notifier    interfaces.Notifier
	limiter     *RateLimiter
	maxContent  int
	locks       [scopeLockStripes]sync.Mutex
	logger      *slog.Logger
}

// Config wires a Router
type Config struct {
	Messages    interfaces.MessageStore
	Channels    interfaces.ChannelStore
	Users       interfaces.UserStore
	Directs     DirectMessenger
	Broadcaster interfaces.Broadcaster
	Notifier    interfaces.Notifier
	Limiter     *RateLimiter
	MaxContent  int
	Logger      *slog.Logger
}

// NewRouter creates a new message router
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(defaultRateLimit, defaultRateWindow)
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = types.MaxContentLength
	}
	return &Router{
		messages:    cfg.Messages,
		channels:    cfg.Channels,
		users:       cfg.Users,
		directs:     cfg.Directs,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		limiter:     cfg.Limiter,
		maxContent:  cfg.MaxContent,
		logger:      cfg.Logger.With("component", "router"),
	}
}

// Limiter exposes the rate limiter for periodic cleanup
func (r *Router) Limiter() *RateLimiter {
	return r.limiter
}

// Send validates, persists and broadcasts one message from sender
// FUNCTIONAL DISCOVERY: The sender's own connections receive message:new too; it carries the server id
func (r *Router) Send(ctx context.Context, sender interfaces.Connection, payload types.SendPayload) (*types.MessageNewData, error) {
	claim := sender.Identity()

	if err := checkSingleTarget(payload); err != nil {
		return nil, err
	}
	content, err := types.NormalizeContent(payload.Content, r.maxContent)
	if err != nil {
		return nil, err
	}
	if !r.limiter.Allow(claim.UserID) {
		return nil, types.ErrRateLimited
	}

	switch {
	case payload.RoomID != "":
		return r.sendToRoom(ctx, claim, payload.RoomID, content)
	case payload.ChannelID != "":
		return r.sendToChannel(ctx, claim, payload.ChannelID, content)
	default:
		return r.sendToConversation(ctx, claim, payload.ConversationID, content)
	}
}

func checkSingleTarget(payload types.SendPayload) error {
	targets := 0
	for _, id := range []string{payload.RoomID, payload.ChannelID, payload.ConversationID} {
		if id != "" {
			targets++
		}
	}
	switch targets {
	case 0:
		return ErrNoTarget
	case 1:
		return nil
	default:
		return ErrMultipleTargets
	}
}

// sendToRoom accepts only the sender's own batch room
func (r *Router) sendToRoom(ctx context.Context, claim types.IdentityClaim, roomID, content string) (*types.MessageNewData, error) {
	if roomID != claim.Room() {
		return nil, types.ErrForbidden
	}

	var data *types.MessageNewData
	err := r.withScope(roomID, func() error {
		message, err := r.messages.CreateMessage(ctx, &types.Message{
			Content:  content,
			RoomID:   roomID,
			SenderID: claim.UserID,
			Year:     claim.BatchYear,
			Branch:   claim.BatchBranch,
		})
		if err != nil {
			return err
		}
		data = &types.MessageNewData{Scope: ScopeRoom, Message: message}
		r.broadcaster.Broadcast(roomID, types.NewEvent(types.EventMessageNew, data), "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.notifyMentions(ctx, claim, data.Message.Content, ScopeRoom, roomID, data.Message.ID, func(u *types.User) bool {
		return u.BatchYear == claim.BatchYear && u.BatchBranch == types.NormalizeBranch(claim.BatchBranch)
	})
	return data, nil
}

func (r *Router) sendToChannel(ctx context.Context, claim types.IdentityClaim, channelID, content string) (*types.MessageNewData, error) {
	scope := types.ChannelScope(channelID)

	var data *types.MessageNewData
	err := r.withScope(scope, func() error {
		message, err := r.channels.CreateChannelMessage(ctx, &types.ChannelMessage{
			ChannelID: channelID,
			AuthorID:  claim.UserID,
			Content:   content,
		})
		if err != nil {
			return err
		}
		data = &types.MessageNewData{Scope: ScopeChannel, ChannelMessage: message}
		r.broadcaster.Broadcast(scope, types.NewEvent(types.EventMessageNew, data), "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	if names := extractMentions(content); len(names) > 0 {
		members, err := r.channels.ListChannelMemberIDs(ctx, channelID)
		if err != nil {
			r.logger.Warn("failed to list channel members for mentions", "channel_id", channelID, "error", err)
			return data, nil
		}
		memberSet := make(map[string]struct{}, len(members))
		for _, id := range members {
			memberSet[id] = struct{}{}
		}
		r.notifyMentions(ctx, claim, content, ScopeChannel, channelID, data.ChannelMessage.ID, func(u *types.User) bool {
			_, ok := memberSet[u.ID]
			return ok
		})
	}
	return data, nil
}

func (r *Router) sendToConversation(ctx context.Context, claim types.IdentityClaim, conversationID, content string) (*types.MessageNewData, error) {
	scope := types.ConversationScope(conversationID)

	var data *types.MessageNewData
	err := r.withScope(scope, func() error {
		message, err := r.directs.SendMessage(ctx, conversationID, claim.UserID, content)
		if err != nil {
			return err
		}
		data = &types.MessageNewData{Scope: ScopeConversation, DirectMessage: message}
		r.broadcaster.Broadcast(scope, types.NewEvent(types.EventMessageNew, data), "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete soft-deletes a batch message the requester owns and announces it to the room
func (r *Router) Delete(ctx context.Context, requester types.IdentityClaim, messageID string) (*types.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, ErrMissingID
	}

	room := requester.Room()
	var deleted *types.Message
	err := r.withScope(room, func() error {
		message, err := r.messages.SoftDeleteMessage(ctx, messageID, requester)
		if err != nil {
			return err
		}
		deleted = message
		event := types.NewEvent(types.EventMessageDeleted, types.MessageDeletedData{ID: message.ID, RoomID: message.RoomID})
		r.broadcaster.Broadcast(message.RoomID, event, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("message deleted", "message_id", messageID, "user_id", requester.UserID)
	return deleted, nil
}

// History returns non-deleted room messages oldest first; only the requester's own room is readable
func (r *Router) History(ctx context.Context, requester types.IdentityClaim, roomID string, page types.Page) ([]*types.Message, error) {
	if roomID != requester.Room() {
		return nil, types.ErrForbidden
	}
	return r.messages.ListRoomMessages(ctx, roomID, page.Normalize())
}

// withScope serializes persist-and-broadcast for one scope
func (r *Router) withScope(scope string, fn func() error) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	lock := &r.locks[h.Sum32()%scopeLockStripes]

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// notifyMentions sends mention notifications to mentioned users passing eligible
func (r *Router) notifyMentions(ctx context.Context, sender types.IdentityClaim, content, scope, scopeID, messageID string, eligible func(*types.User) bool) {
	if r.notifier == nil || r.users == nil {
		return
	}
	names := extractMentions(content)
	if len(names) == 0 {
		return
	}

	users, err := r.users.FindUsersByName(ctx, names)
	if err != nil {
		r.logger.Warn("failed to resolve mentions", "scope", scopeID, "error", err)
		return
	}

	var recipients []string
	for _, u := range users {
		if u.ID != sender.UserID && eligible(u) {
			recipients = append(recipients, u.ID)
		}
	}
	if len(recipients) == 0 {
		return
	}

	_, err = r.notifier.Notify(ctx, interfaces.NotificationEvent{
		Kind:         types.NotificationMention,
		RecipientIDs: recipients,
		Payload: map[string]string{
			"scope":     scope,
			"scopeId":   scopeID,
			"messageId": messageID,
			"senderId":  sender.UserID,
		},
	})
	if err != nil {
		r.logger.Warn("failed to notify mentions", "scope", scopeID, "error", err)
	}
}

// extractMentions returns the distinct lowercase @names in content
func extractMentions(content string) []string {
	matches := mentionRegex.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, match := range matches {
		name := strings.ToLower(strings.TrimRight(match[1], "."))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
