package dm

import (
	"context"
	"errors"
	"log/slog"
	"unicode/utf8"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const previewLength = 80

// Manager enforces direct-message participation and the block relation
type Manager struct {
	store       interfaces.ConversationStore
	users       interfaces.UserStore
	broadcaster interfaces.Broadcaster
	notifier    interfaces.Notifier
	maxContent  int
	logger      *slog.Logger
}

// Options configure a Manager
type Options struct {
	MaxContentLength int
	Logger           *slog.Logger
}

// NewManager creates a DM manager; notifier may be nil
func NewManager(store interfaces.ConversationStore, users interfaces.UserStore, broadcaster interfaces.Broadcaster, notifier interfaces.Notifier, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = types.MaxContentLength
	}
	return &Manager{
		store:       store,
		users:       users,
		broadcaster: broadcaster,
		notifier:    notifier,
		maxContent:  opts.MaxContentLength,
		logger:      opts.Logger.With("component", "dm"),
	}
}

// Initiate returns the pair's conversation, creating it when absent
// FUNCTIONAL DISCOVERY: A new conversation joins both users' live connections to its scope
// and announces itself with conversation:new before any message flows
func (m *Manager) Initiate(ctx context.Context, initiatorID, targetUserID string) (*types.Conversation, bool, error) {
	if err := validatePeer(initiatorID, targetUserID); err != nil {
		return nil, false, err
	}
	if _, err := m.users.GetUser(ctx, targetUserID); err != nil {
		return nil, false, err
	}

	conversation, created, err := m.store.FindOrCreateConversation(ctx, initiatorID, targetUserID)
	if err != nil {
		return nil, false, err
	}

	if created {
		scope := types.ConversationScope(conversation.ID)
		event := types.NewEvent(types.EventConversationNew, conversation)
		for _, userID := range conversation.ParticipantIDs {
			m.broadcaster.JoinUser(userID, scope)
			m.broadcaster.SendToUser(userID, event)
		}
		m.logger.Info("conversation created", "conversation_id", conversation.ID, "initiator_id", initiatorID)
	}
	return conversation, created, nil
}

// Block records that blockerID blocks blockedID; repeating is a no-op
func (m *Manager) Block(ctx context.Context, blockerID, blockedID string) error {
	if err := validatePeer(blockerID, blockedID); err != nil {
		return err
	}
	if err := m.store.Block(ctx, blockerID, blockedID); err != nil {
		return err
	}
	m.logger.Info("user blocked", "blocker_id", blockerID, "blocked_id", blockedID)
	return nil
}

// Unblock lifts a block; unblocking someone not blocked is a no-op
func (m *Manager) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := validatePeer(blockerID, blockedID); err != nil {
		return err
	}
	return m.store.Unblock(ctx, blockerID, blockedID)
}

// BlockStatus reports the relation from userID's side
func (m *Manager) BlockStatus(ctx context.Context, userID, otherID string) (types.BlockStatus, error) {
	if err := validatePeer(userID, otherID); err != nil {
		return types.BlockStatus{}, err
	}
	return m.store.GetBlockStatus(ctx, userID, otherID)
}

// SendMessage persists a message and notifies the peer
// Participation and block state are checked by the store inside the insert transaction
func (m *Manager) SendMessage(ctx context.Context, conversationID, senderID, content string) (*types.DirectMessage, error) {
	normalized, err := types.NormalizeContent(content, m.maxContent)
	if err != nil {
		return nil, err
	}

	message, err := m.store.CreateDirectMessage(ctx, &types.DirectMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        normalized,
	})
	if err != nil {
		return nil, err
	}

	m.notifyPeer(ctx, message)
	return message, nil
}

func (m *Manager) notifyPeer(ctx context.Context, message *types.DirectMessage) {
	if m.notifier == nil {
		return
	}
	conversation, err := m.store.GetConversation(ctx, message.ConversationID)
	if err != nil {
		m.logger.Warn("failed to load conversation for notification", "conversation_id", message.ConversationID, "error", err)
		return
	}

	_, err = m.notifier.Notify(ctx, interfaces.NotificationEvent{
		Kind:         types.NotificationDirectMessage,
		RecipientIDs: []string{conversation.Peer(message.SenderID)},
		Payload: map[string]string{
			"conversationId": message.ConversationID,
			"messageId":      message.ID,
			"senderId":       message.SenderID,
			"senderName":     message.Author.Name,
			"preview":        preview(message.Content),
		},
	})
	if err != nil {
		m.logger.Warn("failed to notify direct message", "conversation_id", message.ConversationID, "error", err)
	}
}

// ListConversations returns userID's conversations by recent activity
func (m *Manager) ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error) {
	return m.store.ListConversations(ctx, userID)
}

// ListMessages returns conversation history to participants only
func (m *Manager) ListMessages(ctx context.Context, conversationID, userID string, page types.Page) ([]*types.DirectMessage, error) {
	if _, err := m.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return m.store.ListDirectMessages(ctx, conversationID, page.Normalize())
}

// ConversationScopes returns the registry scopes of every conversation userID takes part in
func (m *Manager) ConversationScopes(ctx context.Context, userID string) ([]string, error) {
	ids, err := m.store.ListConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	scopes := make([]string, len(ids))
	for i, id := range ids {
		scopes[i] = types.ConversationScope(id)
	}
	return scopes, nil
}

// IsParticipant reports whether userID takes part in the conversation
func (m *Manager) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := m.participantConversation(ctx, conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}

func (m *Manager) participantConversation(ctx context.Context, conversationID, userID string) (*types.Conversation, error) {
	conversation, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, types.ErrForbidden
	}
	return conversation, nil
}

func validatePeer(userID, otherID string) error {
	if !types.IsValidUserID(otherID) {
		return types.NewValidationError("targetUserId", "invalid")
	}
	if userID == otherID {
		return types.NewValidationError("targetUserId", "must be another user")
	}
	return nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
