package interfaces

import (
	"context"
	"time"

	"campuschat/pkg/types"
)

// UserStore is the display directory used to hydrate author fields
type UserStore interface {
	// EnsureUser records the claim's user on first contact; later calls are no-ops
	EnsureUser(ctx context.Context, claim types.IdentityClaim) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	// FindUsersByName matches display names case-insensitively
	FindUsersByName(ctx context.Context, names []string) ([]*types.User, error)
}

// MessageStore persists batch chat messages
type MessageStore interface {
	// CreateMessage rejects messages whose room, year and branch disagree
	CreateMessage(ctx context.Context, message *types.Message) (*types.Message, error)
	// ListRoomMessages returns non-deleted messages oldest first
	ListRoomMessages(ctx context.Context, roomID string, page types.Page) ([]*types.Message, error)
	// SoftDeleteMessage flips is_deleted for a message the requester owns within their batch
	SoftDeleteMessage(ctx context.Context, messageID string, requester types.IdentityClaim) (*types.Message, error)
	// GetMessage returns the row even when soft-deleted
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
	CountRoomMessages(ctx context.Context, roomID string, includeDeleted bool) (int, error)
}

// ChannelStore persists channels, their members and their messages
type ChannelStore interface {
	CreateChannel(ctx context.Context, channel *types.Channel) error
	// SeedChannel inserts a default channel unless the name is taken
	SeedChannel(ctx context.Context, channel *types.Channel) (bool, error)
	GetChannel(ctx context.Context, channelID string) (*types.Channel, error)
	ListPublicChannels(ctx context.Context) ([]*types.Channel, error)
	ListChannelsForUser(ctx context.Context, userID string) ([]*types.Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error

	AddChannelMember(ctx context.Context, channelID, userID string) error
	RemoveChannelMember(ctx context.Context, channelID, userID string) error
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)
	ListChannelMemberIDs(ctx context.Context, channelID string) ([]string, error)

	// CreateChannelMessage requires the author to be a member
	CreateChannelMessage(ctx context.Context, message *types.ChannelMessage) (*types.ChannelMessage, error)
	ListChannelMessages(ctx context.Context, channelID string, page types.Page) ([]*types.ChannelMessage, error)

	// ListIdleChannelCandidates returns non-default channels idle since idleBefore or memberless
	ListIdleChannelCandidates(ctx context.Context, idleBefore time.Time) ([]string, error)
	// DeleteChannelIfIdle re-checks the idle condition inside the deleting transaction
	DeleteChannelIfIdle(ctx context.Context, channelID string, idleBefore time.Time) (bool, error)
}

// ConversationStore persists DM conversations, their messages and the block relation
type ConversationStore interface {
	// FindOrCreateConversation fails with ErrBlocked when either user blocked the other
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*types.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)

	// CreateDirectMessage checks participant and block state and bumps updated_at atomically
	CreateDirectMessage(ctx context.Context, message *types.DirectMessage) (*types.DirectMessage, error)
	ListDirectMessages(ctx context.Context, conversationID string, page types.Page) ([]*types.DirectMessage, error)

	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	GetBlockStatus(ctx context.Context, userID, otherID string) (types.BlockStatus, error)
}

// NotificationStore persists notifications and push subscriptions
type NotificationStore interface {
	CreateNotifications(ctx context.Context, notifications []*types.Notification) error
	ListNotifications(ctx context.Context, userID string, page types.Page) ([]*types.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationsRead(ctx context.Context, userID string) (int64, error)

	UpsertPushSubscription(ctx context.Context, sub *types.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
	DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]*types.PushSubscription, error)
}

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single implementation behind narrow per-concern interfaces;
// managers depend only on the slice they use
type DatabaseManager interface {
	UserStore
	MessageStore
	ChannelStore
	ConversationStore
	NotificationStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
