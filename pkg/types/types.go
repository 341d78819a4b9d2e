package types

import (
	"encoding/json"
	"time"
)

// Role is the platform role carried in an identity claim
type Role string

const (
	RoleStudent    Role = "STUDENT"
	RoleProfessor  Role = "PROFESSOR"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// IdentityClaim is the verified result of authenticating a credential.
// ARCHITECTURAL DISCOVERY: Issued once per connection and never mutated;
// a reconnect re-derives it from a fresh token
type IdentityClaim struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	BatchYear   int    `json:"batchYear"`
	BatchBranch string `json:"batchBranch"`
}

// Room returns the batch room this claim belongs to
func (c IdentityClaim) Room() string {
	return ResolveRoom(c.BatchYear, c.BatchBranch)
}

// User is the display directory entry for an account
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	BatchYear   int       `json:"batchYear"`
	BatchBranch string    `json:"batchBranch"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Author holds the display fields hydrated onto messages at read time
type Author struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// ChannelType distinguishes enumerable channels from invite-only ones
type ChannelType string

const (
	ChannelPublic  ChannelType = "PUBLIC"
	ChannelPrivate ChannelType = "PRIVATE"
)

// Channel is a named, persistent topic scope
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	Type        ChannelType `json:"type"`
	OwnerID     *string     `json:"ownerId,omitempty"`
	IsDefault   bool        `json:"isDefault"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// IsOwner reports whether userID owns the channel
func (c *Channel) IsOwner(userID string) bool {
	return c.OwnerID != nil && *c.OwnerID == userID
}

// ChannelMessage belongs to exactly one channel
type ChannelMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Author    Author    `json:"author"`
}

// Conversation is a two-party direct-message thread
// FUNCTIONAL DISCOVERY: ParticipantIDs is always sorted so the pair is canonical
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is one of the two participants
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Peer returns the participant that is not userID
func (c *Conversation) Peer(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// ConversationSummary is a conversation as listed for one participant
type ConversationSummary struct {
	Conversation
	Peer        Author         `json:"peer"`
	LastMessage *DirectMessage `json:"lastMessage,omitempty"`
}

// DirectMessage belongs to exactly one conversation
type DirectMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Author         Author    `json:"author"`
}

// BlockStatus describes the block relation between two users from the caller's side
type BlockStatus struct {
	Blocking  bool `json:"blocking"`
	BlockedBy bool `json:"blockedBy"`
}

// Message is a batch chat message
// ARCHITECTURAL DISCOVERY: RoomID, Year and Branch are redundant on purpose;
// persistence rejects rows where they disagree
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Year      int       `json:"year"`
	Branch    string    `json:"branch"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	Author    Author    `json:"author"`
}

// NotificationKind labels the domain event that produced a notification
type NotificationKind string

const (
	NotificationDirectMessage NotificationKind = "dm"
	NotificationMention       NotificationKind = "mention"
	NotificationAnswer        NotificationKind = "answer"
	NotificationReaction      NotificationKind = "reaction"
	NotificationChannelInvite NotificationKind = "channel_invite"
)

// Notification is a durable per-recipient record
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Kind        NotificationKind `json:"kind"`
	Payload     json.RawMessage  `json:"payload"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// PushSubscription is a browser push endpoint with its key pair
type PushSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}

// Page bounds a history listing
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the page into the supported range
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
