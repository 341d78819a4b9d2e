package types

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of websocket event types
type EventKind string

// Inbound (connection -> server)
const (
	EventJoinRoom     EventKind = "join:room"
	EventJoinChannel  EventKind = "join:channel"
	EventLeaveChannel EventKind = "leave:channel"
	EventMessageSend  EventKind = "message:send"
	EventMessageDel   EventKind = "message:delete"
	EventTypingSet    EventKind = "typing:set"
	EventDMInitiate   EventKind = "dm:initiate"
	EventDMBlock      EventKind = "dm:block"
	EventDMUnblock    EventKind = "dm:unblock"
)

// Outbound (server -> connections)
const (
	EventMessageNew      EventKind = "message:new"
	EventMessageDeleted  EventKind = "message:deleted"
	EventTypingUpdate    EventKind = "typing:update"
	EventChannelDeleted  EventKind = "channel:deleted"
	EventNotificationNew EventKind = "notification:new"
	EventConversationNew EventKind = "conversation:new"
	EventError           EventKind = "error"
)

// InboundKinds lists every event a client may send
func InboundKinds() []EventKind {
	return []EventKind{
		EventJoinRoom,
		EventJoinChannel,
		EventLeaveChannel,
		EventMessageSend,
		EventMessageDel,
		EventTypingSet,
		EventDMInitiate,
		EventDMBlock,
		EventDMUnblock,
	}
}

// IsInbound reports whether k is a client-sendable kind
func (k EventKind) IsInbound() bool {
	for _, kind := range InboundKinds() {
		if kind == k {
			return true
		}
	}
	return false
}

// Envelope is the wire frame in both directions
type Envelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an envelope whose data has not been encoded yet
type OutboundEvent struct {
	Type      EventKind `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an outbound event
func NewEvent(kind EventKind, data any) OutboundEvent {
	return OutboundEvent{Type: kind, Data: data, Timestamp: time.Now().UTC()}
}

// Inbound payloads

type ChannelRef struct {
	ChannelID string `json:"channelId"`
}

// SendPayload targets exactly one of RoomID, ChannelID, ConversationID
type SendPayload struct {
	Content        string `json:"content"`
	RoomID         string `json:"roomId,omitempty"`
	ChannelID      string `json:"channelId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

type TypingPayload struct {
	ScopeID  string `json:"scopeId"`
	IsTyping bool   `json:"isTyping"`
}

type TargetUserPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// Outbound payloads

type MessageDeletedData struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
}

type TypingUpdateData struct {
	ScopeID  string `json:"scopeId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ChannelDeletedData struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason"`
}

type ErrorData struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Event   EventKind         `json:"event,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// MessageNewData wraps whichever message flavour was created
type MessageNewData struct {
	Scope          string          `json:"scope"` // room | channel | conversation
	Message        *Message        `json:"message,omitempty"`
	ChannelMessage *ChannelMessage `json:"channelMessage,omitempty"`
	DirectMessage  *DirectMessage  `json:"directMessage,omitempty"`
}
