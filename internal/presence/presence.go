// Package presence broadcasts ephemeral typing signals to live scope members
package presence

import (
	"strings"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Broadcaster is the registry surface typing needs
type Broadcaster interface {
	Broadcast(scope string, event types.OutboundEvent, excludeConnID string) int
	IsMember(connID, scope string) bool
}

// Typing relays typing:update without persistence or timers
type Typing struct {
	broadcaster Broadcaster
}

// NewTyping creates a typing broadcaster
func NewTyping(broadcaster Broadcaster) *Typing {
	return &Typing{broadcaster: broadcaster}
}

// SetTyping relays isTyping for scopeID to every other member of that scope
// scopeID is a batch room id, a channel id or a conversation id; the caller must currently be subscribed
func (t *Typing) SetTyping(conn interfaces.Connection, scopeID string, isTyping bool) (int, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return 0, types.NewValidationError("scopeId", "required")
	}

	scope, ok := t.resolve(conn.ID(), scopeID)
	if !ok {
		return 0, types.ErrForbidden
	}

	event := types.NewEvent(types.EventTypingUpdate, types.TypingUpdateData{
		ScopeID:  scopeID,
		UserID:   conn.Identity().UserID,
		IsTyping: isTyping,
	})
	return t.broadcaster.Broadcast(scope, event, conn.ID()), nil
}

// resolve maps a client-facing scope id onto the registry scope the connection belongs to
func (t *Typing) resolve(connID, scopeID string) (string, bool) {
	candidates := []string{types.ChannelScope(scopeID), types.ConversationScope(scopeID)}
	if types.IsRoomID(scopeID) {
		candidates = []string{scopeID}
	}
	for _, scope := range candidates {
		if t.broadcaster.IsMember(connID, scope) {
			return scope, true
		}
	}
	return "", false
}
