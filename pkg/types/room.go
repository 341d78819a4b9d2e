package types

import (
	"fmt"
	"strings"
)

const (
	roomPrefix         = "room_"
	channelScopePrefix = "channel:"
	convScopePrefix    = "conversation:"
)

// ResolveRoom derives the canonical batch room id.
// Branches are stored uppercase, so "cs" and "CS" resolve to the same room.
// The decimal year never contains '_', which keeps distinct pairs distinct.
func ResolveRoom(year int, branch string) string {
	return fmt.Sprintf("%s%d_%s", roomPrefix, year, NormalizeBranch(branch))
}

// NormalizeBranch is the stored form of a batch branch
func NormalizeBranch(branch string) string {
	return strings.ToUpper(strings.TrimSpace(branch))
}

// IsRoomID reports whether id is shaped like a batch room id
func IsRoomID(id string) bool {
	return strings.HasPrefix(id, roomPrefix)
}

// ChannelScope is the registry scope key for a channel
func ChannelScope(channelID string) string {
	return channelScopePrefix + channelID
}

// ConversationScope is the registry scope key for a DM conversation
func ConversationScope(conversationID string) string {
	return convScopePrefix + conversationID
}
