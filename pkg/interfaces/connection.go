package interfaces

import "campuschat/pkg/types"

// Connection represents one live client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// so the registry can be exercised with in-memory fakes
type Connection interface {
	// ID is unique per connection, not per user
	ID() string

	// Identity returns the claim verified at handshake; immutable for the connection's lifetime
	Identity() types.IdentityClaim

	// Enqueue hands an encoded frame to the connection's writer without blocking
	Enqueue(data []byte) error

	// Close closes the connection and cleans up resources; safe to call repeatedly
	Close() error
}

// Broadcaster is the fan-out surface of the connection registry that domain managers depend on
type Broadcaster interface {
	// Broadcast delivers to every member of scope except excludeConnID and returns the delivery count
	Broadcast(scope string, event types.OutboundEvent, excludeConnID string) int

	// SendToUser delivers to every live connection of userID
	SendToUser(userID string, event types.OutboundEvent) int

	// JoinUser adds every live connection of userID to scope
	JoinUser(userID, scope string) int

	// LeaveUser removes every live connection of userID from scope
	LeaveUser(userID, scope string) int

	// EvictScope delivers event once to every member, then drops the scope entirely
	EvictScope(scope string, event types.OutboundEvent) int

	// IsMember reports whether the connection currently belongs to scope
	IsMember(connID, scope string) bool
}
