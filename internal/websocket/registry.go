package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Registry tracks live connections and the scopes each one belongs to
// ARCHITECTURAL DISCOVERY: One RWMutex guards every map. Mutations take the write lock and
// broadcasts enqueue under the read lock, so no broadcast observes a half-applied membership change
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> Connection
	scopes      map[string]map[string]interfaces.Connection // scope -> connID -> Connection
	connScopes  map[string]map[string]struct{}              // connID -> scopes
	connRoom    map[string]string                           // connID -> batch room
	users       map[string]map[string]struct{}              // userID -> connIDs
	logger      *slog.Logger
}

// NewRegistry creates a new connection registry
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access during concurrent operations
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		scopes:      make(map[string]map[string]interfaces.Connection),
		connScopes:  make(map[string]map[string]struct{}),
		connRoom:    make(map[string]string),
		users:       make(map[string]map[string]struct{}),
		logger:      logger.With("component", "registry"),
	}
}

// Register adds a connection and joins it to its batch room
// FUNCTIONAL DISCOVERY: A user may hold several connections (tabs, devices); each is tracked separately
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	connID := conn.ID()
	identity := conn.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; exists {
		return ErrDuplicateConnection
	}

	r.connections[connID] = conn
	r.connScopes[connID] = make(map[string]struct{})
	if r.users[identity.UserID] == nil {
		r.users[identity.UserID] = make(map[string]struct{})
	}
	r.users[identity.UserID][connID] = struct{}{}

	room := identity.Room()
	r.connRoom[connID] = room
	r.joinLocked(conn, room)

	return nil
}

// Unregister removes every trace of the connection; unknown IDs are a no-op
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return false
	}

	for scope := range r.connScopes[connID] {
		r.removeFromScopeLocked(scope, connID)
	}
	delete(r.connScopes, connID)
	delete(r.connRoom, connID)
	delete(r.connections, connID)

	userID := conn.Identity().UserID
	if conns, ok := r.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}
	return true
}

// JoinRoom (re)joins the connection to the batch room derived from its identity
func (r *Registry) JoinRoom(connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return "", ErrUnknownConnection
	}

	room := conn.Identity().Room()
	if previous := r.connRoom[connID]; previous != "" && previous != room {
		r.removeFromScopeLocked(previous, connID)
		delete(r.connScopes[connID], previous)
	}
	r.connRoom[connID] = room
	r.joinLocked(conn, room)
	return room, nil
}

// JoinChannel adds the connection to a channel scope
func (r *Registry) JoinChannel(connID, channelID string) error {
	return r.JoinScope(connID, types.ChannelScope(channelID))
}

// LeaveChannel removes the connection from a channel scope
func (r *Registry) LeaveChannel(connID, channelID string) {
	r.LeaveScope(connID, types.ChannelScope(channelID))
}

// JoinScope adds the connection to an arbitrary scope
func (r *Registry) JoinScope(connID, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return ErrUnknownConnection
	}
	r.joinLocked(conn, scope)
	return nil
}

// LeaveScope removes the connection from scope; leaving a scope it is not in is a no-op
func (r *Registry) LeaveScope(connID, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; !exists {
		return
	}
	r.removeFromScopeLocked(scope, connID)
	delete(r.connScopes[connID], scope)
	if r.connRoom[connID] == scope {
		delete(r.connRoom, connID)
	}
}

// JoinUser adds every live connection of userID to scope and returns how many joined
func (r *Registry) JoinUser(userID, scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := 0
	for connID := range r.users[userID] {
		r.joinLocked(r.connections[connID], scope)
		joined++
	}
	return joined
}

// LeaveUser removes every live connection of userID from scope and returns how many left
func (r *Registry) LeaveUser(userID, scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := 0
	for connID := range r.users[userID] {
		if _, ok := r.connScopes[connID][scope]; !ok {
			continue
		}
		r.removeFromScopeLocked(scope, connID)
		delete(r.connScopes[connID], scope)
		left++
	}
	return left
}

func (r *Registry) joinLocked(conn interfaces.Connection, scope string) {
	connID := conn.ID()
	members := r.scopes[scope]
	if members == nil {
		members = make(map[string]interfaces.Connection)
		r.scopes[scope] = members
	}
	members[connID] = conn
	r.connScopes[connID][scope] = struct{}{}
}

// removeFromScopeLocked drops connID from scope and deletes the scope once empty
// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeFromScopeLocked(scope, connID string) {
	members, exists := r.scopes[scope]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.scopes, scope)
	}
}

// Broadcast delivers event to every member of scope except excludeConnID
func (r *Registry) Broadcast(scope string, event types.OutboundEvent, excludeConnID string) int {
	data, ok := r.encode(event)
	if !ok {
		return 0
	}

	r.mu.RLock()
	delivered, slow := r.deliverLocked(r.scopes[scope], data, excludeConnID)
	r.mu.RUnlock()

	r.dropSlow(slow)
	return delivered
}

// SendToUser delivers event to every live connection of userID
func (r *Registry) SendToUser(userID string, event types.OutboundEvent) int {
	data, ok := r.encode(event)
	if !ok {
		return 0
	}

	r.mu.RLock()
	var slow []interfaces.Connection
	delivered := 0
	for connID := range r.users[userID] {
		switch err := r.connections[connID].Enqueue(data); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			slow = append(slow, r.connections[connID])
		}
	}
	r.mu.RUnlock()

	r.dropSlow(slow)
	return delivered
}

// EvictScope delivers event once to every member and then removes the scope entirely
// ARCHITECTURAL DISCOVERY: Delivery and removal share the write lock, so no member can
// receive a later broadcast to the scope or miss the eviction notice
func (r *Registry) EvictScope(scope string, event types.OutboundEvent) int {
	data, ok := r.encode(event)
	if !ok {
		data = nil
	}

	r.mu.Lock()
	members := r.scopes[scope]
	delivered := 0
	var slow []interfaces.Connection
	if data != nil {
		delivered, slow = r.deliverLocked(members, data, "")
	}
	for connID := range members {
		delete(r.connScopes[connID], scope)
		if r.connRoom[connID] == scope {
			delete(r.connRoom, connID)
		}
	}
	delete(r.scopes, scope)
	r.mu.Unlock()

	r.dropSlow(slow)
	return delivered
}

func (r *Registry) deliverLocked(members map[string]interfaces.Connection, data []byte, excludeConnID string) (int, []interfaces.Connection) {
	delivered := 0
	var slow []interfaces.Connection
	for connID, conn := range members {
		if connID == excludeConnID {
			continue
		}
		switch err := conn.Enqueue(data); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			slow = append(slow, conn)
		}
	}
	return delivered, slow
}

// dropSlow closes connections that could not keep up; their read pumps then unregister them
// FUNCTIONAL DISCOVERY: Close asynchronously so a socket close never runs under the registry lock
func (r *Registry) dropSlow(slow []interfaces.Connection) {
	for _, conn := range slow {
		r.logger.Warn("closing slow consumer", "conn_id", conn.ID(), "user_id", conn.Identity().UserID)
		go func(c interfaces.Connection) { _ = c.Close() }(conn)
	}
}

func (r *Registry) encode(event types.OutboundEvent) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode outbound event", "type", event.Type, "error", err)
		return nil, false
	}
	return data, true
}

// IsMember reports whether the connection currently belongs to scope
func (r *Registry) IsMember(connID, scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.scopes[scope][connID]
	return ok
}

// Connection returns the live connection with the given ID
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// ScopeMembers returns the sorted connection IDs in scope
func (r *Registry) ScopeMembers(scope string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.scopes[scope]))
	for connID := range r.scopes[scope] {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionScopes returns the sorted scopes the connection belongs to
func (r *Registry) ConnectionScopes(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := make([]string, 0, len(r.connScopes[connID]))
	for scope := range r.connScopes[connID] {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Room returns the batch room the connection is joined to
func (r *Registry) Room(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.connRoom[connID]
	return room, ok
}

// IsOnline reports whether the user has any live connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"online_users":      len(r.users),
		"active_scopes":     len(r.scopes),
	}
}

// CloseAll closes every registered connection; their serve loops unregister them
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}
