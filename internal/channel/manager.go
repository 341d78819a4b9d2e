package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Deletion reasons carried by channel:deleted
const (
	ReasonDeleted = "deleted"
	ReasonIdle    = "idle"
)

// CreateInput describes a channel to create
type CreateInput struct {
	Name        string
	Description *string
	Type        types.ChannelType
	OwnerID     string
}

// Manager owns channel lifecycle and membership rules
// ARCHITECTURAL DISCOVERY: Persistence is the source of truth for membership; the registry
// only mirrors which live connections receive a channel's events
type Manager struct {
	store       interfaces.ChannelStore
	broadcaster interfaces.Broadcaster
	notifier    interfaces.Notifier
	logger      *slog.Logger
}

// NewManager creates a channel manager; notifier may be nil
func NewManager(store interfaces.ChannelStore, broadcaster interfaces.Broadcaster, notifier interfaces.Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		broadcaster: broadcaster,
		notifier:    notifier,
		logger:      logger.With("component", "channel"),
	}
}

// Create validates and persists a new non-default channel owned by in.OwnerID
func (m *Manager) Create(ctx context.Context, in CreateInput) (*types.Channel, error) {
	v := &types.ValidationError{}
	name, err := types.ValidateChannelName(in.Name)
	if err != nil {
		v.Add("name", fieldMessage(err, "name"))
	}
	if in.Type == "" {
		in.Type = types.ChannelPublic
	}
	if in.Type != types.ChannelPublic && in.Type != types.ChannelPrivate {
		v.Add("type", "must be PUBLIC or PRIVATE")
	}
	if !types.IsValidUserID(in.OwnerID) {
		v.Add("ownerId", "invalid")
	}
	description := in.Description
	if description != nil {
		trimmed := strings.TrimSpace(*description)
		if utf8.RuneCountInString(trimmed) > types.MaxDescriptionLength {
			v.Add("description", "too long")
		}
		description = &trimmed
		if trimmed == "" {
			description = nil
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	owner := in.OwnerID
	channel := &types.Channel{
		Name:        name,
		Description: description,
		Type:        in.Type,
		OwnerID:     &owner,
	}
	if err := m.store.CreateChannel(ctx, channel); err != nil {
		return nil, err
	}

	m.logger.Info("channel created", "channel_id", channel.ID, "name", channel.Name, "type", channel.Type, "owner_id", owner)
	return channel, nil
}

// SeedDefaults ensures each named default channel exists and returns how many were created
func (m *Manager) SeedDefaults(ctx context.Context, names []string) (int, error) {
	created := 0
	for _, raw := range names {
		name, err := types.ValidateChannelName(raw)
		if err != nil {
			return created, fmt.Errorf("default channel %q: %w", raw, err)
		}
		ok, err := m.store.SeedChannel(ctx, &types.Channel{Name: name, Type: types.ChannelPublic, IsDefault: true})
		if err != nil {
			return created, fmt.Errorf("failed to seed channel %q: %w", name, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		m.logger.Info("seeded default channels", "created", created)
	}
	return created, nil
}

// Get returns a channel visible to userID
// FUNCTIONAL DISCOVERY: PRIVATE channels answer Forbidden to non-members, never their details
func (m *Manager) Get(ctx context.Context, channelID, userID string) (*types.Channel, error) {
	channel, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Type == types.ChannelPrivate {
		member, err := m.store.IsChannelMember(ctx, channelID, userID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, types.ErrForbidden
		}
	}
	return channel, nil
}

// List returns PUBLIC channels only
func (m *Manager) List(ctx context.Context) ([]*types.Channel, error) {
	return m.store.ListPublicChannels(ctx)
}

// ListMine returns PUBLIC channels plus PRIVATE channels userID belongs to
func (m *Manager) ListMine(ctx context.Context, userID string) ([]*types.Channel, error) {
	return m.store.ListChannelsForUser(ctx, userID)
}

// Join persists membership; PRIVATE channels admit only existing members
func (m *Manager) Join(ctx context.Context, channelID, userID string) (*types.Channel, error) {
	channel, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Type == types.ChannelPrivate {
		member, err := m.store.IsChannelMember(ctx, channelID, userID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, types.ErrForbidden
		}
		return channel, nil
	}
	if err := m.store.AddChannelMember(ctx, channelID, userID); err != nil {
		return nil, err
	}
	return channel, nil
}

// Leave drops persisted membership and the user's live subscriptions
func (m *Manager) Leave(ctx context.Context, channelID, userID string) error {
	if _, err := m.store.GetChannel(ctx, channelID); err != nil {
		return err
	}
	if err := m.store.RemoveChannelMember(ctx, channelID, userID); err != nil {
		return err
	}
	m.broadcaster.LeaveUser(userID, types.ChannelScope(channelID))
	return nil
}

// Invite adds userID to a channel; only the owner may invite
func (m *Manager) Invite(ctx context.Context, channelID, ownerID, userID string) error {
	if !types.IsValidUserID(userID) {
		return types.NewValidationError("userId", "invalid")
	}
	channel, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !channel.IsOwner(ownerID) {
		return types.ErrForbidden
	}
	if err := m.store.AddChannelMember(ctx, channelID, userID); err != nil {
		return err
	}

	if m.notifier != nil && userID != ownerID {
		_, err := m.notifier.Notify(ctx, interfaces.NotificationEvent{
			Kind:         types.NotificationChannelInvite,
			RecipientIDs: []string{userID},
			Payload: map[string]string{
				"channelId":   channel.ID,
				"channelName": channel.Name,
				"invitedBy":   ownerID,
			},
		})
		if err != nil {
			m.logger.Warn("failed to notify channel invite", "channel_id", channelID, "user_id", userID, "error", err)
		}
	}
	return nil
}

// Delete removes a channel the requester may delete and evicts its live members
// Owners may always delete. Otherwise default and PRIVATE channels are protected,
// and any authenticated user may delete a PUBLIC non-default channel
func (m *Manager) Delete(ctx context.Context, channelID, requesterID string) error {
	channel, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !channel.IsOwner(requesterID) {
		if channel.IsDefault || channel.Type == types.ChannelPrivate {
			return types.ErrForbidden
		}
	}

	if err := m.store.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	m.evict(channelID, ReasonDeleted)
	m.logger.Info("channel deleted", "channel_id", channelID, "requester_id", requesterID)
	return nil
}

// Messages returns channel history; PRIVATE history is members only
func (m *Manager) Messages(ctx context.Context, channelID, userID string, page types.Page) ([]*types.ChannelMessage, error) {
	if _, err := m.Get(ctx, channelID, userID); err != nil {
		return nil, err
	}
	return m.store.ListChannelMessages(ctx, channelID, page.Normalize())
}

func (m *Manager) evict(channelID, reason string) int {
	event := types.NewEvent(types.EventChannelDeleted, types.ChannelDeletedData{ChannelID: channelID, Reason: reason})
	return m.broadcaster.EvictScope(types.ChannelScope(channelID), event)
}

func fieldMessage(err error, field string) string {
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		if msg, ok := vErr.FieldErrors[field]; ok {
			return msg
		}
	}
	return err.Error()
}
