package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"campuschat/pkg/types"
)

const channelColumns = `c.id, c.name, c.description, c.type, c.owner_id, c.is_default, c.created_at`

const channelMessageSelect = `
	SELECT cm.id, cm.channel_id, cm.author_id, cm.content, cm.created_at,
		COALESCE(u.name, cm.author_id), COALESCE(u.email, ''), COALESCE(u.role, '')
	FROM channel_messages cm
	LEFT JOIN users u ON u.id = cm.author_id
`

// CreateChannel inserts a channel; the owner, if any, becomes its first member
func (m *Manager) CreateChannel(ctx context.Context, channel *types.Channel) error {
	m.prepareChannel(channel)

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		if err := insertChannel(ctx, tx, channel); err != nil {
			return err
		}
		if channel.OwnerID != nil {
			if err := insertMember(ctx, tx, channel.ID, *channel.OwnerID, channel.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, types.ErrConflict) {
		return fmt.Errorf("%w: channel name %q is taken", types.ErrConflict, channel.Name)
	}
	return err
}

// SeedChannel inserts a default channel unless the name is already taken
func (m *Manager) SeedChannel(ctx context.Context, channel *types.Channel) (bool, error) {
	m.prepareChannel(channel)

	var created bool
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name, description, type, owner_id, is_default, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, channel.ID, channel.Name, channel.Description, string(channel.Type), channel.OwnerID, channel.IsDefault, channel.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to seed channel: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		created = affected > 0
		return nil
	})
	return created, err
}

func (m *Manager) prepareChannel(channel *types.Channel) {
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	if channel.Type == "" {
		channel.Type = types.ChannelPublic
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = m.now()
	}
}

func insertChannel(ctx context.Context, tx *sql.Tx, channel *types.Channel) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, name, description, type, owner_id, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, channel.ID, channel.Name, channel.Description, string(channel.Type), channel.OwnerID, channel.IsDefault, channel.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, channelID, userID string, joinedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_id, user_id) DO NOTHING
	`, channelID, userID, joinedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel member: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID
func (m *Manager) GetChannel(ctx context.Context, channelID string) (*types.Channel, error) {
	return getChannel(ctx, m.db, channelID)
}

func getChannel(ctx context.Context, q querier, channelID string) (*types.Channel, error) {
	row := q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = ?`, channelID)
	channel, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query channel: %w", err)
	}
	return channel, nil
}

// ListPublicChannels returns PUBLIC channels, defaults first
func (m *Manager) ListPublicChannels(ctx context.Context) ([]*types.Channel, error) {
	return m.queryChannels(ctx, `
		SELECT `+channelColumns+` FROM channels c
		WHERE c.type = 'PUBLIC'
		ORDER BY c.is_default DESC, c.name
	`)
}

// ListChannelsForUser returns PUBLIC channels plus PRIVATE ones the user belongs to
func (m *Manager) ListChannelsForUser(ctx context.Context, userID string) ([]*types.Channel, error) {
	return m.queryChannels(ctx, `
		SELECT `+channelColumns+` FROM channels c
		WHERE c.type = 'PUBLIC'
			OR EXISTS (SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id AND cm.user_id = ?)
		ORDER BY c.is_default DESC, c.name
	`, userID)
}

func (m *Manager) queryChannels(ctx context.Context, query string, args ...any) ([]*types.Channel, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	channels := []*types.Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}
	return channels, nil
}

// DeleteChannel removes a channel; members and messages cascade
func (m *Manager) DeleteChannel(ctx context.Context, channelID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID)
		if err != nil {
			return fmt.Errorf("failed to delete channel: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("channel %s: %w", channelID, types.ErrNotFound)
		}
		return nil
	})
}

// AddChannelMember persists membership; re-adding is a no-op
func (m *Manager) AddChannelMember(ctx context.Context, channelID, userID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		return insertMember(ctx, tx, channelID, userID, m.now())
	})
}

// RemoveChannelMember drops membership; removing a non-member is a no-op
func (m *Manager) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID); err != nil {
			return fmt.Errorf("failed to remove channel member: %w", err)
		}
		return nil
	})
}

// IsChannelMember reports persisted membership
func (m *Manager) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	return isMember(ctx, m.db, channelID, userID)
}

func isMember(ctx context.Context, q querier, channelID, userID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)`,
		channelID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check channel membership: %w", err)
	}
	return exists, nil
}

// ListChannelMemberIDs returns member user IDs in join order
func (m *Manager) ListChannelMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	return queryStrings(ctx, m.db,
		`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY joined_at, user_id`, channelID)
}

// CreateChannelMessage persists a message from a current member
func (m *Manager) CreateChannelMessage(ctx context.Context, message *types.ChannelMessage) (*types.ChannelMessage, error) {
	stored := *message
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		if _, err := getChannel(ctx, tx, stored.ChannelID); err != nil {
			return err
		}
		member, err := isMember(ctx, tx, stored.ChannelID, stored.AuthorID)
		if err != nil {
			return err
		}
		if !member {
			return types.ErrForbidden
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_messages (id, channel_id, author_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, stored.ID, stored.ChannelID, stored.AuthorID, stored.Content, stored.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert channel message: %w", err)
		}

		stored.Author, err = lookupAuthor(ctx, tx, stored.AuthorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListChannelMessages returns the newest page of a channel in chronological order
func (m *Manager) ListChannelMessages(ctx context.Context, channelID string, page types.Page) ([]*types.ChannelMessage, error) {
	page = page.Normalize()
	rows, err := m.db.QueryContext(ctx, channelMessageSelect+`
		WHERE cm.channel_id = ?
		ORDER BY cm.created_at DESC, cm.rowid DESC
		LIMIT ? OFFSET ?
	`, channelID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.ChannelMessage{}
	for rows.Next() {
		var message types.ChannelMessage
		var role string
		err := rows.Scan(&message.ID, &message.ChannelID, &message.AuthorID, &message.Content, &message.CreatedAt,
			&message.Author.Name, &message.Author.Email, &role)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel message row: %w", err)
		}
		message.Author.ID = message.AuthorID
		message.Author.Role = types.Role(role)
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// idleCondition matches non-default channels that are memberless, or older than the
// cutoff with no message since it. Arguments: cutoff, cutoff.
const idleCondition = `
	c.is_default = 0 AND (
		NOT EXISTS (SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id)
		OR (
			c.created_at < ?
			AND NOT EXISTS (SELECT 1 FROM channel_messages msg WHERE msg.channel_id = c.id AND msg.created_at >= ?)
		)
	)
`

// ListIdleChannelCandidates returns channels matching the idle rule as of idleBefore
func (m *Manager) ListIdleChannelCandidates(ctx context.Context, idleBefore time.Time) ([]string, error) {
	cutoff := idleBefore.UTC()
	return queryStrings(ctx, m.db,
		`SELECT c.id FROM channels c WHERE `+idleCondition+` ORDER BY c.created_at`, cutoff, cutoff)
}

// DeleteChannelIfIdle deletes the channel only if it still matches the idle rule
// ARCHITECTURAL DISCOVERY: The re-check and the delete are one statement inside the write transaction,
// so a message or join that commits first keeps the channel alive
func (m *Manager) DeleteChannelIfIdle(ctx context.Context, channelID string, idleBefore time.Time) (bool, error) {
	cutoff := idleBefore.UTC()
	var deleted bool
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM channels WHERE id IN (SELECT c.id FROM channels c WHERE c.id = ? AND `+idleCondition+`)`,
			channelID, cutoff, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete idle channel: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0
		return nil
	})
	return deleted, err
}

func scanChannel(row rowScanner) (*types.Channel, error) {
	var channel types.Channel
	var description, ownerID sql.NullString
	var channelType string
	if err := row.Scan(&channel.ID, &channel.Name, &description, &channelType, &ownerID, &channel.IsDefault, &channel.CreatedAt); err != nil {
		return nil, err
	}
	channel.Type = types.ChannelType(channelType)
	if description.Valid {
		channel.Description = &description.String
	}
	if ownerID.Valid {
		channel.OwnerID = &ownerID.String
	}
	return &channel, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
