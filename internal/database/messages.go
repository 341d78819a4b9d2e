package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"campuschat/pkg/types"
)

const messageSelect = `
	SELECT m.id, m.content, m.room_id, m.sender_id, m.year, m.branch, m.is_deleted, m.created_at,
		COALESCE(u.name, m.sender_id), COALESCE(u.email, ''), COALESCE(u.role, '')
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
`

// CreateMessage persists a batch chat message and returns it with author fields
func (m *Manager) CreateMessage(ctx context.Context, message *types.Message) (*types.Message, error) {
	stored := *message
	stored.Branch = types.NormalizeBranch(stored.Branch)
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.IsDeleted = false

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, content, room_id, sender_id, year, branch, is_deleted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`,
			stored.ID,
			stored.Content,
			stored.RoomID,
			stored.SenderID,
			stored.Year,
			stored.Branch,
			stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		stored.Author, err = lookupAuthor(ctx, tx, stored.SenderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListRoomMessages returns the newest page of non-deleted messages in chronological order
// FUNCTIONAL DISCOVERY: Query newest-first so LIMIT keeps the latest, then reverse for display
func (m *Manager) ListRoomMessages(ctx context.Context, roomID string, page types.Page) ([]*types.Message, error) {
	page = page.Normalize()
	rows, err := m.db.QueryContext(ctx, messageSelect+`
		WHERE m.room_id = ? AND m.is_deleted = 0
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?
	`, roomID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// SoftDeleteMessage flips is_deleted when the requester owns the message within their batch room
func (m *Manager) SoftDeleteMessage(ctx context.Context, messageID string, requester types.IdentityClaim) (*types.Message, error) {
	var deleted *types.Message
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_deleted = 1
			WHERE id = ? AND is_deleted = 0 AND sender_id = ? AND room_id = ?
		`, messageID, requester.UserID, requester.Room())
		if err != nil {
			return fmt.Errorf("failed to soft delete message: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return types.ErrNotFoundOrForbidden
		}

		deleted, err = scanMessage(tx.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, messageID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// GetMessage returns a message including soft-deleted ones
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	message, err := scanMessage(m.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return message, nil
}

// CountRoomMessages counts messages in a room
func (m *Manager) CountRoomMessages(ctx context.Context, roomID string, includeDeleted bool) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE room_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	var count int
	if err := m.db.QueryRowContext(ctx, query, roomID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var message types.Message
	var role string
	err := row.Scan(
		&message.ID,
		&message.Content,
		&message.RoomID,
		&message.SenderID,
		&message.Year,
		&message.Branch,
		&message.IsDeleted,
		&message.CreatedAt,
		&message.Author.Name,
		&message.Author.Email,
		&role,
	)
	if err != nil {
		return nil, err
	}
	message.Author.ID = message.SenderID
	message.Author.Role = types.Role(role)
	return &message, nil
}
