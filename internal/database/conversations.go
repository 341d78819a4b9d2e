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

const directMessageSelect = `
	SELECT dm.id, dm.conversation_id, dm.sender_id, dm.content, dm.created_at,
		COALESCE(u.name, dm.sender_id), COALESCE(u.email, ''), COALESCE(u.role, '')
	FROM direct_messages dm
	LEFT JOIN users u ON u.id = dm.sender_id
`

// canonicalPair orders two user IDs the way conversations store them
func canonicalPair(userA, userB string) [2]string {
	if userB < userA {
		return [2]string{userB, userA}
	}
	return [2]string{userA, userB}
}

// FindOrCreateConversation returns the conversation for the pair, creating it if needed
func (m *Manager) FindOrCreateConversation(ctx context.Context, userA, userB string) (*types.Conversation, bool, error) {
	if userA == userB {
		return nil, false, types.NewValidationError("targetUserId", "cannot start a conversation with yourself")
	}
	pair := canonicalPair(userA, userB)

	var conversation *types.Conversation
	var created bool
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		blocked, err := blockedEitherWay(ctx, tx, pair[0], pair[1])
		if err != nil {
			return err
		}
		if blocked {
			return types.ErrBlocked
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, user_a, user_b, created_at, updated_at FROM conversations
			WHERE user_a = ? AND user_b = ?
		`, pair[0], pair[1])
		existing, err := scanConversation(row)
		if err == nil {
			conversation = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query conversation: %w", err)
		}

		now := m.now()
		conversation = &types.Conversation{
			ID:             uuid.NewString(),
			ParticipantIDs: pair,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, conversation.ID, pair[0], pair[1], now, now)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conversation, created, nil
}

// GetConversation retrieves a conversation by ID
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	return getConversation(ctx, m.db, conversationID)
}

func getConversation(ctx context.Context, q querier, conversationID string) (*types.Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, user_a, user_b, created_at, updated_at FROM conversations WHERE id = ?`, conversationID)
	conversation, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return conversation, nil
}

// ListConversations returns the user's conversations, most recently active first
func (m *Manager) ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_a, user_b, created_at, updated_at FROM conversations
		WHERE user_a = ? OR user_b = ?
		ORDER BY updated_at DESC, rowid DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	summaries := []*types.ConversationSummary{}
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		summaries = append(summaries, &types.ConversationSummary{Conversation: *conversation})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}
	_ = rows.Close()

	// TECHNICAL DISCOVERY: Hydrate after the cursor is closed so each lookup can reuse the connection
	for _, summary := range summaries {
		summary.Peer, err = lookupAuthor(ctx, m.db, summary.Conversation.Peer(userID))
		if err != nil {
			return nil, err
		}
		last, err := scanDirectMessage(m.db.QueryRowContext(ctx, directMessageSelect+`
			WHERE dm.conversation_id = ?
			ORDER BY dm.created_at DESC, dm.rowid DESC
			LIMIT 1
		`, summary.ID))
		switch {
		case err == nil:
			summary.LastMessage = last
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to query last message: %w", err)
		}
	}

	return summaries, nil
}

// ListConversationIDs returns the IDs of every conversation the user takes part in
func (m *Manager) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return queryStrings(ctx, m.db,
		`SELECT id FROM conversations WHERE user_a = ? OR user_b = ? ORDER BY created_at`, userID, userID)
}

// CreateDirectMessage persists a DM and bumps the conversation's updated_at in the same transaction
func (m *Manager) CreateDirectMessage(ctx context.Context, message *types.DirectMessage) (*types.DirectMessage, error) {
	stored := *message
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		conversation, err := getConversation(ctx, tx, stored.ConversationID)
		if err != nil {
			return err
		}
		if !conversation.HasParticipant(stored.SenderID) {
			return types.ErrForbidden
		}

		// FUNCTIONAL DISCOVERY: Block state is checked at send time, not at conversation creation
		blocked, err := blockedEitherWay(ctx, tx, conversation.ParticipantIDs[0], conversation.ParticipantIDs[1])
		if err != nil {
			return err
		}
		if blocked {
			return types.ErrBlocked
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO direct_messages (id, conversation_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, stored.ID, stored.ConversationID, stored.SenderID, stored.Content, stored.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert direct message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`, stored.CreatedAt, stored.ConversationID); err != nil {
			return fmt.Errorf("failed to bump conversation: %w", err)
		}

		stored.Author, err = lookupAuthor(ctx, tx, stored.SenderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListDirectMessages returns the newest page of a conversation in chronological order
func (m *Manager) ListDirectMessages(ctx context.Context, conversationID string, page types.Page) ([]*types.DirectMessage, error) {
	page = page.Normalize()
	rows, err := m.db.QueryContext(ctx, directMessageSelect+`
		WHERE dm.conversation_id = ?
		ORDER BY dm.created_at DESC, dm.rowid DESC
		LIMIT ? OFFSET ?
	`, conversationID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.DirectMessage{}
	for rows.Next() {
		message, err := scanDirectMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan direct message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating direct message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// Block records that blockerID blocks blockedID; repeating it is a no-op
func (m *Manager) Block(ctx context.Context, blockerID, blockedID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(blocker_id, blocked_id) DO NOTHING
		`, blockerID, blockedID, m.now())
		if err != nil {
			return fmt.Errorf("failed to insert block: %w", err)
		}
		return nil
	})
}

// Unblock removes the block; removing a missing block is a no-op
func (m *Manager) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID); err != nil {
			return fmt.Errorf("failed to delete block: %w", err)
		}
		return nil
	})
}

// GetBlockStatus reports both directions of the block relation from userID's side
func (m *Manager) GetBlockStatus(ctx context.Context, userID, otherID string) (types.BlockStatus, error) {
	var status types.BlockStatus
	err := m.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?),
			EXISTS (SELECT 1 FROM blocks WHERE blocker_id = ? AND blocked_id = ?)
	`, userID, otherID, otherID, userID).Scan(&status.Blocking, &status.BlockedBy)
	if err != nil {
		return status, fmt.Errorf("failed to query block status: %w", err)
	}
	return status, nil
}

func blockedEitherWay(ctx context.Context, q querier, userA, userB string) (bool, error) {
	var blocked bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
		)
	`, userA, userB, userB, userA).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check blocks: %w", err)
	}
	return blocked, nil
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var conversation types.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.ParticipantIDs[0],
		&conversation.ParticipantIDs[1],
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func scanDirectMessage(row rowScanner) (*types.DirectMessage, error) {
	var message types.DirectMessage
	var role string
	err := row.Scan(&message.ID, &message.ConversationID, &message.SenderID, &message.Content, &message.CreatedAt,
		&message.Author.Name, &message.Author.Email, &role)
	if err != nil {
		return nil, err
	}
	message.Author.ID = message.SenderID
	message.Author.Role = types.Role(role)
	return &message, nil
}
