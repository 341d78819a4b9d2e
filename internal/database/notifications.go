package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"campuschat/pkg/types"
)

// CreateNotifications inserts every notification in one transaction
func (m *Manager) CreateNotifications(ctx context.Context, notifications []*types.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	now := m.now()
	for _, notification := range notifications {
		if notification.ID == "" {
			notification.ID = uuid.NewString()
		}
		if notification.CreatedAt.IsZero() {
			notification.CreatedAt = now
		}
		if len(notification.Payload) == 0 {
			notification.Payload = []byte("{}")
		}
	}

	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO notifications (id, recipient_id, kind, payload, read, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare notification insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, notification := range notifications {
			_, err := stmt.ExecContext(ctx,
				notification.ID,
				notification.RecipientID,
				string(notification.Kind),
				string(notification.Payload),
				notification.Read,
				notification.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert notification: %w", err)
			}
		}
		return nil
	})
}

// ListNotifications returns the user's notifications, newest first
func (m *Manager) ListNotifications(ctx context.Context, userID string, page types.Page) ([]*types.Notification, error) {
	page = page.Normalize()
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, payload, read, created_at FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := []*types.Notification{}
	for rows.Next() {
		var notification types.Notification
		var kind, payload string
		if err := rows.Scan(&notification.ID, &notification.RecipientID, &kind, &payload, &notification.Read, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		notification.Kind = types.NotificationKind(kind)
		notification.Payload = []byte(payload)
		notifications = append(notifications, &notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return notifications, nil
}

// CountUnreadNotifications counts unread notifications for the user
func (m *Manager) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read = 0`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationsRead marks every unread notification read and returns how many changed
func (m *Manager) MarkNotificationsRead(ctx context.Context, userID string) (int64, error) {
	var affected int64
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE notifications SET read = 1 WHERE recipient_id = ? AND read = 0`, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notifications read: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// UpsertPushSubscription stores a subscription keyed by endpoint
// FUNCTIONAL DISCOVERY: A browser re-subscribing reuses its endpoint, so the row moves to the latest user and keys
func (m *Manager) UpsertPushSubscription(ctx context.Context, sub *types.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = m.now()
	}

	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(endpoint) DO UPDATE SET
				user_id = excluded.user_id,
				p256dh = excluded.p256dh,
				auth = excluded.auth
		`, sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert push subscription: %w", err)
		}

		// A conflicting endpoint keeps its original row identity
		if err := tx.QueryRowContext(ctx,
			`SELECT id, created_at FROM push_subscriptions WHERE endpoint = ?`, sub.Endpoint,
		).Scan(&sub.ID, &sub.CreatedAt); err != nil {
			return fmt.Errorf("failed to read back push subscription: %w", err)
		}
		return nil
	})
}

// DeletePushSubscription removes the user's subscription for endpoint
func (m *Manager) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint); err != nil {
			return fmt.Errorf("failed to delete push subscription: %w", err)
		}
		return nil
	})
}

// DeletePushSubscriptionByEndpoint removes a subscription the push service reported gone
func (m *Manager) DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
			return fmt.Errorf("failed to delete push subscription: %w", err)
		}
		return nil
	})
}

// ListPushSubscriptions returns every subscription registered by the user
func (m *Manager) ListPushSubscriptions(ctx context.Context, userID string) ([]*types.PushSubscription, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at FROM push_subscriptions
		WHERE user_id = ?
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs := []*types.PushSubscription{}
	for rows.Next() {
		var sub types.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push subscription row: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push subscription rows: %w", err)
	}
	return subs, nil
}
