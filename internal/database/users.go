package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"campuschat/pkg/types"
)

const userColumns = `id, name, email, role, batch_year, batch_branch, created_at`

// EnsureUser records the claim's user in the display directory
// FUNCTIONAL DISCOVERY: Display name is set once from the email local part; batch and role follow the latest claim
func (m *Manager) EnsureUser(ctx context.Context, claim types.IdentityClaim) error {
	if known, ok := m.knownUsers.Load(claim.UserID); ok && known.(types.IdentityClaim) == claim {
		return nil
	}

	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, role, batch_year, batch_branch, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				email = excluded.email,
				role = excluded.role,
				batch_year = excluded.batch_year,
				batch_branch = excluded.batch_branch
		`,
			claim.UserID,
			displayName(claim.Email, claim.UserID),
			claim.Email,
			string(claim.Role),
			claim.BatchYear,
			types.NormalizeBranch(claim.BatchBranch),
			m.now(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.knownUsers.Store(claim.UserID, claim)
	return nil
}

// GetUser retrieves a directory entry by ID
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// FindUsersByName matches display names case-insensitively
func (m *Manager) FindUsersByName(ctx context.Context, names []string) ([]*types.User, error) {
	if len(names) == 0 {
		return nil, nil
	}

	args := make([]any, len(names))
	for i, name := range names {
		args[i] = name
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE name COLLATE NOCASE IN (`+placeholders(len(names))+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users by name: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	var role string
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &role, &user.BatchYear, &user.BatchBranch, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Role = types.Role(role)
	return &user, nil
}

// lookupAuthor hydrates display fields for userID; unknown users fall back to their ID
func lookupAuthor(ctx context.Context, q querier, userID string) (types.Author, error) {
	author := types.Author{ID: userID, Name: userID}
	var role string
	err := q.QueryRowContext(ctx, `SELECT name, email, role FROM users WHERE id = ?`, userID).
		Scan(&author.Name, &author.Email, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return author, nil
	}
	if err != nil {
		return author, fmt.Errorf("failed to load author: %w", err)
	}
	author.Role = types.Role(role)
	return author, nil
}

// displayName derives the default display name from an email address
func displayName(email, fallback string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return fallback
	}
	return local
}
