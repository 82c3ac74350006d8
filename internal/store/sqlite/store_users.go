package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// CreateUser inserts a user row. passwordHash may be empty for accounts
// authenticated elsewhere.
func (s *Store) CreateUser(ctx context.Context, user domain.User, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, avatar_url, password_hash, active, locked, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.AvatarURL, passwordHash,
		boolToInt(user.Active), boolToInt(user.Locked), time.Now().UTC())
	return err
}

// UserByID returns the user with the given id, or
// [domain.ErrUserNotFound].
func (s *Store) UserByID(ctx context.Context, id string) (domain.User, error) {
	var (
		u              domain.User
		avatar         sql.NullString
		active, locked int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, avatar_url, active, locked FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &avatar, &active, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.AvatarURL = avatar.String
	u.Active = active != 0
	u.Locked = locked != 0
	return u, nil
}

// SetUserLocked flips the account lock flag.
func (s *Store) SetUserLocked(ctx context.Context, id string, locked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET locked = ? WHERE id = ?`, boolToInt(locked), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// BlockUser records blocker blocking blocked. Idempotent.
func (s *Store) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (blocker_id, blocked_id) DO NOTHING`,
		blockerID, blockedID, time.Now().UTC())
	return err
}

// UnblockUser removes a block record.
func (s *Store) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	return err
}

// IsBlockedPair reports whether either user blocks the other.
func (s *Store) IsBlockedPair(ctx context.Context, userA, userB string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM blocks
WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
LIMIT 1`, userA, userB, userB, userA).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
