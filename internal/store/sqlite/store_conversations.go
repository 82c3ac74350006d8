package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

const conversationColumns = `
id, user_a_id, user_b_id, state, first_message_by, expires_at, last_activity_at, created_at`

// CreateConversation inserts a pending conversation between two users with
// the given first-message deadline.
func (s *Store) CreateConversation(ctx context.Context, id, userAID, userBID string, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (id, user_a_id, user_b_id, state, expires_at, last_activity_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userAID, userBID, domain.ConversationPending, expiresAt.UTC(), now, now)
	return err
}

// ConversationByID returns the conversation, or
// [domain.ErrConversationNotFound].
func (s *Store) ConversationByID(ctx context.Context, id string) (domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ConversationsForUser enumerates the user's conversations that can still
// receive activity (pending or started).
func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE (user_a_id = ? OR user_b_id = ?) AND state IN (?, ?)
ORDER BY last_activity_at DESC`,
		userID, userID, domain.ConversationPending, domain.ConversationStarted)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConversationStarted transitions a pending conversation to started,
// clearing its expiry and recording who sent the first message. A no-op
// for conversations already started.
func (s *Store) MarkConversationStarted(ctx context.Context, id, byUserID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET state = ?, first_message_by = ?, expires_at = NULL, last_activity_at = ?
WHERE id = ? AND state = ?`,
		domain.ConversationStarted, byUserID, time.Now().UTC(), id, domain.ConversationPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already started, or gone. Distinguish for the caller.
		if _, err := s.ConversationByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkConversationExpired transitions a pending conversation whose deadline
// elapsed to expired.
func (s *Store) MarkConversationExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET state = ? WHERE id = ? AND state = ?`,
		domain.ConversationExpired, id, domain.ConversationPending)
	return err
}

// TouchConversation bumps the conversation's last-activity marker.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		c         domain.Conversation
		firstBy   sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserAID, &c.UserBID, &c.State, &firstBy,
		&expiresAt, &c.LastActivityAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	c.FirstMessageBy = firstBy.String
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return c, nil
}
