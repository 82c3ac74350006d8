package sqlite

import (
	"context"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// SaveMessage persists a message. The caller must not broadcast or
// acknowledge the message before this returns nil.
func (s *Store) SaveMessage(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, sender_id, content, type, sent_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type, msg.SentAt.UTC())
	return err
}

// CountRecentMessages returns how many messages the sender put into the
// conversation since the given instant. The message-send rate limit is
// derived from persisted timestamps, not tracked separately.
func (s *Store) CountRecentMessages(ctx context.Context, conversationID, senderID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages
WHERE conversation_id = ? AND sender_id = ? AND sent_at >= ?`,
		conversationID, senderID, since.UTC()).Scan(&count)
	return count, err
}

// MarkMessagesRead marks every unread message in the conversation that was
// sent to readerID and returns how many rows changed.
func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET read_at = ?
WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL`,
		time.Now().UTC(), conversationID, readerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UnreadCount returns the number of unread messages addressed to userID in
// one conversation.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages
WHERE conversation_id = ? AND sender_id != ? AND read_at IS NULL`,
		conversationID, userID).Scan(&count)
	return count, err
}

// UnreadTotal returns the number of unread messages addressed to userID
// across all of their conversations.
func (s *Store) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE (c.user_a_id = ? OR c.user_b_id = ?)
  AND m.sender_id != ? AND m.read_at IS NULL`,
		userID, userID, userID).Scan(&count)
	return count, err
}
