package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"gwi.com/chatcore/internal/chaterr"
)

// SeenResult describes the outcome of a seen-watermark update.
type SeenResult struct {
	Chat      *Chat
	Watermark int64
	// Transitioned counts messages that moved to SEEN in this update.
	Transitioned int64
}

// SetSeen raises userID's watermark in chatID to the chat's current last
// sequence and marks every earlier message from the other participant as
// SEEN. The watermark never decreases.
func (s *SQLiteStore) SetSeen(ctx context.Context, chatID, userID string) (*SeenResult, error) {
	var result SeenResult
	err := s.withTx(ctx, "store.SetSeen", func(tx *sql.Tx) error {
		chat, err := scanChat(tx.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", chatID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return chaterr.ErrChatNotFound
			}
			return err
		}
		if !chat.HasParticipant(userID) {
			return chaterr.ErrNotAParticipant
		}

		now := s.now()
		_, err = tx.ExecContext(ctx, `
            INSERT INTO seen_watermarks (chat_id, user_id, last_seen_sequence, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?)
            ON CONFLICT (chat_id, user_id) DO UPDATE
                SET last_seen_sequence = excluded.last_seen_sequence, updated_at = excluded.updated_at
                WHERE excluded.last_seen_sequence > seen_watermarks.last_seen_sequence`,
			chatID, userID, chat.LastSequence, now, now)
		if err != nil {
			return err
		}

		var watermark int64
		err = tx.QueryRowContext(ctx,
			"SELECT last_seen_sequence FROM seen_watermarks WHERE chat_id = ? AND user_id = ?",
			chatID, userID).Scan(&watermark)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET state = ?, updated_at = ? WHERE chat_id = ? AND sender_id <> ? AND sequence <= ? AND state <> ?",
			MessageStateSeen, now, chatID, userID, watermark, MessageStateSeen)
		if err != nil {
			return err
		}
		transitioned, _ := res.RowsAffected()

		result = SeenResult{Chat: chat, Watermark: watermark, Transitioned: transitioned}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetWatermark returns the last sequence userID has seen in chatID, or 0.
func (s *SQLiteStore) GetWatermark(ctx context.Context, chatID, userID string) (int64, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_seen_sequence FROM seen_watermarks WHERE chat_id = ? AND user_id = ?",
		chatID, userID).Scan(&watermark)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "store.GetWatermark")
	}
	return watermark, nil
}

// UnreadCount counts messages from the other participant above userID's
// watermark.
func (s *SQLiteStore) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages
        WHERE chat_id = ? AND sender_id <> ?
          AND sequence > COALESCE((SELECT last_seen_sequence FROM seen_watermarks WHERE chat_id = ? AND user_id = ?), 0)`,
		chatID, userID, chatID, userID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "store.UnreadCount")
	}
	return n, nil
}
