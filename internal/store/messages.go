package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gwi.com/chatcore/internal/chaterr"
)

// NewMessage is the caller-supplied part of a message; id, sequence, state
// and timestamps are assigned by the store.
type NewMessage struct {
	ChatID   string
	SenderID string
	Type     MessageType
	Text     *string
	MediaRef *string
}

const messageColumns = "id, chat_id, sender_id, sequence, type, text_content, media_ref, state, created_at, updated_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var text, media sql.NullString
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Sequence, &msg.Type,
		&text, &media, &msg.State, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if text.Valid {
		msg.TextContent = &text.String
	}
	if media.Valid {
		msg.MediaRef = &media.String
	}
	return &msg, nil
}

// AppendMessage assigns the next sequence of the chat and persists the
// message in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, nm NewMessage) (*Message, *Chat, error) {
	var msg *Message
	var chat *Chat
	err := s.withTx(ctx, "store.AppendMessage", func(tx *sql.Tx) error {
		var err error
		msg, chat, err = s.appendInTx(ctx, tx, nm)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, chat, nil
}

// AppendMediaMessage commits a blob row and the message referencing it in one
// transaction, so either both become visible or neither does. A row already
// committed for the same content hash is reused.
func (s *SQLiteStore) AppendMediaMessage(ctx context.Context, blob MediaBlob, nm NewMessage) (*Message, *Chat, error) {
	var msg *Message
	var chat *Chat
	err := s.withTx(ctx, "store.AppendMediaMessage", func(tx *sql.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO media_blobs (content_hash, byte_size, mime_type, storage_locator, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (content_hash) DO NOTHING`,
			blob.ContentHash, blob.ByteSize, blob.MimeType, blob.StorageLocator, now, now)
		if err != nil {
			return err
		}
		ref := blob.ContentHash
		nm.MediaRef = &ref
		msg, chat, err = s.appendInTx(ctx, tx, nm)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, chat, nil
}

func (s *SQLiteStore) appendInTx(ctx context.Context, tx *sql.Tx, nm NewMessage) (*Message, *Chat, error) {
	chat, err := scanChat(tx.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", nm.ChatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, chaterr.ErrChatNotFound
		}
		return nil, nil, err
	}
	if !chat.HasParticipant(nm.SenderID) {
		return nil, nil, chaterr.ErrNotAParticipant
	}

	if nm.MediaRef != nil {
		var mimeType string
		err := tx.QueryRowContext(ctx, "SELECT mime_type FROM media_blobs WHERE content_hash = ?", *nm.MediaRef).Scan(&mimeType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, chaterr.MalformedMessage("media reference does not resolve to a stored blob")
		}
		if err != nil {
			return nil, nil, err
		}
		if want := MessageTypeForMIME(mimeType); want != nm.Type {
			return nil, nil, chaterr.MalformedMessage(fmt.Sprintf("%s blob cannot be sent as a %s message", mimeType, nm.Type))
		}
	}

	now := s.now()
	var seq int64
	err = tx.QueryRowContext(ctx,
		"UPDATE chats SET last_sequence = last_sequence + 1, last_activity_at = ?, updated_at = ? WHERE id = ? RETURNING last_sequence",
		now, now, chat.ID).Scan(&seq)
	if err != nil {
		return nil, nil, err
	}

	msg := &Message{
		ID:          uuid.NewString(),
		ChatID:      chat.ID,
		SenderID:    nm.SenderID,
		Sequence:    seq,
		Type:        nm.Type,
		TextContent: nm.Text,
		MediaRef:    nm.MediaRef,
		State:       MessageStateSent,
		Audit:       Audit{CreatedAt: now, UpdatedAt: now},
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.SenderID, msg.Sequence, msg.Type, msg.TextContent, msg.MediaRef, msg.State, now, now)
	if err != nil {
		return nil, nil, err
	}

	chat.LastSequence = seq
	chat.LastActivityAt = now
	chat.UpdatedAt = now
	return msg, chat, nil
}

// FindChatMessages returns every message of the chat in ascending sequence
// order.
func (s *SQLiteStore) FindChatMessages(ctx context.Context, chatID string) ([]Message, error) {
	if _, err := s.GetChatByID(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY sequence ASC", chatID)
	if err != nil {
		return nil, errors.Wrap(err, "store.FindChatMessages")
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store.FindChatMessages: scan")
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chaterr.ErrMessageNotFound
		}
		return nil, errors.Wrap(err, "store.GetMessage")
	}
	return msg, nil
}

// MarkDelivered moves a message from SENT to DELIVERED on behalf of its
// recipient. The returned flag is false when nothing changed: the message was
// already DELIVERED or SEEN, or userID is its sender.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID, userID string) (*Message, *Chat, bool, error) {
	var msg *Message
	var chat *Chat
	var changed bool
	err := s.withTx(ctx, "store.MarkDelivered", func(tx *sql.Tx) error {
		changed = false
		var err error
		msg, err = scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return chaterr.ErrMessageNotFound
			}
			return err
		}
		chat, err = scanChat(tx.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", msg.ChatID))
		if err != nil {
			return err
		}
		if !chat.HasParticipant(userID) {
			return chaterr.ErrNotAParticipant
		}
		if msg.SenderID == userID || !msg.State.Before(MessageStateDelivered) {
			return nil
		}

		now := s.now()
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
			MessageStateDelivered, now, msg.ID, MessageStateSent)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			changed = true
			msg.State = MessageStateDelivered
			msg.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return msg, chat, changed, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "store.CountMessages")
	}
	return n, nil
}
