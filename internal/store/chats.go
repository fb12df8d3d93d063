package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/utils"
)

const chatColumns = "id, participant_a, participant_b, last_sequence, last_activity_at, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var chat Chat
	err := row.Scan(&chat.ID, &chat.ParticipantA, &chat.ParticipantB, &chat.LastSequence,
		&chat.LastActivityAt, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// FindOrCreateChat returns the chat for the unordered pair {a, b}, creating
// it when absent. The UNIQUE(participant_a, participant_b) constraint settles
// concurrent creators: the loser's insert conflicts, the transaction is
// retried and the lookup then finds the winner's row.
func (s *SQLiteStore) FindOrCreateChat(ctx context.Context, a, b string) (*Chat, bool, error) {
	first, second := utils.CanonicalPair(a, b)
	if first == "" || first == second {
		return nil, false, chaterr.ErrInvalidParticipants
	}
	var chat *Chat
	var created bool

	err := s.withTx(ctx, "store.FindOrCreateChat", func(tx *sql.Tx) error {
		created = false
		existing, err := scanChat(tx.QueryRowContext(ctx,
			"SELECT "+chatColumns+" FROM chats WHERE participant_a = ? AND participant_b = ?", first, second))
		if err == nil {
			chat = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var known int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id IN (?, ?)", first, second).Scan(&known); err != nil {
			return err
		}
		if known != 2 {
			return chaterr.ErrInvalidParticipants
		}

		now := s.now()
		chat = &Chat{
			ID:             uuid.NewString(),
			ParticipantA:   first,
			ParticipantB:   second,
			LastActivityAt: now,
			Audit:          Audit{CreatedAt: now, UpdatedAt: now},
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO chats (id, participant_a, participant_b, last_sequence, last_activity_at, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?, ?)",
			chat.ID, chat.ParticipantA, chat.ParticipantB, now, now, now)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

func (s *SQLiteStore) GetChatByID(ctx context.Context, chatID string) (*Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chaterr.ErrChatNotFound
		}
		return nil, errors.Wrap(err, "store.GetChatByID")
	}
	return chat, nil
}

func (s *SQLiteStore) CountChats(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "store.CountChats")
	}
	return n, nil
}

// ListChatSummaries returns the chats userID takes part in, most recently
// active first. Unread counts and presence are filled in by the caller.
func (s *SQLiteStore) ListChatSummaries(ctx context.Context, userID string) ([]ChatSummary, error) {
	query := `
        SELECT c.id, c.last_activity_at,
               u.id, u.display_name, u.last_seen_at,
               m.type, m.text_content, m.created_at
        FROM chats c
        JOIN users u ON u.id = CASE WHEN c.participant_a = ? THEN c.participant_b ELSE c.participant_a END
        LEFT JOIN messages m ON m.chat_id = c.id AND m.sequence = c.last_sequence
        WHERE c.participant_a = ? OR c.participant_b = ?
        ORDER BY c.last_activity_at DESC, c.id ASC
    `
	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListChatSummaries")
	}
	defer rows.Close()

	summaries := []ChatSummary{}
	for rows.Next() {
		var sum ChatSummary
		var lastSeen sql.NullTime
		var msgType, msgText sql.NullString
		var msgAt sql.NullTime
		if err := rows.Scan(&sum.ChatID, &sum.LastActivityAt, &sum.ReceiverID, &sum.Name, &lastSeen,
			&msgType, &msgText, &msgAt); err != nil {
			return nil, errors.Wrap(err, "store.ListChatSummaries: scan")
		}
		sum.SenderID = userID
		if lastSeen.Valid {
			t := lastSeen.Time
			sum.ReceiverLastSeen = &t
		}
		if msgType.Valid {
			m := Message{Type: MessageType(msgType.String)}
			if msgText.Valid {
				m.TextContent = &msgText.String
			}
			sum.LastMessage = m.Preview()
			t := msgAt.Time
			sum.LastMessageTime = &t
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
