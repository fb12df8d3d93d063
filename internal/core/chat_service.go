package core

import (
	"context"

	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
)

// Publisher accepts events for real-time fan-out. Implementations must not
// block.
type Publisher interface {
	Publish(ev dispatch.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(dispatch.Event) {}

// ChatService is the chat registry: it maps an unordered pair of users to a
// single chat.
type ChatService struct {
	dbStore  *store.SQLiteStore
	presence *PresenceTracker
}

func NewChatService(db *store.SQLiteStore, presence *PresenceTracker) *ChatService {
	return &ChatService{
		dbStore:  db,
		presence: presence,
	}
}

// CreateChat returns the id of the chat between senderID and receiverID,
// creating it on first contact. Argument order does not matter.
func (s *ChatService) CreateChat(ctx context.Context, senderID, receiverID string) (string, error) {
	chat, created, err := s.dbStore.FindOrCreateChat(ctx, senderID, receiverID)
	if err != nil {
		return "", err
	}
	if created {
		jww.INFO.Printf("Created chat %s between %s and %s", chat.ID, chat.ParticipantA, chat.ParticipantB)
	}
	return chat.ID, nil
}

// GetChatsByUser lists userID's chats, most recently active first, with
// unread counts and the partner's presence filled in.
func (s *ChatService) GetChatsByUser(ctx context.Context, userID string) ([]store.ChatSummary, error) {
	summaries, err := s.dbStore.ListChatSummaries(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		sum := &summaries[i]
		unread, err := s.presence.UnreadCount(ctx, sum.ChatID, userID)
		if err != nil {
			return nil, err
		}
		sum.UnreadCount = unread
		sum.IsRead = unread == 0
		sum.IsRecipientOnline = s.presence.isOnline(sum.ReceiverID, sum.ReceiverLastSeen)
	}
	return summaries, nil
}

func (s *ChatService) GetChat(ctx context.Context, chatID string) (*store.Chat, error) {
	return s.dbStore.GetChatByID(ctx, chatID)
}

// RequireParticipant returns the chat when userID takes part in it.
func (s *ChatService) RequireParticipant(ctx context.Context, chatID, userID string) (*store.Chat, error) {
	chat, err := s.dbStore.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, chaterr.ErrNotAParticipant
	}
	return chat, nil
}
