package core

import (
	"context"
	"strings"
	"unicode/utf8"

	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
)

// Content is the sender-supplied body of a message. Text is used for TEXT
// messages, MediaRef (a blob content hash) for every other type.
type Content struct {
	Type     store.MessageType
	Text     string
	MediaRef string
}

type MessageService struct {
	dbStore       *store.SQLiteStore
	chats         *ChatService
	publisher     Publisher
	maxTextLength int
}

// NewMessageService builds the message store service. publisher may be nil.
func NewMessageService(db *store.SQLiteStore, chats *ChatService, publisher Publisher, maxTextLength int) *MessageService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &MessageService{
		dbStore:       db,
		chats:         chats,
		publisher:     publisher,
		maxTextLength: maxTextLength,
	}
}

func (s *MessageService) validate(c Content) (store.NewMessage, error) {
	var nm store.NewMessage
	if !c.Type.Valid() {
		return nm, chaterr.MalformedMessage("unknown message type " + string(c.Type))
	}
	nm.Type = c.Type
	if c.Type == store.MessageTypeText {
		if c.MediaRef != "" {
			return nm, chaterr.MalformedMessage("text message cannot carry media")
		}
		if strings.TrimSpace(c.Text) == "" {
			return nm, chaterr.MalformedMessage("text message is empty")
		}
		if s.maxTextLength > 0 && utf8.RuneCountInString(c.Text) > s.maxTextLength {
			return nm, chaterr.MalformedMessage("text message is too long")
		}
		text := c.Text
		nm.Text = &text
		return nm, nil
	}
	if c.Text != "" {
		return nm, chaterr.MalformedMessage("media message cannot carry text")
	}
	if c.MediaRef == "" {
		return nm, chaterr.MalformedMessage("media message needs a media reference")
	}
	ref := c.MediaRef
	nm.MediaRef = &ref
	return nm, nil
}

// SaveMessage appends a message from senderID to chatID. Membership is
// checked before the content. The new message is pushed to the partner after
// it is committed.
func (s *MessageService) SaveMessage(ctx context.Context, chatID, senderID string, content Content) (*store.Message, error) {
	if _, err := s.chats.RequireParticipant(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	nm, err := s.validate(content)
	if err != nil {
		return nil, err
	}
	nm.ChatID = chatID
	nm.SenderID = senderID

	msg, chat, err := s.dbStore.AppendMessage(ctx, nm)
	if err != nil {
		return nil, err
	}
	jww.DEBUG.Printf("Stored %s message %s in chat %s at sequence %d", msg.Type, msg.ID, chat.ID, msg.Sequence)
	s.publisher.Publish(dispatch.MessageCreated(chat, msg))
	return msg, nil
}

// FindChatMessages returns every message of chatID in sequence order.
func (s *MessageService) FindChatMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	return s.dbStore.FindChatMessages(ctx, chatID)
}

// ChatMessages is FindChatMessages for a caller that must be a participant.
// The chat is returned alongside so callers can resolve the partner.
func (s *MessageService) ChatMessages(ctx context.Context, chatID, userID string) (*store.Chat, []store.Message, error) {
	chat, err := s.chats.RequireParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.dbStore.FindChatMessages(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	return chat, messages, nil
}

// MarkDelivered records that userID received messageID. The sender is told
// only when the state actually moved.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID, userID string) (*store.Message, bool, error) {
	msg, _, changed, err := s.dbStore.MarkDelivered(ctx, messageID, userID)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.publisher.Publish(dispatch.DeliveryAck(msg))
	}
	return msg, changed, nil
}
