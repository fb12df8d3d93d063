package store

import (
	"strings"
	"time"
)

// Audit carries the bookkeeping timestamps shared by every persisted row.
type Audit struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"displayName"`
	PasswordHash string     `json:"-"` // Do not expose this in JSON responses
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	Audit
}

// Chat is a two-party conversation. ParticipantA sorts before ParticipantB.
type Chat struct {
	ID             string    `json:"id"`
	ParticipantA   string    `json:"participantA"`
	ParticipantB   string    `json:"participantB"`
	LastSequence   int64     `json:"lastSequence"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Audit
}

func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Partner returns the participant that is not userID.
func (c *Chat) Partner(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
	MessageTypeAudio MessageType = "AUDIO"
	MessageTypeFile  MessageType = "FILE"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

func (t MessageType) IsMedia() bool {
	return t.Valid() && t != MessageTypeText
}

// MessageTypeForMIME maps a MIME type to the message type that carries it.
func MessageTypeForMIME(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return MessageTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageTypeAudio
	default:
		return MessageTypeFile
	}
}

type MessageState string

const (
	MessageStateSent      MessageState = "SENT"
	MessageStateDelivered MessageState = "DELIVERED"
	MessageStateSeen      MessageState = "SEEN"
)

func (s MessageState) rank() int {
	switch s {
	case MessageStateSent:
		return 1
	case MessageStateDelivered:
		return 2
	case MessageStateSeen:
		return 3
	}
	return 0
}

// Before reports whether s is an earlier delivery state than other.
func (s MessageState) Before(other MessageState) bool {
	return s.rank() < other.rank()
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	Sequence    int64        `json:"sequence"`
	Type        MessageType  `json:"type"`
	TextContent *string      `json:"textContent,omitempty"`
	MediaRef    *string      `json:"mediaRef,omitempty"` // content hash of a MediaBlob
	State       MessageState `json:"state"`
	Audit
}

// MessageView is the client-facing shape of a message, used by both the
// HTTP API and pushed events.
type MessageView struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chatId"`
	Sequence      int64        `json:"sequence"`
	SenderID      string       `json:"senderId"`
	ReceiverID    string       `json:"receiverId"`
	Content       string       `json:"content"`
	Type          MessageType  `json:"type"`
	State         MessageState `json:"state"`
	CreatedAt     time.Time    `json:"createdAt"`
	MediaFilePath string       `json:"mediaFilePath,omitempty"`
}

// View projects m for clients. chat resolves the receiver.
func (m *Message) View(chat *Chat) MessageView {
	v := MessageView{
		ID:         m.ID,
		ChatID:     m.ChatID,
		Sequence:   m.Sequence,
		SenderID:   m.SenderID,
		ReceiverID: chat.Partner(m.SenderID),
		Type:       m.Type,
		State:      m.State,
		CreatedAt:  m.CreatedAt,
	}
	if m.TextContent != nil {
		v.Content = *m.TextContent
	}
	if m.MediaRef != nil {
		v.MediaFilePath = *m.MediaRef
	}
	return v
}

// Preview is the short form shown in chat lists.
func (m *Message) Preview() string {
	if m.Type == MessageTypeText && m.TextContent != nil {
		return *m.TextContent
	}
	return "[" + string(m.Type) + "]"
}

type SeenWatermark struct {
	ChatID           string `json:"chatId"`
	UserID           string `json:"userId"`
	LastSeenSequence int64  `json:"lastSeenSequence"`
	Audit
}

type MediaBlob struct {
	ContentHash    string `json:"contentHash"`
	ByteSize       int64  `json:"byteSize"`
	MimeType       string `json:"mimeType"`
	StorageLocator string `json:"-"`
	Audit
}

// ChatSummary is the per-viewer projection of a chat used by chat lists.
type ChatSummary struct {
	ChatID            string     `json:"chatId"`
	SenderID          string     `json:"senderId"`
	ReceiverID        string     `json:"receiverId"`
	Name              string     `json:"name"`
	LastMessage       string     `json:"lastMessage"`
	LastMessageTime   *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
	IsRead            bool       `json:"isRead"`
	IsRecipientOnline bool       `json:"isRecipientOnline"`
	LastActivityAt    time.Time  `json:"-"`
	ReceiverLastSeen  *time.Time `json:"-"`
}
