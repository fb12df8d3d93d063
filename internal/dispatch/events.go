package dispatch

import (
	"gwi.com/chatcore/internal/store"
)

type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventSeenUpdated    EventType = "seen_updated"
	EventDeliveryAck    EventType = "delivery_ack"
	EventPong           EventType = "pong"
	EventError          EventType = "error"
)

// Event is a state change to push to the sessions of its recipients.
type Event struct {
	Type       EventType
	Recipients []string
	Payload    any
}

// Envelope is the JSON frame written to a session.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

type SeenPayload struct {
	ChatID    string `json:"chatId"`
	ReaderID  string `json:"readerId"`
	Watermark int64  `json:"watermark"`
}

type DeliveryPayload struct {
	MessageID string             `json:"messageId"`
	ChatID    string             `json:"chatId"`
	Sequence  int64              `json:"sequence"`
	State     store.MessageState `json:"state"`
}

// MessageCreated notifies the participant who did not send msg. The payload
// has the same shape as messages fetched over HTTP.
func MessageCreated(chat *store.Chat, msg *store.Message) Event {
	return Event{
		Type:       EventMessageCreated,
		Recipients: []string{chat.Partner(msg.SenderID)},
		Payload:    msg.View(chat),
	}
}

// SeenUpdated is the read receipt sent to the participant who is not the
// reader.
func SeenUpdated(chat *store.Chat, readerID string, watermark int64) Event {
	return Event{
		Type:       EventSeenUpdated,
		Recipients: []string{chat.Partner(readerID)},
		Payload:    SeenPayload{ChatID: chat.ID, ReaderID: readerID, Watermark: watermark},
	}
}

// DeliveryAck tells the sender of msg that it reached the recipient.
func DeliveryAck(msg *store.Message) Event {
	return Event{
		Type:       EventDeliveryAck,
		Recipients: []string{msg.SenderID},
		Payload: DeliveryPayload{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			Sequence:  msg.Sequence,
			State:     msg.State,
		},
	}
}
