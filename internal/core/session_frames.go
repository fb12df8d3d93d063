package core

import (
	"context"
)

// SessionFrames applies frames received on a push session. It satisfies
// dispatch.FrameHandler.
type SessionFrames struct {
	Messages *MessageService
	Presence *PresenceTracker
}

func (f SessionFrames) Acknowledge(ctx context.Context, userID, messageID string) error {
	_, _, err := f.Messages.MarkDelivered(ctx, messageID, userID)
	return err
}

func (f SessionFrames) MarkSeen(ctx context.Context, userID, chatID string) error {
	_, err := f.Presence.SetSeen(ctx, chatID, userID)
	return err
}

func (f SessionFrames) Touch(ctx context.Context, userID string) {
	f.Presence.Touch(ctx, userID)
}
