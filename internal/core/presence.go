package core

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
)

// SessionRegistry reports whether a user has a live push session.
type SessionRegistry interface {
	IsOnline(userID string) bool
}

// PresenceTracker owns seen watermarks, unread counts and user presence.
type PresenceTracker struct {
	dbStore   *store.SQLiteStore
	publisher Publisher
	sessions  SessionRegistry
	window    time.Duration
	now       func() time.Time
}

// NewPresenceTracker builds a tracker. publisher and sessions may be nil.
func NewPresenceTracker(db *store.SQLiteStore, publisher Publisher, sessions SessionRegistry, onlineWindow time.Duration) *PresenceTracker {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &PresenceTracker{
		dbStore:   db,
		publisher: publisher,
		sessions:  sessions,
		window:    onlineWindow,
		now:       time.Now,
	}
}

// SetSeen advances userID's watermark in chatID to the latest message and
// marks the partner's messages up to it as SEEN. A read receipt is pushed to
// the partner when any message changed state.
func (p *PresenceTracker) SetSeen(ctx context.Context, chatID, userID string) (int64, error) {
	res, err := p.dbStore.SetSeen(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	if res.Transitioned > 0 {
		jww.DEBUG.Printf("%s saw %d message(s) in chat %s up to %d", userID, res.Transitioned, chatID, res.Watermark)
		p.publisher.Publish(dispatch.SeenUpdated(res.Chat, userID, res.Watermark))
	}
	return res.Watermark, nil
}

// UnreadCount is the number of the partner's messages above userID's
// watermark.
func (p *PresenceTracker) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	return p.dbStore.UnreadCount(ctx, chatID, userID)
}

func (p *PresenceTracker) Watermark(ctx context.Context, chatID, userID string) (int64, error) {
	return p.dbStore.GetWatermark(ctx, chatID, userID)
}

// Touch records activity by userID. Failures are logged only.
func (p *PresenceTracker) Touch(ctx context.Context, userID string) {
	if err := p.dbStore.TouchLastSeen(ctx, userID, p.now()); err != nil {
		jww.WARN.Printf("Failed to record activity for %s: %v", userID, err)
	}
}

// IsOnline reports whether userID has a live session or was active within
// the online window.
func (p *PresenceTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	if p.sessions != nil && p.sessions.IsOnline(userID) {
		return true, nil
	}
	user, err := p.dbStore.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.isOnline(userID, user.LastSeenAt), nil
}

func (p *PresenceTracker) isOnline(userID string, lastSeen *time.Time) bool {
	if p.sessions != nil && p.sessions.IsOnline(userID) {
		return true
	}
	return lastSeen != nil && p.now().Sub(*lastSeen) <= p.window
}
