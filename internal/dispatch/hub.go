// Package dispatch fans out chat events to the live sessions of their
// recipients. Delivery is best effort: a recipient without a session, or with
// a session that cannot keep up, simply misses the push and catches up by
// pulling state from the store.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// Session is one connected client of a user.
type Session struct {
	UserID string
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

// Messages yields the encoded frames queued for this session. It is closed
// when the session is unregistered.
func (s *Session) Messages() <-chan []byte { return s.send }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.once.Do(func() {
		close(s.send)
		close(s.done)
	})
}

// trySend must be called with the hub lock held, read or write.
func (s *Session) trySend(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

type Hub struct {
	queue      chan Event
	bufferSize int

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func NewHub(queueSize, sessionBuffer int) *Hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if sessionBuffer <= 0 {
		sessionBuffer = 64
	}
	return &Hub{
		queue:      make(chan Event, queueSize),
		bufferSize: sessionBuffer,
		sessions:   make(map[string]map[*Session]struct{}),
	}
}

// Publish enqueues ev for fan-out and returns immediately. When the queue is
// full the event is dropped.
func (h *Hub) Publish(ev Event) {
	select {
	case h.queue <- ev:
	default:
		jww.ERROR.Printf("dispatch: queue full, dropping %s event for %v", ev.Type, ev.Recipients)
	}
}

// Run drains the queue until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) error {
	jww.INFO.Println("dispatch: hub started")
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			jww.INFO.Println("dispatch: hub stopping")
			return nil
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	frame, err := json.Marshal(Envelope{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		jww.ERROR.Printf("dispatch: failed to encode %s event: %v", ev.Type, err)
		return
	}

	var slow []*Session
	h.mu.RLock()
	for _, userID := range ev.Recipients {
		sessions := h.sessions[userID]
		if len(sessions) == 0 {
			jww.TRACE.Printf("dispatch: %s has no session, %s left for pull", userID, ev.Type)
			continue
		}
		for s := range sessions {
			if !s.trySend(frame) {
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		jww.WARN.Printf("dispatch: evicting slow session of %s", s.UserID)
		h.Unregister(s)
	}
}

// SendTo writes ev to a single session, bypassing the queue. Used for replies
// to frames the session itself sent.
func (h *Hub) SendTo(s *Session, ev Event) {
	frame, err := json.Marshal(Envelope{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		jww.ERROR.Printf("dispatch: failed to encode %s reply: %v", ev.Type, err)
		return
	}
	h.mu.RLock()
	_, live := h.sessions[s.UserID][s]
	ok := live && s.trySend(frame)
	h.mu.RUnlock()
	if live && !ok {
		h.Unregister(s)
	}
}

func (h *Hub) Register(userID string) *Session {
	s := &Session{
		UserID: userID,
		send:   make(chan []byte, h.bufferSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	n := len(h.sessions[userID])
	h.mu.Unlock()
	jww.DEBUG.Printf("dispatch: session registered for %s (%d live)", userID, n)
	return s
}

// Unregister removes s and closes its channels. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	s.close()
	h.mu.Unlock()
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the number of live sessions across all users.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.sessions {
		for s := range set {
			s.close()
		}
		delete(h.sessions, userID)
	}
}
