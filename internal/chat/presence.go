package chat

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/observability"
	"chatkit/internal/transport"
)

// PresenceTracker keeps the set of online users and the per-conversation
// typing indicator. Presence is best-effort; no ordering relative to message
// events is assumed.
type PresenceTracker struct {
	mu sync.Mutex

	online map[string]struct{}
	// typing keeps a single slot per conversation: the most recent remote
	// typist. A second concurrent typist in a group chat overwrites the
	// first. Known simplification, kept deliberately.
	typing map[string]models.TypingState

	sched    *Scheduler
	expiry   time.Duration
	onChange []func()
}

type presencePayload struct {
	UserID string `json:"user_id"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
}

// NewPresenceTracker creates a tracker and registers its inbound handlers.
// expiry bounds how long a typing indicator can outlive a lost stop event.
func NewPresenceTracker(session Emitter, expiry time.Duration) *PresenceTracker {
	if expiry <= 0 {
		expiry = 5 * time.Second
	}
	t := &PresenceTracker{
		online: make(map[string]struct{}),
		typing: make(map[string]models.TypingState),
		sched:  NewScheduler(),
		expiry: expiry,
	}
	session.On(transport.EventUserOnline, t.handleOnline)
	session.On(transport.EventUserOffline, t.handleOffline)
	session.On(transport.EventTypingStart, t.handleTypingStart)
	session.On(transport.EventTypingStop, t.handleTypingStop)
	return t
}

// OnChange registers an observer invoked after every presence or typing change.
func (t *PresenceTracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = append(t.onChange, fn)
	t.mu.Unlock()
}

func (t *PresenceTracker) notify() {
	t.mu.Lock()
	observers := make([]func(), len(t.onChange))
	copy(observers, t.onChange)
	t.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Online reports whether the user is currently connected.
func (t *PresenceTracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// OnlineUsers returns the IDs of all connected users.
func (t *PresenceTracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	return ids
}

// Typing returns the conversation's current typist, if any.
func (t *PresenceTracker) Typing(conversationID string) (models.TypingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.typing[conversationID]
	return state, ok
}

// Close cancels all pending expiry tasks.
func (t *PresenceTracker) Close() {
	t.sched.CancelAll()
}

func (t *PresenceTracker) handleOnline(data json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("presence: invalid user:online payload: %v", err)
		return
	}
	t.mu.Lock()
	t.online[p.UserID] = struct{}{}
	t.mu.Unlock()
	t.notify()
}

func (t *PresenceTracker) handleOffline(data json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("presence: invalid user:offline payload: %v", err)
		return
	}
	t.mu.Lock()
	delete(t.online, p.UserID)
	t.mu.Unlock()
	t.notify()
}

func (t *PresenceTracker) handleTypingStart(data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("presence: invalid typing:start payload: %v", err)
		return
	}

	t.mu.Lock()
	t.typing[p.ConversationID] = models.TypingState{UserID: p.UserID, Username: p.Username}
	t.mu.Unlock()

	// The indicator must never outlive the expiry window even if the stop
	// event is lost.
	convID := p.ConversationID
	t.sched.Schedule("typing:"+convID, t.expiry, func() {
		t.mu.Lock()
		_, present := t.typing[convID]
		delete(t.typing, convID)
		t.mu.Unlock()
		if present {
			observability.TypingExpiries.Inc()
			t.notify()
		}
	})

	t.notify()
}

func (t *PresenceTracker) handleTypingStop(data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("presence: invalid typing:stop payload: %v", err)
		return
	}

	t.mu.Lock()
	state, ok := t.typing[p.ConversationID]
	// Only the current slot holder's stop clears the indicator; a stale stop
	// from an overwritten typist is ignored.
	if ok && state.UserID == p.UserID {
		delete(t.typing, p.ConversationID)
		t.mu.Unlock()
		t.sched.Cancel("typing:" + p.ConversationID)
		t.notify()
		return
	}
	t.mu.Unlock()
}

// TypingReporter debounces outgoing typing signals: typing:start goes out on
// the first keystroke after idle, not on every keystroke, and typing:stop
// follows a quiet period.
type TypingReporter struct {
	mu      sync.Mutex
	session Emitter
	idle    time.Duration
	sched   *Scheduler
	active  map[string]bool
}

// NewTypingReporter creates a reporter with the given idle window.
func NewTypingReporter(session Emitter, idle time.Duration) *TypingReporter {
	if idle <= 0 {
		idle = time.Second
	}
	return &TypingReporter{
		session: session,
		idle:    idle,
		sched:   NewScheduler(),
		active:  make(map[string]bool),
	}
}

// Keystroke records typing activity in a conversation.
func (r *TypingReporter) Keystroke(conversationID string) {
	r.mu.Lock()
	first := !r.active[conversationID]
	r.active[conversationID] = true
	r.mu.Unlock()

	if first {
		_ = r.session.Emit(transport.EventTypingStart, map[string]string{
			"conversation_id": conversationID,
		})
	}

	r.sched.Schedule("idle:"+conversationID, r.idle, func() {
		r.stop(conversationID)
	})
}

// Stop ends the typing signal immediately, e.g. when a message is sent or
// the conversation is switched away from.
func (r *TypingReporter) Stop(conversationID string) {
	r.sched.Cancel("idle:" + conversationID)
	r.stop(conversationID)
}

func (r *TypingReporter) stop(conversationID string) {
	r.mu.Lock()
	wasActive := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()

	if wasActive {
		_ = r.session.Emit(transport.EventTypingStop, map[string]string{
			"conversation_id": conversationID,
		})
	}
}

// Close cancels pending idle timers without emitting stops.
func (r *TypingReporter) Close() {
	r.sched.CancelAll()
}
