package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/transport"
)

// ReadReceiptPropagator watches the active conversation and acknowledges
// locally-unread incoming messages with a single batched message:read event,
// then reconciles summaries after a short delay so unread counters elsewhere
// converge.
type ReadReceiptPropagator struct {
	mu sync.Mutex

	store     *Store
	session   Emitter
	sched     *Scheduler
	reconcile time.Duration
}

type readAckPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type readSyncPayload struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	MessageIDs     []string   `json:"message_ids"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// NewReadReceiptPropagator wires the propagator to the store's change feed
// and the session's messages:read sync events.
func NewReadReceiptPropagator(store *Store, session Emitter, reconcile time.Duration) *ReadReceiptPropagator {
	if reconcile <= 0 {
		reconcile = time.Second
	}
	p := &ReadReceiptPropagator{
		store:     store,
		session:   session,
		sched:     NewScheduler(),
		reconcile: reconcile,
	}
	session.On(transport.EventMessagesRead, p.handleMessagesRead)
	store.OnChange(p.Scan)
	return p
}

// Scan acknowledges unread incoming messages in the active conversation.
// Runs whenever the active conversation or its message list changes. Only
// confirmed (non-temporary) IDs are acknowledged; temp messages have no
// server identity yet.
func (p *ReadReceiptPropagator) Scan() {
	active := p.store.Active()
	if active == "" {
		return
	}
	self := p.store.Self().ID

	var unread []string
	for _, m := range p.store.Messages(active) {
		if m.SenderID == self {
			continue
		}
		if models.IsTempID(m.ID) {
			continue
		}
		if m.ReadByUser(self) {
			continue
		}
		unread = append(unread, m.ID)
	}
	if len(unread) == 0 {
		return
	}

	p.mu.Lock()
	// One batched event for all IDs, never one per message. The local merge
	// below keeps repeated scans from re-acknowledging the same messages
	// before the server echo lands.
	err := p.session.Emit(transport.EventMessageRead, readAckPayload{
		ConversationID: active,
		MessageIDs:     unread,
	})
	p.mu.Unlock()
	if err != nil {
		// Disconnected; the messages stay unread and a later scan retries.
		return
	}

	p.store.ApplyReadReceipts(active, self, unread, time.Now())

	p.sched.Schedule("read-reconcile:"+active, p.reconcile, func() {
		_ = p.store.ReloadSummaries(context.Background())
	})
}

func (p *ReadReceiptPropagator) handleMessagesRead(data json.RawMessage) {
	var payload readSyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("receipts: invalid messages:read payload: %v", err)
		return
	}
	at := time.Now()
	if payload.ReadAt != nil {
		at = *payload.ReadAt
	}
	p.store.ApplyReadReceipts(payload.ConversationID, payload.UserID, payload.MessageIDs, at)
}

// Close cancels pending reconciliation tasks.
func (p *ReadReceiptPropagator) Close() {
	p.sched.CancelAll()
}
