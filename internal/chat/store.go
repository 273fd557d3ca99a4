// Package chat holds the in-memory conversation state: message lists,
// conversation summaries, presence, typing, and read receipts, reconciled
// from REST fetches, optimistic local edits, and transport push events.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/observability"
	"chatkit/internal/transport"
)

// Emitter is the slice of the transport session the chat components use.
type Emitter interface {
	Emit(event string, payload interface{}) error
	On(event string, h transport.Handler) *transport.Subscription
	Off(event string, sub *transport.Subscription)
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
}

// API is the slice of the REST client the store uses.
type API interface {
	Conversations(ctx context.Context) ([]*models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// Config carries the store's timing knobs.
type Config struct {
	PendingSendTimeout  time.Duration
	DeleteReconcileWait time.Duration
}

// Store is the conversation state store. All mutations preserve ascending
// CreatedAt order within a conversation and suppress duplicate message IDs,
// since both the optimistic local path and the server echo path can produce
// an entry for the same logical message.
type Store struct {
	mu sync.Mutex

	self    models.User
	api     API
	session Emitter
	cfg     Config

	convs    map[string]*models.Conversation
	messages map[string][]*models.Message
	seen     map[string]map[string]struct{}

	activeID string
	loadGen  int // bumped on every selection; stale load results are discarded

	sched    *Scheduler
	onChange []func()
	logger   *observability.StoreLogger
	now      func() time.Time
}

// NewStore creates a store bound to the given REST client and transport
// session and registers its inbound event handlers.
func NewStore(api API, session Emitter, self models.User, cfg Config) *Store {
	if cfg.PendingSendTimeout <= 0 {
		cfg.PendingSendTimeout = 10 * time.Second
	}
	if cfg.DeleteReconcileWait <= 0 {
		cfg.DeleteReconcileWait = 500 * time.Millisecond
	}
	s := &Store{
		self:     self,
		api:      api,
		session:  session,
		cfg:      cfg,
		convs:    make(map[string]*models.Conversation),
		messages: make(map[string][]*models.Message),
		seen:     make(map[string]map[string]struct{}),
		sched:    NewScheduler(),
		logger:   observability.NewStoreLogger(),
		now:      time.Now,
	}
	session.On(transport.EventMessageNew, s.handleMessageNew)
	session.On(transport.EventMessageEdited, s.handleMessageEdited)
	session.On(transport.EventMessageDeleted, s.handleMessageDeleted)
	return s
}

// OnChange registers an observer invoked after every state mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	observers := make([]func(), len(s.onChange))
	copy(observers, s.onChange)
	s.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Self returns the current user.
func (s *Store) Self() models.User { return s.self }

// Close cancels every pending reconciliation task.
func (s *Store) Close() {
	s.sched.CancelAll()
}

// LoadConversations fetches the full conversation list, replacing local
// summaries. A failed fetch leaves prior state untouched.
func (s *Store) LoadConversations(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		s.logger.LogError(ctx, "load_conversations", err)
		return err
	}

	s.mu.Lock()
	s.convs = make(map[string]*models.Conversation, len(convs))
	for _, conv := range convs {
		s.convs[conv.ID] = conv
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// ReloadSummaries refreshes conversation summaries (last message, unread
// counts) without touching message lists. Unread counts are server-computed;
// the client never maintains them arithmetically.
func (s *Store) ReloadSummaries(ctx context.Context) error {
	return s.LoadConversations(ctx)
}

// LoadMessages fetches the full message history for one conversation.
// Messages the current user has tombstoned for themselves are filtered out
// before storage. A failed fetch leaves prior state untouched.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	gen := s.loadGen
	s.mu.Unlock()
	return s.loadMessagesGuarded(ctx, conversationID, gen)
}

func (s *Store) loadMessagesGuarded(ctx context.Context, conversationID string, gen int) error {
	fetched, err := s.api.Messages(ctx, conversationID)
	if err != nil {
		s.logger.LogError(ctx, "load_messages", err)
		return err
	}

	msgs := filterHidden(fetched, s.self.ID)
	models.SortMessages(msgs)

	s.mu.Lock()
	if s.loadGen != gen {
		// The user switched away while this load was in flight. Applying
		// the result now would fill the wrong conversation's slot.
		s.mu.Unlock()
		return nil
	}
	s.messages[conversationID] = msgs
	// Seed the seen set from everything the server returned, filtered or
	// not, so a stale duplicate of a deleted message cannot reappear.
	ids := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		ids[m.ID] = struct{}{}
	}
	s.seen[conversationID] = ids
	s.mu.Unlock()

	s.notify()
	return nil
}

// filterHidden drops soft-deleted messages and messages the given user has
// hidden for themselves, so a reload shows the same list a live
// message:deleted event would have produced. The step is explicit and
// parameterized so it never depends on ambient state.
func filterHidden(msgs []*models.Message, userID string) []*models.Message {
	kept := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Deleted || m.HiddenFor(userID) {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// Select makes the conversation active, joins its transport room, and always
// reloads its messages, even if cached. The reload guarantees freshness
// after concurrent deletions elsewhere; consistency over efficiency.
func (s *Store) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	previous := s.activeID
	s.activeID = conversationID
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	if previous != "" && previous != conversationID {
		_ = s.session.LeaveConversation(previous)
	}
	_ = s.session.JoinConversation(conversationID)

	s.notify()
	return s.loadMessagesGuarded(ctx, conversationID, gen)
}

// Active returns the currently selected conversation ID, or "".
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Conversations returns the conversation summaries sorted by recency.
func (s *Store) Conversations() []*models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]*models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		convs = append(convs, conv)
	}
	models.SortConversations(convs)
	return convs
}

// Conversation returns one conversation summary by ID.
func (s *Store) Conversation(conversationID string) (*models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	return conv, ok
}

// Messages returns a copy of the conversation's visible message list.
func (s *Store) Messages(conversationID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// sendPayload is the wire shape of message:send.
type sendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	FileRef        string `json:"file_ref,omitempty"`
}

// Send appends an optimistic message under a temporary ID, bumps the
// conversation summary, and emits message:send. If no server echo arrives
// within the confirmation window the message is marked failed rather than
// staying pending forever.
func (s *Store) Send(conversationID, content, msgType, fileRef string) *models.Message {
	if msgType == "" {
		msgType = models.MessageText
	}
	msg := &models.Message{
		ID:             models.NewTempID(),
		ConversationID: conversationID,
		SenderID:       s.self.ID,
		Content:        content,
		Type:           msgType,
		FileRef:        fileRef,
		CreatedAt:      s.now(),
		Pending:        true,
	}

	s.mu.Lock()
	s.appendLocked(msg)
	s.bumpSummaryLocked(conversationID, msg)
	s.mu.Unlock()

	_ = s.session.Emit(transport.EventMessageSend, sendPayload{
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		FileRef:        fileRef,
	})

	tempID := msg.ID
	s.sched.Schedule("send:"+tempID, s.cfg.PendingSendTimeout, func() {
		s.markFailed(conversationID, tempID)
	})

	s.notify()
	return msg
}

// markFailed marks a still-unconfirmed temp message as failed.
func (s *Store) markFailed(conversationID, tempID string) {
	s.mu.Lock()
	changed := false
	for _, m := range s.messages[conversationID] {
		if m.ID == tempID && m.Pending {
			m.Pending = false
			m.Failed = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		observability.PendingSendTimeouts.Inc()
		s.notify()
	}
}

// Edit emits a message:edit event. The authoritative content replacement
// arrives back as message:edited.
func (s *Store) Edit(messageID, content string) {
	_ = s.session.Emit(transport.EventMessageEdit, map[string]string{
		"message_id": messageID,
		"content":    content,
	})
}

// Delete removes the message from local view immediately, emits
// message:delete, and schedules a delayed reconciliation reload to pick up
// server-side side effects such as an updated last-message pointer.
func (s *Store) Delete(conversationID, messageID string) {
	s.mu.Lock()
	s.removeLocked(conversationID, messageID)
	s.mu.Unlock()

	_ = s.session.Emit(transport.EventMessageDelete, map[string]string{
		"message_id": messageID,
	})

	s.sched.Schedule("reconcile:"+conversationID, s.cfg.DeleteReconcileWait, func() {
		_ = s.ReloadSummaries(context.Background())
	})

	s.notify()
}

// ApplyReadReceipts merges a server-confirmed read acknowledgement into the
// listed messages, idempotently.
func (s *Store) ApplyReadReceipts(conversationID, userID string, messageIDs []string, at time.Time) {
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	for _, m := range s.messages[conversationID] {
		if _, ok := wanted[m.ID]; ok {
			m.AddReadReceipt(userID, at)
		}
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Store) handleMessageNew(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.LogError(context.Background(), "message_new", err)
		return
	}

	s.mu.Lock()
	// The real message has arrived; any optimistic placeholders for this
	// conversation are superseded.
	s.purgeTempsLocked(msg.ConversationID)

	if _, dup := s.seen[msg.ConversationID][msg.ID]; dup {
		s.mu.Unlock()
		observability.DuplicateMessagesSuppressed.Inc()
		return
	}
	s.appendLocked(&msg)
	s.bumpSummaryLocked(msg.ConversationID, &msg)
	foreign := msg.SenderID != s.self.ID
	s.mu.Unlock()

	if foreign {
		// Unread counts are server-computed; fetch them rather than
		// incrementing locally.
		go func() { _ = s.ReloadSummaries(context.Background()) }()
	}

	s.notify()
}

func (s *Store) handleMessageEdited(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.LogError(context.Background(), "message_edited", err)
		return
	}

	s.mu.Lock()
	for i, existing := range s.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			updated := msg
			updated.ReadBy = existing.ReadBy
			s.messages[msg.ConversationID][i] = &updated
			break
		}
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Store) handleMessageDeleted(data json.RawMessage) {
	var payload struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.LogError(context.Background(), "message_deleted", err)
		return
	}

	s.mu.Lock()
	s.removeLocked(payload.ConversationID, payload.MessageID)
	s.mu.Unlock()

	s.notify()
}

// appendLocked inserts a message preserving ascending CreatedAt order and
// records its ID in the seen set.
func (s *Store) appendLocked(msg *models.Message) {
	msgs := append(s.messages[msg.ConversationID], msg)
	models.SortMessages(msgs)
	s.messages[msg.ConversationID] = msgs

	if s.seen[msg.ConversationID] == nil {
		s.seen[msg.ConversationID] = make(map[string]struct{})
	}
	s.seen[msg.ConversationID][msg.ID] = struct{}{}
}

// removeLocked removes a message from the visible list. Its ID stays in the
// seen set so a late echo cannot resurrect it.
func (s *Store) removeLocked(conversationID, messageID string) {
	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

// purgeTempsLocked drops optimistic placeholders for a conversation and
// cancels their confirmation timeouts.
func (s *Store) purgeTempsLocked(conversationID string) {
	msgs := s.messages[conversationID]
	kept := msgs[:0]
	for _, m := range msgs {
		if models.IsTempID(m.ID) && !m.Failed {
			s.sched.Cancel("send:" + m.ID)
			delete(s.seen[conversationID], m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.messages[conversationID] = kept
}

// bumpSummaryLocked updates the conversation's denormalized last-message
// fields used for list ordering.
func (s *Store) bumpSummaryLocked(conversationID string, msg *models.Message) {
	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	conv.LastMessage = msg.Content
	conv.LastMessageAt = msg.CreatedAt
}
