package broker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"chatkit/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Store is the broker's in-memory data layer. It backs both the REST API
// and the websocket hub; everything is lost on restart, which is fine for a
// development relay.
type Store struct {
	mu sync.RWMutex

	users     map[string]*account
	convs     map[string]*models.Conversation
	messages  map[string][]*models.Message // conversationID -> ordered messages
	byMessage map[string]string            // messageID -> conversationID

	now func() time.Time
}

type account struct {
	user models.User
	hash []byte
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:     make(map[string]*account),
		convs:     make(map[string]*models.Conversation),
		messages:  make(map[string][]*models.Message),
		byMessage: make(map[string]string),
		now:       time.Now,
	}
}

// CreateUser registers a user with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password, avatar string) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.users {
		if acct.user.Username == username {
			return models.User{}, models.NewValidationError("username already taken")
		}
	}
	user := models.User{ID: uuid.NewString(), Username: username, Avatar: avatar}
	s.users[user.ID] = &account{user: user, hash: hash}
	return user, nil
}

// Authenticate verifies credentials and returns the matching user.
func (s *Store) Authenticate(username, password string) (models.User, error) {
	s.mu.RLock()
	var acct *account
	for _, a := range s.users {
		if a.user.Username == username {
			acct = a
			break
		}
	}
	s.mu.RUnlock()

	if acct == nil {
		return models.User{}, models.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return models.User{}, models.ErrUnauthorized
	}
	return acct.user, nil
}

// UserByID looks up a user.
func (s *Store) UserByID(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.users[id]
	if !ok {
		return models.User{}, false
	}
	return acct.user, true
}

// SearchUsers returns users whose username contains the query,
// case-insensitively, excluding the searcher.
func (s *Store) SearchUsers(query, excludeID string) []models.User {
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.User, 0)
	for _, acct := range s.users {
		if acct.user.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(acct.user.Username), q) {
			out = append(out, acct.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ConversationsFor returns the user's conversation summaries, most recent
// first, with per-user unread counts.
func (s *Store) ConversationsFor(userID string) []*models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Conversation, 0)
	for _, conv := range s.convs {
		if !s.isParticipantLocked(conv, userID) {
			continue
		}
		summary := *conv
		summary.UnreadCount = s.unreadCountLocked(conv.ID, userID)
		out = append(out, &summary)
	}
	models.SortConversations(out)
	return out
}

func (s *Store) isParticipantLocked(conv *models.Conversation, userID string) bool {
	for _, p := range conv.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func (s *Store) unreadCountLocked(convID, userID string) int {
	count := 0
	for _, msg := range s.messages[convID] {
		if msg.SenderID == userID || msg.Deleted || msg.HiddenFor(userID) {
			continue
		}
		if !msg.ReadByUser(userID) {
			count++
		}
	}
	return count
}

// Conversation returns a conversation when the user participates in it.
func (s *Store) Conversation(convID, userID string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[convID]
	if !ok || !s.isParticipantLocked(conv, userID) {
		return nil, false
	}
	summary := *conv
	summary.UnreadCount = s.unreadCountLocked(convID, userID)
	return &summary, true
}

// PrivateConversation finds or creates the one-on-one conversation between
// two users. Repeat calls return the same conversation.
func (s *Store) PrivateConversation(userID, otherID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	other, ok := s.users[otherID]
	if !ok {
		return nil, models.NewValidationError("no such user")
	}
	self, ok := s.users[userID]
	if !ok {
		return nil, models.NewValidationError("no such user")
	}

	for _, conv := range s.convs {
		if conv.Kind != models.ConversationPrivate {
			continue
		}
		if s.isParticipantLocked(conv, userID) && s.isParticipantLocked(conv, otherID) {
			return conv, nil
		}
	}

	conv := &models.Conversation{
		ID:            uuid.NewString(),
		Kind:          models.ConversationPrivate,
		Participants:  []models.User{self.user, other.user},
		LastMessageAt: s.now(),
	}
	s.convs[conv.ID] = conv
	return conv, nil
}

// CreateGroup creates a named group conversation including the creator.
func (s *Store) CreateGroup(creatorID, name string, participantIDs []string) (*models.Conversation, error) {
	if strings.TrimSpace(name) == "" {
		return nil, models.NewValidationError("group name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]struct{}{creatorID: {}}
	ids := append([]string{creatorID}, participantIDs...)
	participants := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup && id != creatorID {
			continue
		}
		seen[id] = struct{}{}
		acct, ok := s.users[id]
		if !ok {
			return nil, models.NewValidationError("no such user: "+id)
		}
		participants = append(participants, acct.user)
	}

	conv := &models.Conversation{
		ID:            uuid.NewString(),
		Kind:          models.ConversationGroup,
		Name:          name,
		Participants:  participants,
		LastMessageAt: s.now(),
	}
	s.convs[conv.ID] = conv
	return conv, nil
}

// Messages returns the conversation's messages visible to the user, in
// ascending creation order.
func (s *Store) Messages(convID, userID string) ([]*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[convID]
	if !ok || !s.isParticipantLocked(conv, userID) {
		return nil, false
	}

	out := make([]*models.Message, 0, len(s.messages[convID]))
	for _, msg := range s.messages[convID] {
		if msg.HiddenFor(userID) {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	models.SortMessages(out)
	return out, true
}

// AppendMessage stores a new message with a server-assigned ID and timestamp.
func (s *Store) AppendMessage(convID, senderID, content, msgType, fileRef string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok || !s.isParticipantLocked(conv, senderID) {
		return nil, models.NewValidationError("not a participant of this conversation")
	}
	if msgType == "" {
		msgType = models.MessageText
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		FileRef:        fileRef,
		CreatedAt:      s.now(),
	}
	s.messages[convID] = append(s.messages[convID], msg)
	s.byMessage[msg.ID] = convID

	conv.LastMessage = msg.Content
	conv.LastMessageAt = msg.CreatedAt

	copied := *msg
	return &copied, nil
}

// EditMessage replaces a message's content. Only the sender may edit.
func (s *Store) EditMessage(messageID, userID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findLocked(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, models.NewValidationError("only the sender can edit a message")
	}

	now := s.now()
	msg.Content = content
	msg.EditedAt = &now
	copied := *msg
	return &copied, nil
}

// DeleteMessage removes a message for everyone. Only the sender may delete.
func (s *Store) DeleteMessage(messageID, userID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findLocked(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, models.NewValidationError("only the sender can delete a message")
	}

	msg.Deleted = true
	msg.Content = ""
	msg.FileRef = ""
	copied := *msg
	return &copied, nil
}

// MarkRead records read receipts and returns the IDs that were newly marked.
// Already-read and own messages are skipped, so replays are harmless.
func (s *Store) MarkRead(convID, userID string, messageIDs []string, at time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make([]string, 0, len(messageIDs))
	for _, msg := range s.messages[convID] {
		for _, id := range messageIDs {
			if msg.ID != id || msg.SenderID == userID {
				continue
			}
			if msg.AddReadReceipt(userID, at) {
				marked = append(marked, msg.ID)
			}
		}
	}
	return marked
}

// Participants returns the user IDs participating in a conversation.
func (s *Store) Participants(convID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[convID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Store) findLocked(messageID string) (*models.Message, error) {
	convID, ok := s.byMessage[messageID]
	if !ok {
		return nil, models.NewValidationError("no such message")
	}
	for _, msg := range s.messages[convID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, models.NewValidationError("no such message")
}
