// Package models contains data structures for the client core's domain models.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationKind distinguishes one-on-one chats from group chats.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// Message type tags as carried on the wire.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageVideo = "video"
	MessageFile  = "file"
	MessageAudio = "audio"
)

// tempIDPrefix marks client-generated message IDs that are still awaiting
// server confirmation. Server IDs never carry this prefix.
const tempIDPrefix = "temp-"

// User is a chat participant as returned by the REST collaborators.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Conversation represents a chat conversation (private or group) together
// with the denormalized summary fields used for list ordering.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name,omitempty"` // group chats only
	Participants  []User           `json:"participants,omitempty"`
	LastMessage   string           `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at"`
	UnreadCount   int              `json:"unread_count"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message represents a chat message. The ID is either server-assigned or a
// temporary client-generated placeholder (see NewTempID / IsTempID).
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           string        `json:"type"`
	FileRef        string        `json:"file_ref,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	Deleted        bool          `json:"deleted"`
	DeletedFor     []string      `json:"deleted_for,omitempty"` // user-scoped tombstones
	ReadBy         []ReadReceipt `json:"read_by,omitempty"`

	// Local-only flags for optimistic sends; never sent to the server.
	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// NewTempID returns a fresh temporary message ID. Temporary IDs share a
// distinct prefix so confirmation matching and duplicate filtering can
// identify them unambiguously.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a client-generated temporary ID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// HiddenFor reports whether the message carries a user-scoped tombstone for
// the given user ("delete for me").
func (m *Message) HiddenFor(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadByUser reports whether the given user appears in the message's read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddReadReceipt appends a receipt for the user if one is not already
// present and reports whether a receipt was added. Re-adding an existing
// reader is a no-op.
func (m *Message) AddReadReceipt(userID string, at time.Time) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// SortMessages orders messages ascending by CreatedAt, stable so that
// same-timestamp entries keep arrival order.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// SortConversations orders conversations by most recent activity first.
func SortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

// TypingState is the single-slot per-conversation typing annotation. Only the
// most recent remote typist is kept; a second concurrent typist overwrites
// the first.
type TypingState struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
