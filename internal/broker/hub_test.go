package broker

import (
	"encoding/json"
	"testing"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// register connects a test client without a real websocket.
func register(t *testing.T, hub *Hub, userID, username string) *Client {
	t.Helper()
	client, err := hub.Register(userID, username, nil)
	require.NoError(t, err)
	return client
}

// recvFrame pops the next queued frame from a client.
func recvFrame(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()
	select {
	case raw := <-c.Send:
		var env transport.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env.Event, env.Data
	default:
		t.Fatal("no frame queued")
		return "", nil
	}
}

// drain discards everything queued so far.
func drain(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

// routeAs delivers an inbound envelope as if the client had sent it.
func routeAs(c *Client, hub *Hub, event string, payload interface{}) {
	hub.route(c, envelope(event, payload))
}

// newTestHub builds a hub over a store seeded with alice, bob, and carol
// sharing one group conversation.
func newTestHub(t *testing.T) (*Hub, *Store, map[string]models.User, *models.Conversation) {
	t.Helper()
	store := NewStore()

	users := make(map[string]models.User)
	for _, name := range []string{"alice", "bob", "carol"} {
		user, err := store.CreateUser(name, "pass-"+name, "")
		require.NoError(t, err)
		users[name] = user
	}

	conv, err := store.CreateGroup(users["alice"].ID, "lounge", []string{users["bob"].ID, users["carol"].ID})
	require.NoError(t, err)

	return NewHub(store, nil), store, users, conv
}

func TestHub_PresenceSnapshotAndBroadcast(t *testing.T) {
	hub, _, users, _ := newTestHub(t)

	alice := register(t, hub, users["alice"].ID, "alice")
	assertNoFrame(t, alice)

	bob := register(t, hub, users["bob"].ID, "bob")

	// bob gets a snapshot of who was already online
	event, data := recvFrame(t, bob)
	assert.Equal(t, transport.EventUserOnline, event)
	var body presenceBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, users["alice"].ID, body.UserID)

	// alice learns bob came online
	event, data = recvFrame(t, alice)
	assert.Equal(t, transport.EventUserOnline, event)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, users["bob"].ID, body.UserID)

	hub.UnregisterClient(bob)
	event, data = recvFrame(t, alice)
	assert.Equal(t, transport.EventUserOffline, event)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, users["bob"].ID, body.UserID)
}

func TestHub_OfflineOnlyAfterLastConnection(t *testing.T) {
	hub, _, users, _ := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")

	phone := register(t, hub, users["bob"].ID, "bob")
	laptop := register(t, hub, users["bob"].ID, "bob")
	drain(alice)

	hub.UnregisterClient(phone)
	assertNoFrame(t, alice)
	assert.True(t, hub.IsUserOnline(users["bob"].ID))

	hub.UnregisterClient(laptop)
	event, _ := recvFrame(t, alice)
	assert.Equal(t, transport.EventUserOffline, event)
	assert.False(t, hub.IsUserOnline(users["bob"].ID))
}

func TestHub_SendAssignsServerIDAndEchoes(t *testing.T) {
	hub, store, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(bob)

	routeAs(alice, hub, transport.EventMessageSend, map[string]string{
		"conversation_id": conv.ID,
		"content":         "hello there",
	})

	for _, c := range []*Client{alice, bob} {
		event, data := recvFrame(t, c)
		assert.Equal(t, transport.EventMessageNew, event)
		var msg models.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.False(t, models.IsTempID(msg.ID))
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.Equal(t, users["alice"].ID, msg.SenderID)
		assert.Equal(t, "hello there", msg.Content)
		assert.False(t, msg.CreatedAt.IsZero())
	}

	msgs, ok := store.Messages(conv.ID, users["bob"].ID)
	require.True(t, ok)
	require.Len(t, msgs, 1)
}

func TestHub_MultiDeviceDelivery(t *testing.T) {
	hub, _, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	phone := register(t, hub, users["bob"].ID, "bob")
	laptop := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(phone)
	drain(laptop)

	routeAs(alice, hub, transport.EventMessageSend, map[string]string{
		"conversation_id": conv.ID,
		"content":         "ping",
	})

	for _, c := range []*Client{phone, laptop} {
		event, _ := recvFrame(t, c)
		assert.Equal(t, transport.EventMessageNew, event)
	}
}

func TestHub_TypingOnlyReachesViewers(t *testing.T) {
	hub, _, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	carol := register(t, hub, users["carol"].ID, "carol")
	drain(alice)
	drain(bob)
	drain(carol)

	routeAs(bob, hub, transport.EventConversationJoin, conversationBody{ConversationID: conv.ID})

	routeAs(alice, hub, transport.EventTypingStart, conversationBody{ConversationID: conv.ID})

	event, data := recvFrame(t, bob)
	assert.Equal(t, transport.EventTypingStart, event)
	var body struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		Username       string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, users["alice"].ID, body.UserID)
	assert.Equal(t, "alice", body.Username)

	// the typist gets nothing back, nor does a participant who is not viewing
	assertNoFrame(t, alice)
	assertNoFrame(t, carol)
}

func TestHub_LeaveStopsTypingDelivery(t *testing.T) {
	hub, _, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(bob)

	routeAs(bob, hub, transport.EventConversationJoin, conversationBody{ConversationID: conv.ID})
	routeAs(bob, hub, transport.EventConversationLeave, conversationBody{ConversationID: conv.ID})

	routeAs(alice, hub, transport.EventTypingStart, conversationBody{ConversationID: conv.ID})
	assertNoFrame(t, bob)
}

func TestHub_ReadReceiptFanoutSkipsReader(t *testing.T) {
	hub, store, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(bob)

	msg, err := store.AppendMessage(conv.ID, users["alice"].ID, "unread", "", "")
	require.NoError(t, err)

	routeAs(bob, hub, transport.EventMessageRead, map[string]interface{}{
		"conversation_id": conv.ID,
		"message_ids":     []string{msg.ID},
	})

	event, data := recvFrame(t, alice)
	assert.Equal(t, transport.EventMessagesRead, event)
	var body struct {
		ConversationID string     `json:"conversation_id"`
		UserID         string     `json:"user_id"`
		MessageIDs     []string   `json:"message_ids"`
		ReadAt         *time.Time `json:"read_at"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, users["bob"].ID, body.UserID)
	assert.Equal(t, []string{msg.ID}, body.MessageIDs)
	require.NotNil(t, body.ReadAt)
	assertNoFrame(t, bob)

	// replaying the same ack records nothing new and stays silent
	routeAs(bob, hub, transport.EventMessageRead, map[string]interface{}{
		"conversation_id": conv.ID,
		"message_ids":     []string{msg.ID},
	})
	assertNoFrame(t, alice)
}

func TestHub_EditAndDeleteFanout(t *testing.T) {
	hub, store, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(bob)

	msg, err := store.AppendMessage(conv.ID, users["alice"].ID, "tpyo", "", "")
	require.NoError(t, err)

	routeAs(alice, hub, transport.EventMessageEdit, map[string]string{
		"message_id": msg.ID,
		"content":    "typo",
	})

	event, data := recvFrame(t, bob)
	assert.Equal(t, transport.EventMessageEdited, event)
	var edited models.Message
	require.NoError(t, json.Unmarshal(data, &edited))
	assert.Equal(t, "typo", edited.Content)
	require.NotNil(t, edited.EditedAt)
	drain(alice)

	routeAs(alice, hub, transport.EventMessageDelete, map[string]string{
		"message_id": msg.ID,
	})

	event, data = recvFrame(t, bob)
	assert.Equal(t, transport.EventMessageDeleted, event)
	var deleted struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	require.NoError(t, json.Unmarshal(data, &deleted))
	assert.Equal(t, msg.ID, deleted.MessageID)
	assert.Equal(t, conv.ID, deleted.ConversationID)
}

func TestHub_EditByNonSenderIsRefused(t *testing.T) {
	hub, store, users, conv := newTestHub(t)
	alice := register(t, hub, users["alice"].ID, "alice")
	bob := register(t, hub, users["bob"].ID, "bob")
	drain(alice)
	drain(bob)

	msg, err := store.AppendMessage(conv.ID, users["alice"].ID, "mine", "", "")
	require.NoError(t, err)

	routeAs(bob, hub, transport.EventMessageEdit, map[string]string{
		"message_id": msg.ID,
		"content":    "hijacked",
	})

	assertNoFrame(t, alice)
	msgs, _ := store.Messages(conv.ID, users["alice"].ID)
	assert.Equal(t, "mine", msgs[0].Content)
}

func TestHub_ConnectionLimitPerUser(t *testing.T) {
	hub, _, users, _ := newTestHub(t)

	for i := 0; i < maxConnsPerUser; i++ {
		register(t, hub, users["alice"].ID, "alice")
	}
	_, err := hub.Register(users["alice"].ID, "alice", nil)
	require.Error(t, err)
}
