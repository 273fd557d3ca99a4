package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/observability"
	"chatkit/internal/transport"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

// Hub is the conversation-centric websocket hub. It owns client lifecycles,
// routes inbound envelopes to the store and call rooms, and fans events out
// to conversation participants.
type Hub struct {
	mu sync.RWMutex

	store *Store
	calls *callRegistry

	// userID -> active clients (multi-device support)
	userConns map[string]map[*Client]struct{}

	// conversationID -> userIDs actively viewing it
	viewers map[string]map[string]struct{}

	// userID -> conversationIDs they are viewing
	userViews map[string]map[string]struct{}

	totalConns int
	notifier   *Notifier
	logger     *observability.WSLogger
	now        func() time.Time
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// NewHub creates a Hub backed by the given store. The notifier is optional;
// without one the hub serves a single instance.
func NewHub(store *Store, notifier *Notifier) *Hub {
	return &Hub{
		store:     store,
		calls:     newCallRegistry(),
		userConns: make(map[string]map[*Client]struct{}),
		viewers:   make(map[string]map[string]struct{}),
		userViews: make(map[string]map[string]struct{}),
		notifier:  notifier,
		logger:    observability.NewWSLogger("chat hub"),
		now:       time.Now,
	}
}

// Register adds a user's websocket connection. The first connection for a
// user announces them online.
func (h *Hub) Register(userID, username string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()

	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, errors.New("server connection limit reached")
	}

	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[*Client]struct{})
	}
	if len(h.userConns[userID]) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, errors.New("user connection limit reached")
	}

	client := NewClient(h, conn, userID, username)
	client.IncomingHandler = h.route
	wasOffline := len(h.userConns[userID]) == 0
	h.userConns[userID][client] = struct{}{}
	h.totalConns++

	// Snapshot of everyone else online, delivered before any live event.
	onlineIDs := make([]string, 0, len(h.userConns))
	for id := range h.userConns {
		if id != userID {
			onlineIDs = append(onlineIDs, id)
		}
	}
	h.mu.Unlock()

	observability.BrokerConnectionsTotal.Inc()
	h.logger.LogConnect(context.Background(), userID, "")

	for _, id := range onlineIDs {
		client.TrySend(envelope(transport.EventUserOnline, presenceBody{UserID: id}))
	}

	if wasOffline {
		h.broadcastPresence(userID, transport.EventUserOnline)
	}
	return client, nil
}

// UnregisterClient drops one connection. The user goes offline only when
// their last connection is gone.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.userConns[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	h.totalConns--
	lastConn := len(clients) == 0
	if lastConn {
		delete(h.userConns, client.UserID)
		for convID := range h.userViews[client.UserID] {
			if users, ok := h.viewers[convID]; ok {
				delete(users, client.UserID)
				if len(users) == 0 {
					delete(h.viewers, convID)
				}
			}
		}
		delete(h.userViews, client.UserID)
	}
	h.mu.Unlock()

	observability.BrokerConnectionsTotal.Dec()
	h.logger.LogDisconnect(context.Background(), client.UserID, "", "connection closed")

	if lastConn {
		h.calls.dropUser(h, client.UserID)
		h.broadcastPresence(client.UserID, transport.EventUserOffline)
	}
}

// IsUserOnline reports whether the user has at least one live connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.userConns[userID]
	return ok && len(clients) > 0
}

// route dispatches one inbound envelope from a client.
func (h *Hub) route(c *Client, raw []byte) {
	var env transport.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.LogError(context.Background(), c.UserID, "", err, "decode")
		return
	}
	observability.BrokerEventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case transport.EventConversationJoin:
		h.handleJoin(c, env.Data)
	case transport.EventConversationLeave:
		h.handleLeave(c, env.Data)
	case transport.EventMessageSend:
		h.handleSend(c, env.Data)
	case transport.EventMessageEdit:
		h.handleEdit(c, env.Data)
	case transport.EventMessageDelete:
		h.handleDelete(c, env.Data)
	case transport.EventMessageRead:
		h.handleRead(c, env.Data)
	case transport.EventTypingStart, transport.EventTypingStop:
		h.handleTyping(c, env.Event, env.Data)
	case transport.EventCallInitiate:
		h.calls.handleInitiate(h, c, env.Data)
	case transport.EventCallAccept:
		h.calls.handleAccept(h, c, env.Data)
	case transport.EventCallReject:
		h.calls.handleReject(h, c, env.Data)
	case transport.EventCallEnd:
		h.calls.handleEnd(h, c, env.Data)
	case transport.EventCallJoin:
		h.calls.handleRoomJoin(h, c, env.Data)
	case transport.EventWebRTCOffer, transport.EventWebRTCAnswer, transport.EventWebRTCICE:
		h.calls.handleSignal(h, c, env.Event, env.Data)
	default:
		h.logger.LogError(context.Background(), c.UserID, "", fmt.Errorf("unknown event %q", env.Event), "route")
	}
}

type conversationBody struct {
	ConversationID string `json:"conversation_id"`
}

type presenceBody struct {
	UserID string `json:"user_id"`
}

func (h *Hub) handleJoin(c *Client, data json.RawMessage) {
	var body conversationBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}
	h.mu.Lock()
	if h.viewers[body.ConversationID] == nil {
		h.viewers[body.ConversationID] = make(map[string]struct{})
	}
	h.viewers[body.ConversationID][c.UserID] = struct{}{}
	if h.userViews[c.UserID] == nil {
		h.userViews[c.UserID] = make(map[string]struct{})
	}
	h.userViews[c.UserID][body.ConversationID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) handleLeave(c *Client, data json.RawMessage) {
	var body conversationBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}
	h.mu.Lock()
	if users, ok := h.viewers[body.ConversationID]; ok {
		delete(users, c.UserID)
		if len(users) == 0 {
			delete(h.viewers, body.ConversationID)
		}
	}
	if convs, ok := h.userViews[c.UserID]; ok {
		delete(convs, body.ConversationID)
	}
	h.mu.Unlock()
}

func (h *Hub) handleSend(c *Client, data json.RawMessage) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		Type           string `json:"type"`
		FileRef        string `json:"file_ref"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	msg, err := h.store.AppendMessage(body.ConversationID, c.UserID, body.Content, body.Type, body.FileRef)
	if err != nil {
		h.logger.LogError(context.Background(), c.UserID, body.ConversationID, err, "message:send")
		return
	}

	frame := envelope(transport.EventMessageNew, msg)
	// Echo to the sender too: the client replaces its optimistic copy with
	// the server-assigned message.
	h.fanoutToParticipants(body.ConversationID, "", frame)
	h.publish(body.ConversationID, frame)
}

func (h *Hub) handleEdit(c *Client, data json.RawMessage) {
	var body struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	msg, err := h.store.EditMessage(body.MessageID, c.UserID, body.Content)
	if err != nil {
		h.logger.LogError(context.Background(), c.UserID, "", err, "message:edit")
		return
	}
	h.fanoutEdited(msg)
}

// fanoutEdited announces an authoritative content replacement.
func (h *Hub) fanoutEdited(msg *models.Message) {
	frame := envelope(transport.EventMessageEdited, msg)
	h.fanoutToParticipants(msg.ConversationID, "", frame)
	h.publish(msg.ConversationID, frame)
}

func (h *Hub) handleDelete(c *Client, data json.RawMessage) {
	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	msg, err := h.store.DeleteMessage(body.MessageID, c.UserID)
	if err != nil {
		h.logger.LogError(context.Background(), c.UserID, "", err, "message:delete")
		return
	}
	h.fanoutDeleted(msg.ConversationID, msg.ID)
}

// fanoutDeleted announces a message removal to every participant.
func (h *Hub) fanoutDeleted(convID, messageID string) {
	frame := envelope(transport.EventMessageDeleted, map[string]string{
		"conversation_id": convID,
		"message_id":      messageID,
	})
	h.fanoutToParticipants(convID, "", frame)
	h.publish(convID, frame)
}

func (h *Hub) handleRead(c *Client, data json.RawMessage) {
	var body struct {
		ConversationID string   `json:"conversation_id"`
		MessageIDs     []string `json:"message_ids"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	at := h.now()
	marked := h.store.MarkRead(body.ConversationID, c.UserID, body.MessageIDs, at)
	if len(marked) == 0 {
		return
	}
	h.fanoutReadReceipts(body.ConversationID, c.UserID, marked, at)
}

// fanoutReadReceipts announces newly recorded read marks to the other
// participants. The reader is skipped: it already applied the marks locally.
func (h *Hub) fanoutReadReceipts(convID, readerID string, messageIDs []string, at time.Time) {
	frame := envelope(transport.EventMessagesRead, map[string]interface{}{
		"conversation_id": convID,
		"user_id":         readerID,
		"message_ids":     messageIDs,
		"read_at":         at,
	})
	h.fanoutToParticipants(convID, readerID, frame)
	h.publish(convID, frame)
}

func (h *Hub) handleTyping(c *Client, event string, data json.RawMessage) {
	var body conversationBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	frame := envelope(event, map[string]string{
		"conversation_id": body.ConversationID,
		"user_id":         c.UserID,
		"username":        c.Username,
	})
	// Typing is ephemeral: only users currently viewing the conversation
	// care, and the typist never needs their own indicator back.
	h.fanoutToViewers(body.ConversationID, c.UserID, frame)
}

// fanoutToParticipants delivers a frame to every online participant of a
// conversation, skipping excludeID when non-empty.
func (h *Hub) fanoutToParticipants(convID, excludeID string, frame []byte) {
	for _, userID := range h.store.Participants(convID) {
		if userID == excludeID {
			continue
		}
		h.sendToUser(userID, frame)
	}
}

// fanoutToViewers delivers a frame only to users actively viewing the
// conversation.
func (h *Hub) fanoutToViewers(convID, excludeID string, frame []byte) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.viewers[convID]))
	for userID := range h.viewers[convID] {
		if userID != excludeID {
			ids = append(ids, userID)
		}
	}
	h.mu.RUnlock()

	for _, userID := range ids {
		h.sendToUser(userID, frame)
	}
}

// sendToUser delivers a frame to every active connection of one user.
func (h *Hub) sendToUser(userID string, frame []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.userConns[userID]))
	for client := range h.userConns[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.TrySend(frame)
	}
}

// broadcastPresence tells every other connected user about an online or
// offline transition.
func (h *Hub) broadcastPresence(userID, event string) {
	frame := envelope(event, presenceBody{UserID: userID})

	h.mu.RLock()
	targets := make([]*Client, 0, h.totalConns)
	for id, clients := range h.userConns {
		if id == userID {
			continue
		}
		for client := range clients {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.TrySend(frame)
	}
}

// publish mirrors a conversation frame into Redis so sibling instances can
// fan it out to their own connections.
func (h *Hub) publish(convID string, frame []byte) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.PublishConversation(context.Background(), convID, string(frame)); err != nil {
		h.logger.LogError(context.Background(), "", convID, err, "publish")
	}
}

// StartWiring subscribes the hub to conversation frames published by other
// instances and fans them out locally.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartConversationSubscriber(ctx, func(channel, payload string) {
		convID, ok := parseConversationChannel(channel)
		if !ok {
			return
		}
		h.fanoutToParticipants(convID, "", []byte(payload))
	})
}

// Shutdown gracefully closes every websocket connection.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, clients := range h.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
				h.logger.LogError(context.Background(), userID, "", err, "shutdown")
			}
			if err := client.Conn.Close(); err != nil {
				h.logger.LogError(context.Background(), userID, "", err, "shutdown")
			}
		}
	}

	h.userConns = make(map[string]map[*Client]struct{})
	h.viewers = make(map[string]map[string]struct{})
	h.userViews = make(map[string]map[string]struct{})
	h.totalConns = 0
	return nil
}

// envelope marshals an event frame. Marshal failures cannot happen for the
// payload types used here.
func envelope(event string, payload interface{}) []byte {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(transport.Envelope{Event: event, Data: data})
	return frame
}
