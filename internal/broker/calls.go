package broker

import (
	"encoding/json"
	"sync"

	"chatkit/internal/transport"

	"github.com/google/uuid"
)

const (
	// MaxPeersPerRoom prevents unbounded room growth
	MaxPeersPerRoom = 10
	// MaxTotalRooms prevents unbounded map growth
	MaxTotalRooms = 1000
)

// callRoom is one live call: the invited parties plus the subset that has
// actually joined the signaling room.
type callRoom struct {
	id       string
	convID   string
	callerID string
	kind     string
	parties  map[string]struct{}
	members  map[string]struct{}
}

// callRegistry tracks active call rooms. It relays signaling only; media
// flows peer to peer.
type callRegistry struct {
	mu     sync.Mutex
	rooms  map[string]*callRoom
	byUser map[string]string // userID -> roomID they are party to
}

func newCallRegistry() *callRegistry {
	return &callRegistry{
		rooms:  make(map[string]*callRoom),
		byUser: make(map[string]string),
	}
}

type callInitiateBody struct {
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	CorrelationID  string `json:"correlation_id"`
}

type callRoomBody struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

type callSignalBody struct {
	RoomID    string          `json:"room_id"`
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (r *callRegistry) handleInitiate(h *Hub, c *Client, data json.RawMessage) {
	var body callInitiateBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	fail := func(reason string) {
		h.sendToUser(c.UserID, envelope(transport.EventCallFailed, map[string]string{
			"correlation_id": body.CorrelationID,
			"reason":         reason,
		}))
	}

	if !h.IsUserOnline(body.ReceiverID) {
		fail("receiver offline")
		return
	}

	r.mu.Lock()
	if len(r.rooms) >= MaxTotalRooms {
		r.mu.Unlock()
		fail("too many active calls")
		return
	}
	if _, busy := r.byUser[c.UserID]; busy {
		r.mu.Unlock()
		fail("already in a call")
		return
	}
	if _, busy := r.byUser[body.ReceiverID]; busy {
		r.mu.Unlock()
		fail("receiver busy")
		return
	}

	room := &callRoom{
		id:       uuid.NewString(),
		convID:   body.ConversationID,
		callerID: c.UserID,
		kind:     body.Type,
		parties:  map[string]struct{}{c.UserID: {}, body.ReceiverID: {}},
		members:  make(map[string]struct{}),
	}
	r.rooms[room.id] = room
	r.byUser[c.UserID] = room.id
	r.byUser[body.ReceiverID] = room.id
	r.mu.Unlock()

	h.sendToUser(c.UserID, envelope(transport.EventCallInitiated, map[string]string{
		"room_id":        room.id,
		"correlation_id": body.CorrelationID,
	}))
	h.sendToUser(body.ReceiverID, envelope(transport.EventCallIncoming, map[string]string{
		"room_id":         room.id,
		"conversation_id": body.ConversationID,
		"caller_id":       c.UserID,
		"caller_name":     c.Username,
		"type":            body.Type,
	}))
}

func (r *callRegistry) handleAccept(h *Hub, c *Client, data json.RawMessage) {
	var body callRoomBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[body.RoomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, party := room.parties[c.UserID]; !party {
		r.mu.Unlock()
		return
	}
	callerID := room.callerID
	r.mu.Unlock()

	h.sendToUser(callerID, envelope(transport.EventCallAccepted, map[string]string{
		"room_id": body.RoomID,
	}))
}

func (r *callRegistry) handleReject(h *Hub, c *Client, data json.RawMessage) {
	var body callRoomBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}
	r.close(h, body.RoomID, c.UserID, transport.EventCallRejected, body.Reason)
}

func (r *callRegistry) handleEnd(h *Hub, c *Client, data json.RawMessage) {
	var body callRoomBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}
	r.close(h, body.RoomID, c.UserID, transport.EventCallEnded, body.Reason)
}

// close tears a room down and tells every other party with the given event.
func (r *callRegistry) close(h *Hub, roomID, actorID, event, reason string) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, party := room.parties[actorID]; !party {
		r.mu.Unlock()
		return
	}
	others := make([]string, 0, len(room.parties))
	for userID := range room.parties {
		delete(r.byUser, userID)
		if userID != actorID {
			others = append(others, userID)
		}
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	frame := envelope(event, map[string]string{"room_id": roomID, "reason": reason})
	for _, userID := range others {
		h.sendToUser(userID, frame)
	}
}

// handleRoomJoin puts a party into the signaling room. The joiner learns
// about everyone already present (so it can send them offers) and existing
// members learn about the joiner (whose offer they await).
func (r *callRegistry) handleRoomJoin(h *Hub, c *Client, data json.RawMessage) {
	var body callRoomBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[body.RoomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, party := room.parties[c.UserID]; !party {
		r.mu.Unlock()
		return
	}
	if len(room.members) >= MaxPeersPerRoom {
		r.mu.Unlock()
		return
	}
	existing := make([]string, 0, len(room.members))
	for userID := range room.members {
		if userID != c.UserID {
			existing = append(existing, userID)
		}
	}
	room.members[c.UserID] = struct{}{}
	r.mu.Unlock()

	type participantBody struct {
		RoomID   string `json:"room_id"`
		UserID   string `json:"user_id"`
		Existing bool   `json:"existing"`
	}

	for _, userID := range existing {
		h.sendToUser(c.UserID, envelope(transport.EventCallParticipantJoined, participantBody{
			RoomID:   body.RoomID,
			UserID:   userID,
			Existing: true,
		}))
		h.sendToUser(userID, envelope(transport.EventCallParticipantJoined, participantBody{
			RoomID: body.RoomID,
			UserID: c.UserID,
		}))
	}
}

// handleSignal relays an offer, answer, or ICE candidate to its target,
// stamped with the sender's identity.
func (r *callRegistry) handleSignal(h *Hub, c *Client, event string, data json.RawMessage) {
	var body callSignalBody
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[body.RoomID]
	if ok {
		_, senderIn := room.members[c.UserID]
		_, targetIn := room.members[body.To]
		ok = senderIn && targetIn
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	h.sendToUser(body.To, envelope(event, map[string]interface{}{
		"room_id":   body.RoomID,
		"from":      c.UserID,
		"to":        body.To,
		"sdp":       body.SDP,
		"candidate": body.Candidate,
	}))
}

// dropUser ends any call the user is party to, used when their last
// connection goes away mid-call.
func (r *callRegistry) dropUser(h *Hub, userID string) {
	r.mu.Lock()
	roomID, ok := r.byUser[userID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.close(h, roomID, userID, transport.EventCallEnded, "participant disconnected")
}
