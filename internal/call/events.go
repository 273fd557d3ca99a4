package call

import "encoding/json"

// Wire payloads for the call lifecycle and WebRTC relay events.

type initiatePayload struct {
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	Type           Kind   `json:"type"`
	CorrelationID  string `json:"correlation_id"`
}

type initiatedPayload struct {
	RoomID        string `json:"room_id"`
	CorrelationID string `json:"correlation_id"`
}

type failedPayload struct {
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

type incomingPayload struct {
	RoomID         string `json:"room_id"`
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id"`
	CallerName     string `json:"caller_name"`
	Type           Kind   `json:"type"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

type participantPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	// Existing marks a participant that was already in the room when we
	// joined; we take the initiator role toward them. For participants who
	// join after us we wait for their offer.
	Existing bool `json:"existing"`
}

type signalPayload struct {
	RoomID    string          `json:"room_id"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
