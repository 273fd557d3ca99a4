package transport

import "encoding/json"

// Envelope is the wire frame for every event exchanged with the broker.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event name constants prevent typos in event names.
const (
	// outbound
	EventMessageSend       = "message:send"
	EventMessageEdit       = "message:edit"
	EventMessageDelete     = "message:delete"
	EventMessageRead       = "message:read"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventCallInitiate      = "call:initiate"
	EventCallAccept        = "call:accept"
	EventCallReject        = "call:reject"
	EventCallEnd           = "call:end"
	EventCallJoin          = "call:join"
	EventWebRTCOffer       = "webrtc:offer"
	EventWebRTCAnswer      = "webrtc:answer"
	EventWebRTCICE         = "webrtc:ice-candidate"

	// inbound
	EventMessageNew            = "message:new"
	EventMessageEdited         = "message:edited"
	EventMessageDeleted        = "message:deleted"
	EventMessagesRead          = "messages:read"
	EventUserOnline            = "user:online"
	EventUserOffline           = "user:offline"
	EventCallIncoming          = "call:incoming"
	EventCallInitiated         = "call:initiated"
	EventCallFailed            = "call:failed"
	EventCallAccepted          = "call:accepted"
	EventCallRejected          = "call:rejected"
	EventCallEnded             = "call:ended"
	EventCallParticipantJoined = "call:participant-joined"
	EventCallParticipantLeft   = "call:participant-left"
)
