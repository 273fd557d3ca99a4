// Package call implements the client-side call signaling state machine:
// offer/answer/ICE relay through the transport session, accept/reject races,
// and multi-participant join/leave. Media hardware and the WebRTC stack live
// in the embedding application behind the interfaces below; the machine owns
// ordering, races, and teardown.
package call

import (
	"context"
	"encoding/json"
)

// Kind distinguishes audio-only calls from audio+video calls.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track kinds as reported by MediaTrack.Kind.
const (
	TrackAudio = "audio"
	TrackVideo = "video"
)

// MediaTrack is one local capture track. Stop releases the underlying
// hardware; SetEnabled flips transmission without touching hardware.
type MediaTrack interface {
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream is a bundle of local tracks acquired together.
type MediaStream interface {
	Tracks() []MediaTrack
}

// MediaProvider acquires local capture media. Acquisition failures
// (permission denied, device absent or busy) are reported per attempt and
// never retried automatically.
type MediaProvider interface {
	// GetUserMedia acquires microphone, plus camera for KindVideo.
	GetUserMedia(ctx context.Context, kind Kind) (MediaStream, error)
	// GetDisplayMedia acquires a screen-capture video track.
	GetDisplayMedia(ctx context.Context) (MediaTrack, error)
	// GetCameraTrack acquires a fresh camera track, used when screen
	// sharing ends and the outgoing video reverts to the camera.
	GetCameraTrack(ctx context.Context) (MediaTrack, error)
}

// PeerConnection is one leg of the call: the connection to a single remote
// party.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	HandleOffer(ctx context.Context, sdp json.RawMessage) (json.RawMessage, error)
	HandleAnswer(ctx context.Context, sdp json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	// ReplaceVideoTrack swaps the outgoing video track without renegotiation.
	ReplaceVideoTrack(track MediaTrack) error
	Close() error
}

// PeerFactory creates peer connections carrying the local stream. onICE is
// invoked for every locally gathered candidate so the machine can relay it.
type PeerFactory interface {
	NewPeerConnection(remoteID string, local MediaStream, onICE func(candidate json.RawMessage)) (PeerConnection, error)
}
