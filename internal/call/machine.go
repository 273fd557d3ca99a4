package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/observability"
	"chatkit/internal/transport"

	"github.com/google/uuid"
)

// State is the call machine's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRingingOut State = "ringing_out"
	StateRingingIn  State = "ringing_in"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Signaler is the slice of the transport session the machine uses.
type Signaler interface {
	Emit(event string, payload interface{}) error
	On(event string, h transport.Handler) *transport.Subscription
	Off(event string, sub *transport.Subscription)
}

// IncomingCall is surfaced to the UI when a call rings in. The decision
// expires after the ring timeout; expiry is an implicit reject.
type IncomingCall struct {
	RoomID         string
	ConversationID string
	CallerID       string
	CallerName     string
	Kind           Kind
}

type initiateOutcome struct {
	roomID string
	err    error
}

// Machine negotiates one call at a time through the signaling relay. It is
// owned by the composition root and shares the transport session with the
// other components.
type Machine struct {
	mu sync.Mutex

	session Signaler
	media   MediaProvider
	factory PeerFactory
	self    models.User

	ringTimeout time.Duration

	state          State
	roomID         string
	conversationID string
	kind           Kind
	incoming       *IncomingCall

	localStream   MediaStream
	screenTrack   MediaTrack
	screenShare   bool
	peers         map[string]PeerConnection
	pending       map[string]chan initiateOutcome
	ringTimer     *time.Timer
	onIncoming    func(IncomingCall)
	onStateChange []func(State)

	logger *observability.CallLogger
}

// NewMachine creates an idle machine and registers its inbound handlers.
func NewMachine(session Signaler, media MediaProvider, factory PeerFactory, self models.User, ringTimeout time.Duration) *Machine {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	m := &Machine{
		session:     session,
		media:       media,
		factory:     factory,
		self:        self,
		ringTimeout: ringTimeout,
		state:       StateIdle,
		peers:       make(map[string]PeerConnection),
		pending:     make(map[string]chan initiateOutcome),
		logger:      observability.NewCallLogger(),
	}
	session.On(transport.EventCallInitiated, m.handleInitiated)
	session.On(transport.EventCallFailed, m.handleFailed)
	session.On(transport.EventCallIncoming, m.handleIncoming)
	session.On(transport.EventCallAccepted, m.handleAccepted)
	session.On(transport.EventCallRejected, m.handleRejected)
	session.On(transport.EventCallEnded, m.handleEnded)
	session.On(transport.EventCallParticipantJoined, m.handleParticipantJoined)
	session.On(transport.EventCallParticipantLeft, m.handleParticipantLeft)
	session.On(transport.EventWebRTCOffer, m.handleOffer)
	session.On(transport.EventWebRTCAnswer, m.handleAnswer)
	session.On(transport.EventWebRTCICE, m.handleICE)
	return m
}

// OnIncoming registers the UI callback for incoming calls.
func (m *Machine) OnIncoming(fn func(IncomingCall)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// OnStateChange registers an observer for state transitions.
func (m *Machine) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onStateChange = append(m.onStateChange, fn)
	m.mu.Unlock()
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the active room ID, or "".
func (m *Machine) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Peers returns the IDs of the remote parties with live connections.
func (m *Machine) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Machine) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.state = state
	observers := make([]func(State), len(m.onStateChange))
	copy(observers, m.onStateChange)
	room := m.roomID
	m.mu.Unlock()

	observability.CallTransitions.WithLabelValues(string(state)).Inc()
	m.logger.LogTransition(context.Background(), room, string(previous), string(state))
	for _, fn := range observers {
		fn(state)
	}
}

// Initiate starts an outgoing call. Local media is acquired first; on
// acquisition failure the call aborts before any signaling and the machine
// stays idle. The initiate event is correlated with exactly one
// call:initiated or call:failed response through the pending table.
func (m *Machine) Initiate(ctx context.Context, receiverID, conversationID string, kind Kind) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateEnded {
		m.mu.Unlock()
		return models.NewCallError("a call is already in progress", nil)
	}
	m.state = StateInitiating
	m.mu.Unlock()

	stream, err := m.media.GetUserMedia(ctx, kind)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return models.NewMediaError("could not access media devices", err)
	}

	correlationID := uuid.NewString()
	outcome := make(chan initiateOutcome, 1)

	m.mu.Lock()
	m.localStream = stream
	m.conversationID = conversationID
	m.kind = kind
	m.pending[correlationID] = outcome
	m.mu.Unlock()

	err = m.session.Emit(transport.EventCallInitiate, initiatePayload{
		ReceiverID:     receiverID,
		ConversationID: conversationID,
		Type:           kind,
		CorrelationID:  correlationID,
	})
	if err != nil {
		m.resolvePending(correlationID, initiateOutcome{})
		m.teardown(false)
		return models.NewCallError("could not reach signaling server", err)
	}

	select {
	case result := <-outcome:
		if result.err != nil {
			m.teardown(true)
			return result.err
		}
		m.mu.Lock()
		m.roomID = result.roomID
		m.mu.Unlock()
		m.setState(StateRingingOut)
		return nil
	case <-ctx.Done():
		m.resolvePending(correlationID, initiateOutcome{})
		m.teardown(false)
		return models.NewCallError("call initiation timed out", ctx.Err())
	}
}

// resolvePending removes the pending entry and, if result is non-zero,
// delivers it. Each correlation resolves at most once.
func (m *Machine) resolvePending(correlationID string, result initiateOutcome) {
	m.mu.Lock()
	ch, ok := m.pending[correlationID]
	delete(m.pending, correlationID)
	m.mu.Unlock()
	if ok && (result.roomID != "" || result.err != nil) {
		ch <- result
	}
}

// Accept answers the currently ringing incoming call. Media is acquired
// before any signaling; acquisition failure rejects the call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIn || m.incoming == nil {
		m.mu.Unlock()
		return models.NewCallError("no incoming call to accept", nil)
	}
	incoming := *m.incoming
	m.mu.Unlock()

	stream, err := m.media.GetUserMedia(ctx, incoming.Kind)
	if err != nil {
		m.Reject()
		return models.NewMediaError("could not access media devices", err)
	}

	m.mu.Lock()
	// A rejection may have raced the accept while media was acquired;
	// rejection is authoritative and wins.
	if m.state != StateRingingIn {
		m.mu.Unlock()
		for _, track := range stream.Tracks() {
			track.Stop()
		}
		return models.NewCallError("call ended before accept completed", nil)
	}
	m.localStream = stream
	m.stopRingTimerLocked()
	m.mu.Unlock()

	_ = m.session.Emit(transport.EventCallAccept, roomPayload{RoomID: incoming.RoomID})
	m.setState(StateConnecting)
	_ = m.session.Emit(transport.EventCallJoin, roomPayload{RoomID: incoming.RoomID})
	return nil
}

// Reject declines the currently ringing incoming call.
func (m *Machine) Reject() {
	m.mu.Lock()
	if m.state != StateRingingIn || m.incoming == nil {
		m.mu.Unlock()
		return
	}
	roomID := m.incoming.RoomID
	m.stopRingTimerLocked()
	m.mu.Unlock()

	_ = m.session.Emit(transport.EventCallReject, roomPayload{RoomID: roomID})
	m.teardown(true)
}

// End hangs up. Calling End on an already-idle machine is a no-op.
func (m *Machine) End() {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	roomID := m.roomID
	m.mu.Unlock()

	if roomID != "" {
		_ = m.session.Emit(transport.EventCallEnd, roomPayload{RoomID: roomID})
	}
	m.teardown(true)
}

// teardown stops all local media, destroys every peer connection, and clears
// the participant map. Idempotent. When markEnded is false the machine
// returns to Idle without passing through Ended (pre-signaling aborts).
func (m *Machine) teardown(markEnded bool) {
	m.mu.Lock()
	stream := m.localStream
	screen := m.screenTrack
	peers := m.peers
	m.localStream = nil
	m.screenTrack = nil
	m.screenShare = false
	m.peers = make(map[string]PeerConnection)
	m.roomID = ""
	m.conversationID = ""
	m.incoming = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	if stream != nil {
		for _, track := range stream.Tracks() {
			track.Stop()
		}
	}
	if screen != nil {
		screen.Stop()
	}
	for id, peer := range peers {
		if err := peer.Close(); err != nil {
			m.logger.LogError(context.Background(), "", err, "peer_close:"+id)
		}
	}

	if markEnded {
		m.setState(StateEnded)
	} else {
		m.setState(StateIdle)
	}
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// ToggleAudio flips the enabled flag on local audio tracks without touching
// hardware.
func (m *Machine) ToggleAudio() bool {
	return m.toggleTracks(TrackAudio)
}

// ToggleVideo flips the enabled flag on local video tracks.
func (m *Machine) ToggleVideo() bool {
	return m.toggleTracks(TrackVideo)
}

func (m *Machine) toggleTracks(kind string) bool {
	m.mu.Lock()
	stream := m.localStream
	m.mu.Unlock()
	if stream == nil {
		return false
	}
	enabled := false
	for _, track := range stream.Tracks() {
		if track.Kind() == kind {
			track.SetEnabled(!track.Enabled())
			enabled = track.Enabled()
		}
	}
	return enabled
}

// ScreenSharing reports whether the outgoing video is a screen capture.
func (m *Machine) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenShare
}

// SetScreenShare swaps the outgoing video track on every peer connection
// without renegotiation. The replaced track's hardware access is stopped
// regardless of whether the new track came from camera or screen capture.
func (m *Machine) SetScreenShare(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	if m.state != StateActive && m.state != StateConnecting {
		m.mu.Unlock()
		return models.NewCallError("no active call", nil)
	}
	if m.screenShare == enabled {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var next MediaTrack
	var err error
	if enabled {
		next, err = m.media.GetDisplayMedia(ctx)
	} else {
		next, err = m.media.GetCameraTrack(ctx)
	}
	if err != nil {
		return models.NewMediaError("could not acquire replacement video track", err)
	}

	m.mu.Lock()
	peers := make([]PeerConnection, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	previous := m.currentVideoTrackLocked()
	if enabled {
		m.screenTrack = next
	} else {
		m.screenTrack = nil
		m.replaceStreamVideoLocked(next)
	}
	m.screenShare = enabled
	m.mu.Unlock()

	for _, peer := range peers {
		if err := peer.ReplaceVideoTrack(next); err != nil {
			m.logger.LogError(ctx, m.Room(), err, "replace_track")
		}
	}
	if previous != nil {
		previous.Stop()
	}
	return nil
}

// currentVideoTrackLocked returns the track currently feeding outgoing video.
func (m *Machine) currentVideoTrackLocked() MediaTrack {
	if m.screenTrack != nil {
		return m.screenTrack
	}
	if m.localStream == nil {
		return nil
	}
	for _, track := range m.localStream.Tracks() {
		if track.Kind() == TrackVideo {
			return track
		}
	}
	return nil
}

// replaceStreamVideoLocked is a best-effort swap of the stream's video track
// reference when reverting from screen share to camera.
func (m *Machine) replaceStreamVideoLocked(track MediaTrack) {
	if replacer, ok := m.localStream.(interface{ ReplaceVideo(MediaTrack) }); ok {
		replacer.ReplaceVideo(track)
	}
}

// --- inbound handlers ---

func (m *Machine) handleInitiated(data json.RawMessage) {
	var p initiatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.resolvePending(p.CorrelationID, initiateOutcome{roomID: p.RoomID})
}

func (m *Machine) handleFailed(data json.RawMessage) {
	var p failedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.resolvePending(p.CorrelationID, initiateOutcome{
		err: models.NewCallError("call setup failed: "+p.Reason, nil),
	})
}

func (m *Machine) handleIncoming(data json.RawMessage) {
	var p incomingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateEnded {
		// One call at a time: signal busy for the new room.
		m.mu.Unlock()
		_ = m.session.Emit(transport.EventCallReject, roomPayload{RoomID: p.RoomID, Reason: "busy"})
		return
	}
	incoming := IncomingCall{
		RoomID:         p.RoomID,
		ConversationID: p.ConversationID,
		CallerID:       p.CallerID,
		CallerName:     p.CallerName,
		Kind:           p.Type,
	}
	m.incoming = &incoming
	m.roomID = p.RoomID
	m.conversationID = p.ConversationID
	m.kind = p.Type
	m.state = StateRingingIn
	callback := m.onIncoming

	// Unanswered calls expire as an implicit reject.
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.ringTimeout, m.Reject)
	m.mu.Unlock()

	observability.CallTransitions.WithLabelValues(string(StateRingingIn)).Inc()
	if callback != nil {
		callback(incoming)
	}
}

func (m *Machine) handleAccepted(data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	match := m.state == StateRingingOut && m.roomID == p.RoomID
	m.mu.Unlock()
	if !match {
		return
	}
	m.setState(StateConnecting)
	_ = m.session.Emit(transport.EventCallJoin, roomPayload{RoomID: p.RoomID})
}

// handleRejected terminates the call when the active room is rejected.
// Rejection is authoritative: it wins races against a concurrent local
// accept.
func (m *Machine) handleRejected(data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	match := m.roomID == p.RoomID && (m.state == StateRingingOut || m.state == StateRingingIn || m.state == StateConnecting || m.state == StateActive)
	m.mu.Unlock()
	if !match {
		return
	}
	m.teardown(true)
}

func (m *Machine) handleEnded(data json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	match := m.roomID == p.RoomID && m.state != StateIdle && m.state != StateEnded
	m.mu.Unlock()
	if !match {
		return
	}
	m.teardown(true)
}

// handleParticipantJoined creates one peer connection per remote leg, keyed
// by the remote party's identity. For participants already in the room we
// take the initiator role and send the offer.
func (m *Machine) handleParticipantJoined(data json.RawMessage) {
	var p participantPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.UserID == m.self.ID {
		return
	}

	m.mu.Lock()
	if m.roomID != p.RoomID || (m.state != StateConnecting && m.state != StateActive) {
		m.mu.Unlock()
		return
	}
	stream := m.localStream
	roomID := m.roomID
	m.mu.Unlock()

	if m.State() == StateConnecting {
		m.setState(StateActive)
	}

	if !p.Existing {
		// The newcomer initiates toward us; we only track their arrival.
		m.logger.LogPeerEvent(context.Background(), roomID, p.UserID, "joined")
		return
	}

	peer, err := m.addPeer(p.UserID, stream, roomID)
	if err != nil {
		m.logger.LogError(context.Background(), roomID, err, "peer_create")
		return
	}

	offer, err := peer.CreateOffer(context.Background())
	if err != nil {
		m.removePeer(p.UserID)
		return
	}
	_ = m.session.Emit(transport.EventWebRTCOffer, signalPayload{
		RoomID: roomID,
		To:     p.UserID,
		SDP:    offer,
	})
}

func (m *Machine) addPeer(remoteID string, stream MediaStream, roomID string) (PeerConnection, error) {
	peer, err := m.factory.NewPeerConnection(remoteID, stream, func(candidate json.RawMessage) {
		_ = m.session.Emit(transport.EventWebRTCICE, signalPayload{
			RoomID:    roomID,
			To:        remoteID,
			Candidate: candidate,
		})
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.peers[remoteID] = peer
	m.mu.Unlock()
	return peer, nil
}

func (m *Machine) handleParticipantLeft(data json.RawMessage) {
	var p participantPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	match := m.roomID == p.RoomID
	m.mu.Unlock()
	if !match {
		return
	}
	m.removePeer(p.UserID)
}

// removePeer closes a single remote leg. The call continues for remaining
// participants; an empty room ends it.
func (m *Machine) removePeer(remoteID string) {
	m.mu.Lock()
	peer, ok := m.peers[remoteID]
	delete(m.peers, remoteID)
	empty := len(m.peers) == 0
	active := m.state == StateActive
	roomID := m.roomID
	m.mu.Unlock()

	if ok {
		_ = peer.Close()
		m.logger.LogPeerEvent(context.Background(), roomID, remoteID, "removed")
	}
	if ok && empty && active {
		m.End()
	}
}

func (m *Machine) handleOffer(data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	m.mu.Lock()
	if m.roomID != p.RoomID || (m.state != StateConnecting && m.state != StateActive) {
		m.mu.Unlock()
		return
	}
	stream := m.localStream
	roomID := m.roomID
	peer, exists := m.peers[p.From]
	m.mu.Unlock()

	if !exists {
		var err error
		peer, err = m.addPeer(p.From, stream, roomID)
		if err != nil {
			m.logger.LogError(context.Background(), roomID, err, "peer_create")
			return
		}
	}

	answer, err := peer.HandleOffer(context.Background(), p.SDP)
	if err != nil {
		m.logger.LogError(context.Background(), roomID, err, "handle_offer")
		m.removePeer(p.From)
		return
	}

	if m.State() == StateConnecting {
		m.setState(StateActive)
	}
	_ = m.session.Emit(transport.EventWebRTCAnswer, signalPayload{
		RoomID: roomID,
		To:     p.From,
		SDP:    answer,
	})
}

func (m *Machine) handleAnswer(data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	peer, ok := m.peers[p.From]
	roomID := m.roomID
	m.mu.Unlock()
	if !ok || roomID != p.RoomID {
		return
	}
	if err := peer.HandleAnswer(context.Background(), p.SDP); err != nil {
		m.logger.LogError(context.Background(), roomID, err, "handle_answer")
		m.removePeer(p.From)
	}
}

func (m *Machine) handleICE(data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.mu.Lock()
	peer, ok := m.peers[p.From]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := peer.AddICECandidate(p.Candidate); err != nil {
		m.logger.LogError(context.Background(), m.Room(), err, "ice_candidate")
	}
}
