package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatkit/internal/models"
	"chatkit/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Event   string
	Payload interface{}
}

// fakeSignaler is an in-memory Signaler whose push method plays the relay.
type fakeSignaler struct {
	mu       sync.Mutex
	events   []emitted
	handlers map[string][]transport.Handler
	emitErr  error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeSignaler) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, emitted{Event: event, Payload: payload})
	return nil
}

func (f *fakeSignaler) On(event string, h transport.Handler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return &transport.Subscription{}
}

func (f *fakeSignaler) Off(event string, _ *transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeSignaler) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeSignaler) emittedEvents(name string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeTrack struct {
	mu      sync.Mutex
	kind    string
	enabled bool
	stopped bool
}

func (f *fakeTrack) Kind() string { return f.kind }

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) SetEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTrack) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeStream struct {
	audio *fakeTrack
	video *fakeTrack
}

func newFakeStream(kind Kind) *fakeStream {
	s := &fakeStream{audio: &fakeTrack{kind: TrackAudio, enabled: true}}
	if kind == KindVideo {
		s.video = &fakeTrack{kind: TrackVideo, enabled: true}
	}
	return s
}

func (f *fakeStream) Tracks() []MediaTrack {
	tracks := []MediaTrack{f.audio}
	if f.video != nil {
		tracks = append(tracks, f.video)
	}
	return tracks
}

type fakeMedia struct {
	mu      sync.Mutex
	denied  bool
	gate    chan struct{} // when set, GetUserMedia blocks until closed
	started chan struct{} // signalled when GetUserMedia is entered
	streams []*fakeStream
	screens []*fakeTrack
	cameras []*fakeTrack
}

func (f *fakeMedia) GetUserMedia(_ context.Context, kind Kind) (MediaStream, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return nil, errors.New("permission denied")
	}
	stream := newFakeStream(kind)
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeMedia) GetDisplayMedia(context.Context) (MediaTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return nil, errors.New("permission denied")
	}
	track := &fakeTrack{kind: TrackVideo, enabled: true}
	f.screens = append(f.screens, track)
	return track, nil
}

func (f *fakeMedia) GetCameraTrack(context.Context) (MediaTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	track := &fakeTrack{kind: TrackVideo, enabled: true}
	f.cameras = append(f.cameras, track)
	return track, nil
}

type fakePeer struct {
	mu       sync.Mutex
	remoteID string
	closed   bool
	offerErr error
	replaced []MediaTrack
}

func (f *fakePeer) CreateOffer(context.Context) (json.RawMessage, error) {
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (f *fakePeer) HandleOffer(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (f *fakePeer) HandleAnswer(context.Context, json.RawMessage) error { return nil }

func (f *fakePeer) AddICECandidate(json.RawMessage) error { return nil }

func (f *fakePeer) ReplaceVideoTrack(track MediaTrack) error {
	f.mu.Lock()
	f.replaced = append(f.replaced, track)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection(remoteID string, _ MediaStream, _ func(json.RawMessage)) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peer := &fakePeer{remoteID: remoteID}
	f.peers = append(f.peers, peer)
	return peer, nil
}

var caller = models.User{ID: "u1", Username: "alice"}

func newTestMachine(ringTimeout time.Duration) (*Machine, *fakeSignaler, *fakeMedia, *fakeFactory) {
	signaler := newFakeSignaler()
	media := &fakeMedia{}
	factory := &fakeFactory{}
	return NewMachine(signaler, media, factory, caller, ringTimeout), signaler, media, factory
}

// completeInitiate drives an Initiate call to RingingOut against the fake
// relay and returns once the machine is ringing.
func completeInitiate(t *testing.T, m *Machine, signaler *fakeSignaler, roomID string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- m.Initiate(context.Background(), "u2", "c1", KindVideo)
	}()
	require.Eventually(t, func() bool {
		return len(signaler.emittedEvents(transport.EventCallInitiate)) == 1
	}, time.Second, time.Millisecond)
	payload := signaler.emittedEvents(transport.EventCallInitiate)[0].Payload.(initiatePayload)
	signaler.push(t, transport.EventCallInitiated, initiatedPayload{RoomID: roomID, CorrelationID: payload.CorrelationID})
	require.NoError(t, <-done)
	require.Equal(t, StateRingingOut, m.State())
}

// ringIn delivers an incoming call and leaves the machine in RingingIn.
func ringIn(t *testing.T, m *Machine, signaler *fakeSignaler, roomID string) {
	t.Helper()
	signaler.push(t, transport.EventCallIncoming, incomingPayload{
		RoomID:         roomID,
		ConversationID: "c1",
		CallerID:       "u2",
		CallerName:     "bob",
		Type:           KindVideo,
	})
	require.Equal(t, StateRingingIn, m.State())
}

func TestInitiateMediaDeniedStaysLocal(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	media.denied = true

	err := m.Initiate(context.Background(), "u2", "c1", KindVideo)

	require.Error(t, err)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "MEDIA_ERROR", appErr.Code)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, signaler.emittedEvents(transport.EventCallInitiate))
}

func TestInitiateCorrelatesResponse(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)

	completeInitiate(t, m, signaler, "r1")

	assert.Equal(t, "r1", m.Room())
}

func TestInitiateFailureTearsDownMedia(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	done := make(chan error, 1)
	go func() {
		done <- m.Initiate(context.Background(), "u2", "c1", KindVideo)
	}()
	require.Eventually(t, func() bool {
		return len(signaler.emittedEvents(transport.EventCallInitiate)) == 1
	}, time.Second, time.Millisecond)

	payload := signaler.emittedEvents(transport.EventCallInitiate)[0].Payload.(initiatePayload)
	signaler.push(t, transport.EventCallFailed, failedPayload{CorrelationID: payload.CorrelationID, Reason: "receiver offline"})

	err := <-done
	require.Error(t, err)
	assert.Equal(t, StateEnded, m.State())
	require.Len(t, media.streams, 1)
	assert.True(t, media.streams[0].audio.isStopped())
}

func TestRemoteRejectWhileRingingOut(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	completeInitiate(t, m, signaler, "r1")

	signaler.push(t, transport.EventCallRejected, roomPayload{RoomID: "r1"})

	assert.Equal(t, StateEnded, m.State())
	assert.Empty(t, m.Peers())
	assert.True(t, media.streams[0].audio.isStopped())
	assert.True(t, media.streams[0].video.isStopped())
}

func TestRemoteAcceptJoinsRoom(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	completeInitiate(t, m, signaler, "r1")

	signaler.push(t, transport.EventCallAccepted, roomPayload{RoomID: "r1"})

	assert.Equal(t, StateConnecting, m.State())
	joins := signaler.emittedEvents(transport.EventCallJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "r1", joins[0].Payload.(roomPayload).RoomID)
}

func TestIncomingAcceptFlow(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	var notified IncomingCall
	m.OnIncoming(func(c IncomingCall) { notified = c })

	ringIn(t, m, signaler, "r1")
	require.Equal(t, "u2", notified.CallerID)

	require.NoError(t, m.Accept(context.Background()))

	assert.Equal(t, StateConnecting, m.State())
	assert.Len(t, signaler.emittedEvents(transport.EventCallAccept), 1)
	assert.Len(t, signaler.emittedEvents(transport.EventCallJoin), 1)
}

func TestIncomingRejectEndsCall(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	ringIn(t, m, signaler, "r1")

	m.Reject()

	assert.Equal(t, StateEnded, m.State())
	rejects := signaler.emittedEvents(transport.EventCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "r1", rejects[0].Payload.(roomPayload).RoomID)
}

func TestIncomingWhileBusySignalsBusy(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	completeInitiate(t, m, signaler, "r1")

	signaler.push(t, transport.EventCallIncoming, incomingPayload{RoomID: "r2", CallerID: "u3", Type: KindAudio})

	assert.Equal(t, StateRingingOut, m.State())
	assert.Equal(t, "r1", m.Room())
	rejects := signaler.emittedEvents(transport.EventCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "r2", rejects[0].Payload.(roomPayload).RoomID)
	assert.Equal(t, "busy", rejects[0].Payload.(roomPayload).Reason)
}

func TestRingTimeoutAutoRejects(t *testing.T) {
	m, signaler, _, _ := newTestMachine(20 * time.Millisecond)
	ringIn(t, m, signaler, "r1")

	require.Eventually(t, func() bool {
		return m.State() == StateEnded
	}, time.Second, time.Millisecond)
	assert.Len(t, signaler.emittedEvents(transport.EventCallReject), 1)
}

func TestAcceptMediaDeniedRejects(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	ringIn(t, m, signaler, "r1")
	media.denied = true

	err := m.Accept(context.Background())

	require.Error(t, err)
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "MEDIA_ERROR", appErr.Code)
	assert.Equal(t, StateEnded, m.State())
	assert.Len(t, signaler.emittedEvents(transport.EventCallReject), 1)
	assert.Empty(t, signaler.emittedEvents(transport.EventCallAccept))
}

func TestRejectionWinsRaceWithAccept(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	ringIn(t, m, signaler, "r1")
	media.gate = make(chan struct{})
	media.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- m.Accept(context.Background()) }()
	<-media.started

	// the caller hangs up while our media prompt is still open
	signaler.push(t, transport.EventCallRejected, roomPayload{RoomID: "r1"})
	require.Equal(t, StateEnded, m.State())
	close(media.gate)

	err := <-done
	require.Error(t, err)
	assert.Empty(t, signaler.emittedEvents(transport.EventCallAccept))
	// the stream acquired mid-race must not leak hardware
	require.Eventually(t, func() bool {
		media.mu.Lock()
		defer media.mu.Unlock()
		return len(media.streams) == 1 && media.streams[0].audio.isStopped()
	}, time.Second, time.Millisecond)
}

func connectCall(t *testing.T, m *Machine, signaler *fakeSignaler) {
	t.Helper()
	ringIn(t, m, signaler, "r1")
	require.NoError(t, m.Accept(context.Background()))
	require.Equal(t, StateConnecting, m.State())
}

func TestExistingParticipantGetsOffer(t *testing.T) {
	m, signaler, _, factory := newTestMachine(time.Second)
	connectCall(t, m, signaler)

	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u2", Existing: true})

	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, []string{"u2"}, m.Peers())
	offers := signaler.emittedEvents(transport.EventWebRTCOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "u2", offers[0].Payload.(signalPayload).To)
	require.Len(t, factory.peers, 1)
}

func TestLateJoinerInitiatesTowardUs(t *testing.T) {
	m, signaler, _, factory := newTestMachine(time.Second)
	connectCall(t, m, signaler)

	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u3", Existing: false})

	// no offer from our side; the peer appears when their offer arrives
	assert.Empty(t, signaler.emittedEvents(transport.EventWebRTCOffer))
	assert.Empty(t, factory.peers)

	signaler.push(t, transport.EventWebRTCOffer, signalPayload{RoomID: "r1", From: "u3", SDP: json.RawMessage(`{"type":"offer"}`)})

	assert.Equal(t, []string{"u3"}, m.Peers())
	answers := signaler.emittedEvents(transport.EventWebRTCAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "u3", answers[0].Payload.(signalPayload).To)
}

func TestParticipantJoinedIgnoresSelf(t *testing.T) {
	m, signaler, _, factory := newTestMachine(time.Second)
	connectCall(t, m, signaler)

	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: caller.ID, Existing: true})

	assert.Empty(t, factory.peers)
}

func TestLastPeerLeavingEndsCall(t *testing.T) {
	m, signaler, _, factory := newTestMachine(time.Second)
	connectCall(t, m, signaler)
	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u2", Existing: true})
	require.Equal(t, StateActive, m.State())

	signaler.push(t, transport.EventCallParticipantLeft, participantPayload{RoomID: "r1", UserID: "u2"})

	assert.Equal(t, StateEnded, m.State())
	assert.True(t, factory.peers[0].isClosed())
	assert.Len(t, signaler.emittedEvents(transport.EventCallEnd), 1)
}

func TestPeerLeavingKeepsGroupCallAlive(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	connectCall(t, m, signaler)
	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u2", Existing: true})
	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u3", Existing: true})
	require.Len(t, m.Peers(), 2)

	signaler.push(t, transport.EventCallParticipantLeft, participantPayload{RoomID: "r1", UserID: "u2"})

	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, []string{"u3"}, m.Peers())
	assert.Empty(t, signaler.emittedEvents(transport.EventCallEnd))
}

func TestEndIsIdempotent(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	connectCall(t, m, signaler)

	m.End()
	m.End()

	assert.Equal(t, StateEnded, m.State())
	assert.Len(t, signaler.emittedEvents(transport.EventCallEnd), 1)
	assert.True(t, media.streams[0].audio.isStopped())
}

func TestToggleAudioFlipsEnabledOnly(t *testing.T) {
	m, signaler, media, _ := newTestMachine(time.Second)
	connectCall(t, m, signaler)

	assert.False(t, m.ToggleAudio())
	assert.False(t, media.streams[0].audio.Enabled())
	assert.False(t, media.streams[0].audio.isStopped())

	assert.True(t, m.ToggleAudio())
	assert.True(t, media.streams[0].audio.Enabled())
}

func TestScreenShareReplacesTrackOnEveryPeer(t *testing.T) {
	m, signaler, media, factory := newTestMachine(time.Second)
	connectCall(t, m, signaler)
	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u2", Existing: true})
	signaler.push(t, transport.EventCallParticipantJoined, participantPayload{RoomID: "r1", UserID: "u3", Existing: true})
	camera := media.streams[0].video

	require.NoError(t, m.SetScreenShare(context.Background(), true))

	require.True(t, m.ScreenSharing())
	require.Len(t, media.screens, 1)
	for _, peer := range factory.peers {
		require.Len(t, peer.replaced, 1)
		assert.Equal(t, MediaTrack(media.screens[0]), peer.replaced[0])
	}
	assert.True(t, camera.isStopped())

	require.NoError(t, m.SetScreenShare(context.Background(), false))

	assert.False(t, m.ScreenSharing())
	assert.True(t, media.screens[0].isStopped())
	require.Len(t, media.cameras, 1)
	for _, peer := range factory.peers {
		require.Len(t, peer.replaced, 2)
	}
}

func TestRejectedForOtherRoomIgnored(t *testing.T) {
	m, signaler, _, _ := newTestMachine(time.Second)
	completeInitiate(t, m, signaler, "r1")

	signaler.push(t, transport.EventCallRejected, roomPayload{RoomID: "other"})

	assert.Equal(t, StateRingingOut, m.State())
}
