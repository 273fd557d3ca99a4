// Package transport maintains the persistent bidirectional event connection
// to the signaling server and fans inbound events out to registered handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"chatkit/internal/observability"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Emit while the session is disconnected.
// Emits are dropped, not queued: delivery is at-most-once, best-effort.
var ErrNotConnected = errors.New("transport: not connected")

// State describes the session's connection state as seen by observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives the raw data payload of a single inbound event.
// Handlers run to completion, one event at a time, on the read loop.
type Handler func(data json.RawMessage)

// Conn is the subset of *websocket.Conn the session uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a Conn. The default wraps gorilla's dialer.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscription identifies a registered handler so it can be removed again.
type Subscription struct {
	event   string
	handler Handler
	once    bool
}

// Options configure a Session.
type Options struct {
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	Dialer            Dialer
}

// Session owns exactly one connection to the signaling server. It is created
// by the composition root and injected into the components that need it;
// there is no package-level singleton.
type Session struct {
	url      string
	token    string
	dialer   Dialer
	attempts int
	delay    time.Duration
	maxDelay time.Duration

	mu        sync.Mutex
	conn      Conn
	state     State
	gen       int // connection generation; guards stale read loops
	handlers  map[string][]*Subscription
	observers []func(State)
	rooms     map[string]struct{}
	cancel    context.CancelFunc

	writeMu sync.Mutex // protects concurrent writes to conn

	logger *observability.SessionLogger
}

// NewSession creates a disconnected session.
func NewSession(opts Options) *Session {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 10 * time.Second
	}
	return &Session{
		url:      opts.URL,
		token:    opts.Token,
		dialer:   dialer,
		attempts: opts.ReconnectAttempts,
		delay:    opts.ReconnectDelay,
		maxDelay: opts.ReconnectMaxDelay,
		state:    StateDisconnected,
		handlers: make(map[string][]*Subscription),
		rooms:    make(map[string]struct{}),
		logger:   observability.NewSessionLogger(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for connection state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Connect dials the server with the bearer credential. Calling Connect while
// already connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return ErrNotConnected
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.conn != nil {
		// A concurrent Connect won the race; keep its connection and
		// discard this dial.
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.LogConnect(ctx, s.url)

	go s.readLoop(loopCtx, conn, gen)
	return nil
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	return s.dialer.Dial(ctx, s.url, header)
}

// Disconnect tears down the connection and discards all registered
// listeners. Listener leakage across reconnects is a defined failure mode to
// avoid; a fresh Connect starts from a clean registry.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.gen++ // orphan any in-flight read loop
	s.handlers = make(map[string][]*Subscription)
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.setState(StateDisconnected)
}

// On registers a handler for the named event and returns its subscription.
func (s *Session) On(event string, h Handler) *Subscription {
	sub := &Subscription{event: event, handler: h}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], sub)
	s.mu.Unlock()
	return sub
}

// Once registers a handler that is removed after its first invocation.
func (s *Session) Once(event string, h Handler) *Subscription {
	sub := &Subscription{event: event, handler: h, once: true}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], sub)
	s.mu.Unlock()
	return sub
}

// Off removes the given subscription. A nil subscription removes every
// handler registered for the event.
func (s *Session) Off(event string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub == nil {
		delete(s.handlers, event)
		return
	}
	subs := s.handlers[event]
	for i, candidate := range subs {
		if candidate == sub {
			s.handlers[event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit sends a fire-and-forget event. While disconnected the event is
// dropped and ErrNotConnected returned.
func (s *Session) Emit(event string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		observability.SessionEmitsDropped.WithLabelValues(event).Inc()
		s.logger.LogDroppedEmit(context.Background(), event)
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ErrNotConnected
	}
	return nil
}

// JoinConversation subscribes the session to a conversation's push events.
// Tracked rooms are re-joined automatically after a reconnect.
func (s *Session) JoinConversation(conversationID string) error {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	return s.Emit(EventConversationJoin, map[string]string{"conversation_id": conversationID})
}

// LeaveConversation unsubscribes the session from a conversation's push events.
func (s *Session) LeaveConversation(conversationID string) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	return s.Emit(EventConversationLeave, map[string]string{"conversation_id": conversationID})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := make([]func(State), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// readLoop reads frames and dispatches them serially until the connection
// fails, then hands off to the reconnect path. A loop whose generation no
// longer matches the session's has been superseded and exits silently.
func (s *Session) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := s.gen != gen
			s.mu.Unlock()
			if stale || ctx.Err() != nil {
				return
			}
			s.reconnect(ctx, gen)
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			log.Printf("transport: invalid frame: %v", err)
			continue
		}
		s.dispatch(env.Event, env.Data)
	}
}

func (s *Session) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	subs := s.handlers[event]
	fire := make([]*Subscription, 0, len(subs))
	remaining := subs[:0]
	for _, sub := range subs {
		fire = append(fire, sub)
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	s.handlers[event] = remaining
	s.mu.Unlock()

	observability.SessionEventsReceived.WithLabelValues(event).Inc()
	for _, sub := range fire {
		sub.handler(data)
	}
}

// reconnect retries the dial with capped exponential backoff. After the
// bounded attempts are exhausted the session surfaces a disconnected state
// but does not crash the process.
func (s *Session) reconnect(ctx context.Context, gen int) {
	if s.attempts <= 0 {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.logger.LogDisconnect(ctx, "reconnect disabled")
		s.setState(StateDisconnected)
		return
	}

	s.setState(StateReconnecting)

	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.delay
	bo.MaxInterval = s.maxDelay

	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		attempt++
		c, dialErr := s.dial(ctx)
		if dialErr != nil {
			observability.SessionReconnectAttempts.WithLabelValues("failure").Inc()
			s.logger.LogReconnectAttempt(ctx, attempt, dialErr)
			return nil, dialErr
		}
		observability.SessionReconnectAttempts.WithLabelValues("success").Inc()
		return c, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.attempts)))

	if err != nil {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.logger.LogDisconnect(ctx, "retries exhausted")
		s.setState(StateDisconnected)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		// A concurrent Disconnect or Connect superseded this loop.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.LogConnect(ctx, s.url)

	// Restore push-event subscription scope before resuming reads.
	for _, room := range rooms {
		_ = s.Emit(EventConversationJoin, map[string]string{"conversation_id": room})
	}

	s.readLoop(ctx, conn, gen)
}
