package chat

import (
	"testing"
	"time"

	"chatkit/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceTracker_OnlineOffline(t *testing.T) {
	session := newFakeSession()
	tracker := NewPresenceTracker(session, time.Second)
	defer tracker.Close()

	session.push(t, transport.EventUserOnline, map[string]string{"user_id": "u2"})
	session.push(t, transport.EventUserOnline, map[string]string{"user_id": "u3"})
	assert.True(t, tracker.Online("u2"))
	assert.True(t, tracker.Online("u3"))
	assert.Len(t, tracker.OnlineUsers(), 2)

	session.push(t, transport.EventUserOffline, map[string]string{"user_id": "u2"})
	assert.False(t, tracker.Online("u2"))
	assert.True(t, tracker.Online("u3"))
}

func TestPresenceTracker_TypingSingleSlot(t *testing.T) {
	session := newFakeSession()
	tracker := NewPresenceTracker(session, time.Second)
	defer tracker.Close()

	session.push(t, transport.EventTypingStart, map[string]string{
		"conversation_id": "c1", "user_id": "u2", "username": "bob",
	})
	state, ok := tracker.Typing("c1")
	require.True(t, ok)
	assert.Equal(t, "bob", state.Username)

	// A second typist overwrites the slot; last typer wins.
	session.push(t, transport.EventTypingStart, map[string]string{
		"conversation_id": "c1", "user_id": "u3", "username": "carol",
	})
	state, ok = tracker.Typing("c1")
	require.True(t, ok)
	assert.Equal(t, "carol", state.Username)

	// A stale stop from the overwritten typist is ignored.
	session.push(t, transport.EventTypingStop, map[string]string{
		"conversation_id": "c1", "user_id": "u2",
	})
	_, ok = tracker.Typing("c1")
	assert.True(t, ok)

	// The slot holder's stop clears it.
	session.push(t, transport.EventTypingStop, map[string]string{
		"conversation_id": "c1", "user_id": "u3",
	})
	_, ok = tracker.Typing("c1")
	assert.False(t, ok)
}

func TestPresenceTracker_TypingExpiresWithoutStop(t *testing.T) {
	session := newFakeSession()
	tracker := NewPresenceTracker(session, 20*time.Millisecond)
	defer tracker.Close()

	session.push(t, transport.EventTypingStart, map[string]string{
		"conversation_id": "c1", "user_id": "u2", "username": "bob",
	})
	_, ok := tracker.Typing("c1")
	require.True(t, ok)

	// The stop event is lost; the indicator must still clear.
	require.Eventually(t, func() bool {
		_, still := tracker.Typing("c1")
		return !still
	}, time.Second, 5*time.Millisecond)
}

func TestTypingReporter_DebouncesKeystrokes(t *testing.T) {
	session := newFakeSession()
	reporter := NewTypingReporter(session, 20*time.Millisecond)
	defer reporter.Close()

	reporter.Keystroke("c1")
	reporter.Keystroke("c1")
	reporter.Keystroke("c1")

	starts := session.emittedEvents(transport.EventTypingStart)
	assert.Len(t, starts, 1, "start goes out on the first keystroke only")

	require.Eventually(t, func() bool {
		return len(session.emittedEvents(transport.EventTypingStop)) == 1
	}, time.Second, 5*time.Millisecond, "stop follows the idle window")

	// Typing again after idle produces a fresh start.
	reporter.Keystroke("c1")
	assert.Len(t, session.emittedEvents(transport.EventTypingStart), 2)
}

func TestTypingReporter_ExplicitStop(t *testing.T) {
	session := newFakeSession()
	reporter := NewTypingReporter(session, time.Minute)
	defer reporter.Close()

	reporter.Keystroke("c1")
	reporter.Stop("c1")

	assert.Len(t, session.emittedEvents(transport.EventTypingStop), 1)

	// Stop without activity emits nothing.
	reporter.Stop("c2")
	assert.Len(t, session.emittedEvents(transport.EventTypingStop), 1)
}
