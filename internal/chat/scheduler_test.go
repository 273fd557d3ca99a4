package chat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ScheduleReplacesByName(t *testing.T) {
	s := NewScheduler()
	defer s.CancelAll()

	var first, second atomic.Int32
	s.Schedule("task", 10*time.Millisecond, func() { first.Add(1) })
	s.Schedule("task", 10*time.Millisecond, func() { second.Add(1) })

	require.Eventually(t, func() bool {
		return second.Load() == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, first.Load(), "the replaced task must never fire")
}

func TestScheduler_FiredCallbackYieldsToReplacement(t *testing.T) {
	s := NewScheduler()
	defer s.CancelAll()

	var stale atomic.Int32
	s.Schedule("task", 10*time.Millisecond, func() { stale.Add(1) })

	// Hold the lock across the fire so the callback parks on the mutex,
	// then swap the entry before releasing it. The parked callback must
	// neither run nor disturb the replacement's registration.
	s.mu.Lock()
	time.Sleep(30 * time.Millisecond)
	s.timers["task"].Stop()
	s.timers["task"] = time.AfterFunc(time.Hour, func() {})
	s.mu.Unlock()

	assert.Never(t, func() bool {
		return stale.Load() != 0
	}, 50*time.Millisecond, 5*time.Millisecond, "the replaced task must never fire")
	assert.True(t, s.Pending("task"))
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	defer s.CancelAll()

	var fired atomic.Int32
	s.Schedule("task", 10*time.Millisecond, func() { fired.Add(1) })
	require.True(t, s.Pending("task"))
	s.Cancel("task")
	require.False(t, s.Pending("task"))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestScheduler_CancelAll(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 10*time.Millisecond, func() { fired.Add(1) })
	s.CancelAll()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, s.Pending("a"))
	assert.False(t, s.Pending("b"))
}
