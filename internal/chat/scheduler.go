package chat

import (
	"sync"
	"time"
)

// Scheduler owns named, cancelable delayed tasks. Each component creates its
// own scheduler so a conversation switch or teardown can cancel everything it
// scheduled without touching anyone else's timers.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after d. Scheduling under a name that already has a
// pending task replaces it; the old task never fires.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// The timer may have fired just as it was replaced or canceled,
		// leaving this callback parked on the mutex. Only the timer the
		// map still holds gets to run.
		if s.timers[name] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.mu.Unlock()
		fn()
	})
	s.timers[name] = timer
}

// Cancel stops the named task if it is still pending.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}
}

// CancelAll stops every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
}

// Pending reports whether the named task is still scheduled.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}
