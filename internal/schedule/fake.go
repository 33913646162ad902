package schedule

import (
	"sync"
	"time"
)

// Fake is a test Scheduler that keeps its own notion of time. Callbacks run
// synchronously from Advance/AdvanceTo in due-time order, outside the lock,
// so they may schedule or stop other timers.
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// Ordered by 'when' (earliest first); ties keep insertion order.
	events []*fakeEvent
}

type fakeEvent struct {
	s         *Fake
	when      time.Time
	f         func()
	done      bool
	cancelled bool
}

// NewFake creates a fake scheduler starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (s *Fake) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc schedules f at Now()+d.
func (s *Fake) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := &fakeEvent{s: s, when: s.now.Add(d), f: f}

	inserted := false
	for i, existing := range s.events {
		if ev.when.Before(existing.when) {
			s.events = append(s.events[:i], append([]*fakeEvent{ev}, s.events[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.events = append(s.events, ev)
	}
	return ev
}

// Stop cancels the event if it has not run yet.
func (e *fakeEvent) Stop() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.done || e.cancelled {
		return false
	}
	e.cancelled = true
	return true
}

// Pending returns the number of timers that are neither fired nor stopped.
func (s *Fake) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if !ev.cancelled {
			n++
		}
	}
	return n
}

// Advance moves fake time forward by d and runs everything that became due.
func (s *Fake) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// AdvanceTo sets the fake time to t and runs all due callbacks. Time never
// goes backwards.
func (s *Fake) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()
	s.runDue()
}

func (s *Fake) runDue() {
	for {
		s.mu.Lock()
		if len(s.events) == 0 || s.events[0].when.After(s.now) {
			s.mu.Unlock()
			return
		}
		ev := s.events[0]
		s.events = s.events[1:]
		if ev.cancelled {
			s.mu.Unlock()
			continue
		}
		ev.done = true
		callback := ev.f
		s.mu.Unlock()

		// Execute callback outside the lock.
		if callback != nil {
			callback()
		}
	}
}
