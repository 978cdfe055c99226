package testutil

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer = interface{ Stop() bool }

// FakeScheduler is a virtual-time scheduler for debounce and auto-trigger
// tests. Timers only fire when Advance moves the virtual clock past their
// deadline; callbacks run synchronously on the caller's goroutine, in
// deadline order (ties in scheduling order).
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*FakeTimer
	nextID int
}

// FakeTimer is a timer created by FakeScheduler.
type FakeTimer struct {
	s        *FakeScheduler
	id       int
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFakeScheduler creates a scheduler whose virtual clock starts at start.
func NewFakeScheduler(start time.Time) *FakeScheduler {
	return &FakeScheduler{now: start}
}

// AfterFunc registers f to run once the virtual clock reaches now+d.
func (s *FakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &FakeTimer{s: s, id: s.nextID, deadline: s.now.Add(d), fn: f}
	s.timers = append(s.timers, t)
	return t
}

// Now returns the virtual time.
func (s *FakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the virtual clock forward by d and fires every timer that
// became due.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		t := s.nextDue(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = t.deadline
		t.fired = true
		s.remove(t)
		s.mu.Unlock()

		t.fn()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// nextDue returns the earliest timer with deadline <= target. Caller holds mu.
func (s *FakeScheduler) nextDue(target time.Time) *FakeTimer {
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].deadline.Equal(s.timers[j].deadline) {
			return s.timers[i].id < s.timers[j].id
		}
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})
	if len(s.timers) == 0 || s.timers[0].deadline.After(target) {
		return nil
	}
	return s.timers[0]
}

// remove drops t from the pending list. Caller holds mu.
func (s *FakeScheduler) remove(t *FakeTimer) {
	for i, p := range s.timers {
		if p == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Stop cancels the timer. Reports whether the call prevented the callback.
func (t *FakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.s.remove(t)
	return true
}
