// Package ksync implements the kernel's own blocking primitives — a
// counting semaphore, a priority-donating lock, and a Mesa-semantics
// condition variable — on top of internal/sched's Dispatcher rather than
// on goroutine-native sync.Mutex/sync.Cond, because these need to interact
// with the scheduler's priority ordering and donation bookkeeping: waking
// a blocked thread must consult effective priorities that may have changed
// while it slept.
package ksync

import (
	"sync"

	"github.com/Recordum/biscuitos/internal/sched"
)

// Semaphore is a counting semaphore that admits the highest-effective-
// priority waiter first on Up, re-evaluating priorities at wake time since
// donations may have arrived while waiters slept.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters []*sched.Thread
	d       *sched.Dispatcher
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(d *sched.Dispatcher, value int) *Semaphore {
	if value < 0 {
		panic("ksync: negative initial semaphore value")
	}
	return &Semaphore{value: value, d: d}
}

// Down blocks self until the semaphore's value is positive, then
// decrements it.
func (s *Semaphore) Down(self *sched.Thread) {
	for {
		s.mu.Lock()
		if s.value > 0 {
			s.value--
			s.mu.Unlock()
			return
		}
		s.waiters = append(s.waiters, self)
		s.mu.Unlock()
		s.d.Block(self)
	}
}

// TryDown attempts a non-blocking decrement, returning whether it
// succeeded.
func (s *Semaphore) TryDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value > 0 {
		s.value--
		return true
	}
	return false
}

// Up increments the semaphore's value and wakes the highest-effective-
// priority waiter, if any. The pick scans the queue at wake time rather
// than trusting enqueue order: a waiter's effective priority may have
// risen via donation since it went to sleep.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.value++
	var woken *sched.Thread
	if len(s.waiters) > 0 {
		best := 0
		for i, w := range s.waiters {
			if w.EffectivePriority() > s.waiters[best].EffectivePriority() {
				best = i
			}
		}
		woken = s.waiters[best]
		s.waiters = append(s.waiters[:best], s.waiters[best+1:]...)
	}
	s.mu.Unlock()
	if woken != nil {
		s.d.Unblock(woken)
	}
}

// Value returns the current counter, for tests and diagnostics only.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
