package ksync

import (
	"sync"

	"github.com/Recordum/biscuitos/internal/sched"
)

// Lock is a mutual-exclusion lock whose waiters donate their effective
// priority to the holder for as long as they wait. It implements
// sched.Lockable so a blocked Thread's donation walk can find the current
// holder without sched needing a concrete *Lock type.
type Lock struct {
	mu      sync.Mutex
	holder  *sched.Thread
	waiters []*sched.Thread
	d       *sched.Dispatcher
}

// NewLock creates an unheld lock.
func NewLock(d *sched.Dispatcher) *Lock {
	return &Lock{d: d}
}

// HolderThread implements sched.Lockable.
func (l *Lock) HolderThread() *sched.Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// HeldByCurrent reports whether self currently holds l.
func (l *Lock) HeldByCurrent(self *sched.Thread) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == self
}

// Acquire blocks self until l is free, donating self's effective priority
// to the current holder (and transitively along the holder's own
// WaitingOn chain) for as long as self waits.
func (l *Lock) Acquire(self *sched.Thread) {
	if l.HeldByCurrent(self) {
		panic("ksync: recursive Lock.Acquire by current holder")
	}
	for {
		l.mu.Lock()
		// Release hands ownership to the waiter it wakes, so a woken thread
		// may already be the holder when it re-checks.
		if l.holder == nil || l.holder == self {
			l.holder = self
			l.mu.Unlock()
			return
		}
		holder := l.holder
		l.waiters = append(l.waiters, self)
		l.mu.Unlock()

		self.SetWaitingOn(l)
		holder.AddDonor(self)
		self.PropagateDonation()

		l.d.Block(self)
	}
}

// TryAcquire attempts a non-blocking acquire.
func (l *Lock) TryAcquire(self *sched.Thread) bool {
	if l.HeldByCurrent(self) {
		panic("ksync: recursive Lock.TryAcquire by current holder")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		l.holder = self
		return true
	}
	return false
}

// Release hands the lock to the highest-effective-priority waiter (or
// frees it outright with none waiting), withdraws this lock's waiters from
// self's donor list, and migrates their donations to the new holder. Self's
// effective priority falls to the max over its remaining donors, or its
// base if none remain.
func (l *Lock) Release(self *sched.Thread) {
	l.mu.Lock()
	if l.holder != self {
		l.mu.Unlock()
		panic("ksync: Release by non-holder")
	}

	var next *sched.Thread
	if len(l.waiters) > 0 {
		best := 0
		for i, w := range l.waiters {
			if w.EffectivePriority() > l.waiters[best].EffectivePriority() {
				best = i
			}
		}
		next = l.waiters[best]
		l.waiters = append(l.waiters[:best], l.waiters[best+1:]...)
	}
	l.holder = next
	remaining := append([]*sched.Thread(nil), l.waiters...)
	l.mu.Unlock()

	for _, w := range remaining {
		self.RemoveDonor(w)
	}
	if next != nil {
		self.RemoveDonor(next)
		next.SetWaitingOn(nil)
		for _, w := range remaining {
			next.AddDonor(w)
			w.SetWaitingOn(l)
		}
	}
	self.PropagateDonation()

	if next != nil {
		l.d.Unblock(next)
	}
}
