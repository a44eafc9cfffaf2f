package ksync

import (
	"sync"

	"github.com/Recordum/biscuitos/internal/sched"
)

// Cond is a Mesa-semantics condition variable associated with a Lock. Each
// waiter parks on its own private one-shot semaphore rather than a single
// shared one, so Signal can target exactly the highest-priority waiter
// instead of waking everyone.
type Cond struct {
	mu      sync.Mutex
	waiters []*waiter
	d       *sched.Dispatcher
}

type waiter struct {
	t    *sched.Thread
	sema *Semaphore
}

// NewCond creates a condition variable bound to the same dispatcher as the
// lock it will be used with.
func NewCond(d *sched.Dispatcher) *Cond {
	return &Cond{d: d}
}

// Wait atomically releases lock and blocks self until Signal or Broadcast
// wakes it, then reacquires lock before returning. Mesa semantics mean the
// caller must re-check its predicate in a loop: nothing here guarantees
// the condition still holds on return.
func (c *Cond) Wait(self *sched.Thread, lock *Lock) {
	if !lock.HeldByCurrent(self) {
		panic("ksync: Cond.Wait without holding the paired lock")
	}
	w := &waiter{t: self, sema: NewSemaphore(c.d, 0)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	lock.Release(self)
	w.sema.Down(self)
	lock.Acquire(self)
}

// Signal wakes the single highest-effective-priority waiter, if any. self
// must currently hold lock; signaling without it is a programming error
// and panics, the same treatment Lock.Acquire gives recursive acquisition.
func (c *Cond) Signal(self *sched.Thread, lock *Lock) {
	if !lock.HeldByCurrent(self) {
		panic("ksync: Cond.Signal without holding the paired lock")
	}
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	best := 0
	for i, w := range c.waiters {
		if w.t.EffectivePriority() > c.waiters[best].t.EffectivePriority() {
			best = i
		}
	}
	w := c.waiters[best]
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	c.mu.Unlock()
	w.sema.Up()
}

// Broadcast wakes every waiter. Same held-lock contract as Signal.
func (c *Cond) Broadcast(self *sched.Thread, lock *Lock) {
	if !lock.HeldByCurrent(self) {
		panic("ksync: Cond.Broadcast without holding the paired lock")
	}
	c.mu.Lock()
	all := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range all {
		w.sema.Up()
	}
}
