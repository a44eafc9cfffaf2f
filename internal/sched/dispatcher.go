package sched

import (
	"container/heap"
	"sync"

	log "github.com/sirupsen/logrus"
)

// readyHeap orders Threads by effective priority (desc), then by ready-queue
// insertion order (asc) so equal-priority threads run FIFO.
type readyHeap []*Thread

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].EffectivePriority(), h[j].EffectivePriority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *readyHeap) Push(x any) {
	t := x.(*Thread)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Dispatcher is the single logical CPU of the simulation: exactly one
// Thread's goroutine is ever allowed to run kernel-visible logic at a time,
// the baton being the dispatcher's mutex plus a per-thread resume channel.
// This stands in for interrupt disabling and timer-driven preemption on a
// real single core.
type Dispatcher struct {
	mu      sync.Mutex
	ready   readyHeap
	current *Thread
	nextTID int
	seq     uint64
}

// New creates an idle dispatcher. The baton starts moving automatically the
// first time Create is called.
func New() *Dispatcher {
	d := &Dispatcher{}
	heap.Init(&d.ready)
	return d
}

// Create allocates a new Thread at the given base priority and starts its
// goroutine, which parks immediately until the dispatcher hands it the
// baton. entry receives the Thread so it can call back into Yield/Block/Exit
// on itself.
func (d *Dispatcher) Create(name string, prio int, entry func(*Thread)) *Thread {
	d.mu.Lock()
	d.nextTID++
	t := newThread(d.nextTID, name, prio)
	d.seq++
	t.seq = d.seq
	heap.Push(&d.ready, t)
	d.mu.Unlock()

	go func() {
		<-t.resume
		entry(t)
		d.Exit(t)
	}()

	d.scheduleIfIdle()
	d.maybePreempt()
	return t
}

// scheduleIfIdle hands the baton to the highest-priority ready thread
// whenever the dispatcher currently has nothing running — both the very
// first thread ever created (boot) and any later point where every prior
// thread has run to completion and a new one arrives, e.g. a forked child
// created after its parent's own entry closure already returned.
func (d *Dispatcher) scheduleIfIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil || len(d.ready) == 0 {
		return
	}
	next := heap.Pop(&d.ready).(*Thread)
	next.state = Running
	d.current = next
	next.resume <- struct{}{}
}

// Current returns the thread currently holding the CPU, or nil before boot.
func (d *Dispatcher) Current() *Thread {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Yield gives up the CPU voluntarily, re-entering the ready queue, and
// blocks the caller's goroutine until it is handed the baton again.
func (d *Dispatcher) Yield(self *Thread) {
	d.mu.Lock()
	self.state = Ready
	d.seq++
	self.seq = d.seq
	heap.Push(&d.ready, self)
	d.scheduleLocked()
	d.mu.Unlock()
	<-self.resume
}

// Block removes self from scheduling entirely until some other thread calls
// Unblock on it; self must already have recorded what it's waiting on via
// Thread.SetWaitingOn before calling Block, so a concurrent donation walk
// sees a consistent picture.
func (d *Dispatcher) Block(self *Thread) {
	d.mu.Lock()
	self.state = Blocked
	d.scheduleLocked()
	d.mu.Unlock()
	<-self.resume
}

// Unblock makes t ready again. If t now outranks the running thread, the
// running thread is preempted at its next checkpoint (Yield, Block, or
// Exit) rather than waiting for a timer tick that this simulation does not
// have.
func (d *Dispatcher) Unblock(t *Thread) {
	d.mu.Lock()
	if t.state != Blocked {
		d.mu.Unlock()
		return
	}
	t.state = Ready
	t.SetWaitingOn(nil)
	d.seq++
	t.seq = d.seq
	heap.Push(&d.ready, t)
	d.mu.Unlock()
	d.maybePreempt()
}

// maybePreempt notes that a ready thread now outranks the running one.
// Forcing the running thread off the CPU is impossible from the waker's
// goroutine (only the baton holder can hand the baton over), so the
// preemption takes effect at the running thread's next checkpoint — its
// next Yield, Block, or Exit re-evaluates the ready queue.
func (d *Dispatcher) maybePreempt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || len(d.ready) == 0 {
		return
	}
	if d.ready[0].EffectivePriority() > d.current.EffectivePriority() {
		log.WithFields(log.Fields{
			"current":   d.current.Name,
			"contender": d.ready[0].Name,
		}).Debug("higher-priority thread became ready")
	}
}

// Exit tears self down permanently and hands the baton to the next ready
// thread. self's goroutine returns after this call; nothing may run on it
// again.
func (d *Dispatcher) Exit(self *Thread) {
	d.mu.Lock()
	self.state = Dying
	d.scheduleLocked()
	d.mu.Unlock()
}

// scheduleLocked picks the next thread to run and hands it the baton.
// Caller must hold d.mu; it is released implicitly by the fact that the
// resume channel send happens while still holding it, which is safe
// because the receiver only ever reads after being scheduled.
func (d *Dispatcher) scheduleLocked() {
	if len(d.ready) == 0 {
		d.current = nil
		return
	}
	next := heap.Pop(&d.ready).(*Thread)
	next.state = Running
	d.current = next
	next.resume <- struct{}{}
}

// SetPriority changes self's base priority and propagates any resulting
// donation-chain change. If the change drops self's effective priority
// below a ready contender's, self yields immediately; self must be the
// running thread.
func (d *Dispatcher) SetPriority(self *Thread, prio int) {
	self.SetBase(prio)
	self.PropagateDonation()

	d.mu.Lock()
	shouldYield := d.current == self && len(d.ready) > 0 &&
		d.ready[0].EffectivePriority() > self.EffectivePriority()
	d.mu.Unlock()
	if shouldYield {
		d.Yield(self)
	}
}
