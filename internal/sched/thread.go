package sched

// State is the scheduling state of a Thread: runnable, running, blocked on
// a semaphore/lock/condition variable, or torn down.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Dying
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Lockable is the minimal view a Thread needs of whatever it is blocked on
// in order to walk the donation chain. internal/ksync's Lock implements
// this; sched itself never needs to know what a Lock actually is.
type Lockable interface {
	HolderThread() *Thread
}

// Thread is one schedulable unit of the simulation: a goroutine gated by a
// baton handed to it by the Dispatcher, carrying the priority-donation
// bookkeeping the lock layer relies on.
type Thread struct {
	TID    int
	Name   string
	IsRoot bool

	base   int
	donors []*Thread // sorted desc by EffectivePriority(); the head is the highest donor

	state     State
	waitingOn Lockable

	seq    uint64 // ready-queue insertion order, for FIFO tie-break
	index  int    // heap index, maintained by container/heap
	resume chan struct{}

	// UserData lets higher layers (internal/process) hang a *process.Proc
	// off the thread without sched importing process.
	UserData any
}

func newThread(tid int, name string, prio int) *Thread {
	return &Thread{
		TID:    tid,
		Name:   name,
		base:   prio,
		state:  Ready,
		resume: make(chan struct{}, 1),
	}
}

// Base returns the thread's base (undonated) priority.
func (t *Thread) Base() int { return t.base }

// SetBase changes the thread's base priority, e.g. via set_priority, and
// recomputes its effective priority in case this raises or lowers it below
// any standing donation.
func (t *Thread) SetBase(p int) { t.base = p }

// EffectivePriority is max(base, highest donor's effective priority): a
// thread's effective priority is never less than its base, and is boosted
// by whichever waiter (transitively) is blocked on something it holds.
func (t *Thread) EffectivePriority() int {
	eff := t.base
	if len(t.donors) > 0 {
		if d := t.donors[0].EffectivePriority(); d > eff {
			eff = d
		}
	}
	return eff
}

// AddDonor records that d is donating its priority to t (t holds a lock d
// is waiting on), keeping the donor list sorted desc by effective priority
// so EffectivePriority() stays O(1).
func (t *Thread) AddDonor(d *Thread) {
	for _, existing := range t.donors {
		if existing == d {
			return
		}
	}
	t.donors = append(t.donors, d)
	t.resortDonors()
}

// RemoveDonor drops d from t's donor list, e.g. because t released the lock
// d was waiting on or d stopped waiting entirely.
func (t *Thread) RemoveDonor(d *Thread) {
	for i, existing := range t.donors {
		if existing == d {
			t.donors = append(t.donors[:i], t.donors[i+1:]...)
			return
		}
	}
}

func (t *Thread) resortDonors() {
	// Donor lists stay short in practice (a thread rarely holds more than
	// a handful of contended locks); insertion sort is enough.
	for i := 1; i < len(t.donors); i++ {
		for j := i; j > 0 && t.donors[j].EffectivePriority() > t.donors[j-1].EffectivePriority(); j-- {
			t.donors[j], t.donors[j-1] = t.donors[j-1], t.donors[j]
		}
	}
}

// SetWaitingOn records what t is blocked on, or clears it with nil.
func (t *Thread) SetWaitingOn(l Lockable) { t.waitingOn = l }

// WaitingOn returns what t is currently blocked on, or nil.
func (t *Thread) WaitingOn() Lockable { return t.waitingOn }

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// PropagateDonation walks t's WaitingOn chain, re-evaluating and re-sorting
// each holder's donor list in turn. Called after any change that might
// move t's effective priority (SetBase, AddDonor, RemoveDonor) so the
// boost reaches every lock holder in the chain, not just the immediate
// one. Iterative rather than recursive: the chain is a list, not a tree.
func (t *Thread) PropagateDonation() {
	cur := t
	for depth := 0; depth < maxDonationDepth; depth++ {
		l := cur.waitingOn
		if l == nil {
			return
		}
		holder := l.HolderThread()
		if holder == nil || holder == cur {
			return
		}
		holder.resortDonors()
		cur = holder
	}
}

// maxDonationDepth bounds the donation walk against a malformed lock graph;
// real chains never nest more than a handful of locks deep.
const maxDonationDepth = 64
