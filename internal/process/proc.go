package process

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Recordum/biscuitos/internal/fs"
	"github.com/Recordum/biscuitos/internal/sched"
	"github.com/Recordum/biscuitos/internal/vm"
)

// gate is a one-shot-per-post binary signal. internal/ksync's Semaphore
// ties blocking to the single-CPU dispatcher baton (Down parks the
// calling goroutine until the dispatcher's scheduleLocked hands it the
// baton back), which is right for in-kernel synchronization primitives
// but wrong here: the fork/wait/exit rendezvous runs across
// independently-scheduled process goroutines, none of which is
// necessarily "the current thread" from the single-CPU scheduler's point
// of view. gate gets the same blocking-handshake shape from
// golang.org/x/sync/semaphore instead.
type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	g := &gate{sem: semaphore.NewWeighted(1)}
	_ = g.sem.Acquire(context.Background(), 1) // drain to 0: blocked until the first Up
	return g
}

func (g *gate) Up()   { g.sem.Release(1) }
func (g *gate) Down() { _ = g.sem.Acquire(context.Background(), 1) }

// TIDError is returned by Fork when the child failed to duplicate parent
// state.
const TIDError = -1

// KilledStatus and ForkFailedStatus are the two sentinel exit statuses:
// a process that was killed rather than exiting voluntarily, and a fork
// child that died before completing its address space/fd duplication.
const (
	KilledStatus     = -1
	ForkFailedStatus = -2
)

// Proc is one process: its thread, address space, open files, and the
// bookkeeping parent/child wait() needs.
type Proc struct {
	PID    int
	Name   string
	Cwd    string
	IsRoot bool

	Thread *sched.Thread
	AS     *vm.AddressSpace
	FDT    *FDTable

	mu         sync.Mutex
	parent     *Proc
	children   map[int]*Proc
	exited     bool
	exitStatus int
	exe        *fs.File // retained deny-write handle on the running executable

	runDone chan struct{} // closed by Exit to release the thread's entry goroutine

	// The four rendezvous gates: forkDone is posted by this Proc (as a
	// fork child) once its address space and fd table have been
	// duplicated; waitReady/exitGate/statusReady choreograph the
	// wait()/exit() handshake between this Proc (as an exiting child) and
	// whichever parent is blocked in Wait.
	forkDone    *gate
	waitReady   *gate
	exitGate    *gate
	statusReady *gate
}

// Manager owns the resources shared across every process: the scheduler,
// the VM subsystem, and the filesystem.
type Manager struct {
	Dispatcher *sched.Dispatcher
	VM         *vm.Manager
	FS         *fs.FS

	Stdin  FD
	Stdout FD

	mu      sync.Mutex
	nextPID int
	procs   map[int]*Proc
}

// NewManager wires a Manager around already-constructed scheduler, VM, and
// filesystem instances. stdin/stdout back fds 0/1 for every process this
// Manager creates.
func NewManager(d *sched.Dispatcher, vmgr *vm.Manager, fsys *fs.FS, stdin, stdout FD) *Manager {
	return &Manager{Dispatcher: d, VM: vmgr, FS: fsys, Stdin: stdin, Stdout: stdout, procs: make(map[int]*Proc)}
}

// BasePriority is the default base priority assigned to freshly created
// processes.
const BasePriority = 31

func (m *Manager) newProc(name, cwd string, parent *Proc) *Proc {
	m.mu.Lock()
	m.nextPID++
	pid := m.nextPID
	m.mu.Unlock()

	p := &Proc{
		PID: pid, Name: name, Cwd: cwd, parent: parent,
		AS:          m.VM.NewAddressSpace(),
		FDT:         NewFDTable(m.Stdin, m.Stdout),
		children:    make(map[int]*Proc),
		runDone:     make(chan struct{}),
		forkDone:    newGate(),
		waitReady:   newGate(),
		exitGate:    newGate(),
		statusReady: newGate(),
	}
	m.mu.Lock()
	m.procs[pid] = p
	m.mu.Unlock()
	return p
}

// setExecutable swaps the retained deny-write handle on p's running binary:
// a second exec releases the previous image's protection before installing
// the new one.
func (p *Proc) setExecutable(exe *fs.File) {
	p.mu.Lock()
	old := p.exe
	p.exe = exe
	p.mu.Unlock()
	if old != nil {
		old.AllowWrite()
		_ = old.Close()
	}
}

// Done returns a channel closed once p has finished exiting, letting a
// caller (cmd/biscuitos's boot sequence, or a test) wait for a process to
// run to completion without polling.
func (p *Proc) Done() <-chan struct{} { return p.runDone }

// CreateInitd spawns the first user process by running Exec(cmdline) on a
// freshly minted thread. A failure in the initial exec panics: with no
// init there is nothing left to schedule. The thread's entry closure
// returns as soon as the exec completes — process liveness is tracked on
// Proc itself (exited/runDone), not by holding the dispatcher's single
// CPU baton for the process's entire lifetime; see p.Done().
func (m *Manager) CreateInitd(cmdline string) *Proc {
	p := m.newProc("initd", "/", nil)
	p.IsRoot = true

	started := make(chan error, 1)
	p.Thread = m.Dispatcher.Create("initd", BasePriority, func(t *sched.Thread) {
		p.Thread = t
		_, err := m.Exec(p, cmdline)
		started <- err
	})

	if err := <-started; err != nil {
		panic(fmt.Sprintf("process: initial exec of %q failed: %v", cmdline, err))
	}
	return p
}

// fileReopener is satisfied by *fs.File; used to duplicate an open file
// descriptor across a fork without importing the process package into fs.
type fileReopener interface {
	ReopenFile() (*fs.File, error)
}

// Fork creates a new process that is a snapshot of p: its supplemental
// page table duplicated (non-CoW, eager), its open files reopened, and a
// fresh thread at p's current priority. The caller blocks until the child
// reports duplication complete, then inspects its status.
func (m *Manager) Fork(p *Proc, name string) (int, error) {
	p.mu.Lock()
	if p.Thread == nil {
		p.mu.Unlock()
		return TIDError, fmt.Errorf("process: fork from a process with no thread of its own")
	}
	p.mu.Unlock()

	child := m.newProc(name, p.Cwd, p)
	p.mu.Lock()
	p.children[child.PID] = child
	p.mu.Unlock()

	prio := p.Thread.Base()
	m.Dispatcher.Create(name, prio, func(t *sched.Thread) {
		child.Thread = t

		err := child.AS.CopyInto(p.AS)
		if err == nil {
			child.FDT, err = p.FDT.Clone(func(f FD) (FD, error) {
				rf, ok := f.(fileReopener)
				if !ok {
					return f, nil
				}
				nf, rerr := rf.ReopenFile()
				if rerr != nil {
					return nil, rerr
				}
				return nf, nil
			})
		}

		if err != nil {
			log.WithFields(log.Fields{"proc": name, "parent": p.PID}).
				WithError(err).Warn("fork: child failed to duplicate parent state")
			child.mu.Lock()
			child.exited = true
			child.exitStatus = ForkFailedStatus
			child.mu.Unlock()
			child.forkDone.Up()
			return
		}

		child.forkDone.Up()
	})

	child.forkDone.Down()

	child.mu.Lock()
	failed := child.exited && child.exitStatus == ForkFailedStatus
	child.mu.Unlock()
	if failed {
		return TIDError, fmt.Errorf("process: fork: child %d failed to duplicate state", child.PID)
	}
	return child.PID, nil
}

// Wait blocks the caller until the child with the given PID begins to
// exit, then runs the waitReady/exitGate/statusReady handshake before
// returning its exit status. Waiting on an unknown or already-reaped PID,
// or a PID that is not one of p's own children, fails.
func (p *Proc) Wait(childPID int) (int, error) {
	p.mu.Lock()
	child, ok := p.children[childPID]
	p.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("process: %d is not a child of %d", childPID, p.PID)
	}

	child.waitReady.Down()
	child.exitGate.Up()
	child.statusReady.Down()

	child.mu.Lock()
	status := child.exitStatus
	child.mu.Unlock()

	p.mu.Lock()
	delete(p.children, childPID)
	p.mu.Unlock()

	return status, nil
}

// Exit tears the process down: releases its descriptors and the running
// executable's write protection, kills its address space, then — if it
// has a parent — runs the waitReady/exitGate/statusReady handshake so a
// concurrently blocked Wait observes the status only after both sides are
// ready, rather than writing it where a waiter could race the write.
func (p *Proc) Exit(status int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.mu.Unlock()

	log.WithFields(log.Fields{"proc": p.Name, "pid": p.PID, "status": status}).Info("process exited")

	for fd := 2; fd < MaxFileDescriptor; fd++ {
		p.FDT.Close(fd)
	}
	p.setExecutable(nil)
	p.AS.Kill()

	if p.parent != nil {
		p.waitReady.Up()
		p.exitGate.Down()
		p.mu.Lock()
		p.exitStatus = status
		p.mu.Unlock()
		p.statusReady.Up()
	} else {
		p.mu.Lock()
		p.exitStatus = status
		p.mu.Unlock()
	}

	close(p.runDone)
}
