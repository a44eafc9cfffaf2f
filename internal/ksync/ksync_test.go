package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Recordum/biscuitos/internal/sched"
)

func TestSemaphoreBlocksAndWakes(t *testing.T) {
	d := sched.New()
	sem := NewSemaphore(d, 0)
	done := make(chan struct{})

	d.Create("waiter", 10, func(self *sched.Thread) {
		sem.Down(self)
		close(done)
	})

	d.Create("poster", 20, func(self *sched.Thread) {
		sem.Up()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

// spinHold keeps self inside its critical section without parking the
// simulated CPU: the thread yields in a loop until release is closed, so
// other threads (a higher-priority contender, in particular) get scheduled
// while self still holds its lock.
func spinHold(d *sched.Dispatcher, self *sched.Thread, release <-chan struct{}) {
	for {
		select {
		case <-release:
			return
		default:
			d.Yield(self)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLockDonationRaisesHolderPriority(t *testing.T) {
	d := sched.New()
	lock := NewLock(d)
	holderAcquired := make(chan *sched.Thread, 1)
	releaseHolder := make(chan struct{})
	done := make(chan struct{})

	d.Create("low", 10, func(self *sched.Thread) {
		lock.Acquire(self)
		holderAcquired <- self
		spinHold(d, self, releaseHolder)
		lock.Release(self)
	})

	holder := <-holderAcquired

	d.Create("high", 30, func(self *sched.Thread) {
		lock.Acquire(self)
		lock.Release(self)
		close(done)
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && holder.EffectivePriority() < 30 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 30, holder.EffectivePriority(), "low-priority holder should inherit the waiter's priority")

	close(releaseHolder)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("high-priority waiter never acquired the lock")
	}
	require.Equal(t, 10, holder.EffectivePriority(), "donation should be released once the lock is released")
}

// TestNestedDonationAcrossLockChain walks the three-thread, two-lock chain:
// t1(10) holds L1, t2(20) holds L2 and wants L1, t3(30) wants L2. Once t3
// blocks, the donation must have propagated through t2 to t1, and releasing
// the chain must restore every base priority.
func TestNestedDonationAcrossLockChain(t *testing.T) {
	d := sched.New()
	l1 := NewLock(d)
	l2 := NewLock(d)
	t1Acquired := make(chan *sched.Thread, 1)
	t2Acquired := make(chan *sched.Thread, 1)
	releaseT1 := make(chan struct{})
	t3done := make(chan *sched.Thread, 1)

	d.Create("t1", 10, func(self *sched.Thread) {
		l1.Acquire(self)
		t1Acquired <- self
		spinHold(d, self, releaseT1)
		l1.Release(self)
	})
	t1 := <-t1Acquired

	d.Create("t2", 20, func(self *sched.Thread) {
		l2.Acquire(self)
		t2Acquired <- self
		l1.Acquire(self)
		l1.Release(self)
		l2.Release(self)
	})
	t2 := <-t2Acquired

	d.Create("t3", 30, func(self *sched.Thread) {
		l2.Acquire(self)
		l2.Release(self)
		t3done <- self
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (t1.EffectivePriority() < 30 || t2.EffectivePriority() < 30) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 30, t2.EffectivePriority(), "t3's priority should reach t2 directly")
	require.Equal(t, 30, t1.EffectivePriority(), "t3's priority should reach t1 through t2's wait on L1")

	close(releaseT1)
	t3 := <-t3done
	require.Equal(t, 10, t1.EffectivePriority())
	require.Equal(t, 20, t2.EffectivePriority())
	require.Equal(t, 30, t3.EffectivePriority())
}

func TestLockRecursiveAcquirePanics(t *testing.T) {
	d := sched.New()
	lock := NewLock(d)
	done := make(chan struct{})
	d.Create("t", 10, func(self *sched.Thread) {
		defer close(done)
		lock.Acquire(self)
		require.Panics(t, func() { lock.Acquire(self) })
		lock.Release(self)
	})
	<-done
}

func TestCondSignalWakesHighestPriorityWaiter(t *testing.T) {
	d := sched.New()
	lock := NewLock(d)
	cond := NewCond(d)
	var order []string
	recordedAll := make(chan struct{})

	d.Create("low", 10, func(self *sched.Thread) {
		lock.Acquire(self)
		cond.Wait(self, lock)
		order = append(order, "low")
		lock.Release(self)
		if len(order) == 2 {
			close(recordedAll)
		}
	})
	d.Create("high", 20, func(self *sched.Thread) {
		lock.Acquire(self)
		cond.Wait(self, lock)
		order = append(order, "high")
		lock.Release(self)
		if len(order) == 2 {
			close(recordedAll)
		}
	})

	time.Sleep(50 * time.Millisecond)
	d.Create("signaler", 30, func(self *sched.Thread) {
		lock.Acquire(self)
		cond.Signal(self, lock)
		cond.Signal(self, lock)
		lock.Release(self)
	})

	select {
	case <-recordedAll:
	case <-time.After(time.Second):
		t.Fatal("both waiters never woke")
	}
	require.Equal(t, []string{"high", "low"}, order)
}
