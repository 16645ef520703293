package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestThread(pid, tid, priority int) *Thread {
	return NewThread(pid, tid, priority, Stack{Base: 0x1000, Size: 0x4000}, Stack{Base: 0x7000, Size: 0x4000})
}

func TestChooseNextHighestPriorityFirst(t *testing.T) {
	s := New(4)
	low := newTestThread(1, 1, 3)
	high := newTestThread(2, 1, 0)

	s.PushReady(low)
	s.PushReady(high)

	next := s.ChooseNext()
	require.Same(t, high, next)
	require.Equal(t, Running, next.State)
}

func TestChooseNextPromotesLowerQueues(t *testing.T) {
	s := New(4)
	level3 := newTestThread(1, 1, 3)
	level2 := newTestThread(2, 1, 2)
	level0 := newTestThread(3, 1, 0)

	s.PushReady(level3)
	s.PushReady(level2)
	s.PushReady(level0)

	first := s.ChooseNext()
	require.Same(t, level0, first)

	// level2's entry should have been promoted to level1, level3's to
	// level2; popping again must return the promoted level2 thread before
	// level3's.
	second := s.ChooseNext()
	require.Same(t, level2, second)
}

func TestChooseNextEmpty(t *testing.T) {
	s := New(4)
	require.Nil(t, s.ChooseNext())
}

func TestBlockUnblockOrdering(t *testing.T) {
	s := New(4)
	th := newTestThread(1, 1, 0)

	// Unblock racing ahead of Block must still be observed, not just
	// lost because nobody was listening yet.
	s.Unblock(th)
	require.Equal(t, 0, s.Block(th))
}

func TestBlockWokenBySignal(t *testing.T) {
	s := New(4)
	th := newTestThread(1, 1, 0)

	done := make(chan int, 1)
	go func() { done <- s.Block(th) }()

	require.Eventually(t, func() bool { return th.State == Blocked }, time.Second, time.Millisecond)
	s.UnblockForSignal(th)

	require.Equal(t, 1, <-done)
}

func TestSleepWakesOnDeadline(t *testing.T) {
	s := New(4)
	th := newTestThread(1, 1, 0)

	done := make(chan int, 1)
	go func() { done <- s.Sleep(th, 1000) }()

	require.Eventually(t, func() bool { return th.State == Blocked }, time.Second, time.Millisecond)

	s.Tick(500)
	select {
	case <-done:
		t.Fatal("woke before deadline")
	case <-time.After(20 * time.Millisecond):
	}

	s.Tick(600)
	require.Equal(t, 0, <-done)
}

func TestSleepInterruptedBySignalDropsEntry(t *testing.T) {
	s := New(4)
	th := newTestThread(1, 1, 0)

	done := make(chan int, 1)
	go func() { done <- s.Sleep(th, 1_000_000_000) }()

	require.Eventually(t, func() bool { return th.State == Blocked }, time.Second, time.Millisecond)
	s.UnblockForSignal(th)
	require.Equal(t, 1, <-done)

	s.sleepLock.Acquire()
	n := len(s.sleeping)
	s.sleepLock.Release()
	require.Zero(t, n)
}

func TestIdleWaitWakesOnPushReady(t *testing.T) {
	s := New(4)

	woke := make(chan struct{})
	go func() {
		s.IdleWait()
		close(woke)
	}()

	require.Eventually(t, func() bool {
		s.idleMu.Lock()
		defer s.idleMu.Unlock()
		return true
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond) // let IdleWait reach Cond.Wait

	s.PushReady(newTestThread(1, 1, 0))

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("idle wait did not wake")
	}
}
