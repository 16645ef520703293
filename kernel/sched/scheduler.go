package sched

import (
	"sort"
	"sync"

	"bincows/kernel/klog"
	ksync "bincows/kernel/sync"
)

// sleepEntry is one row of the sorted sleep list: a thread waiting for a
// deadline, ascending by that deadline.
type sleepEntry struct {
	thread   *Thread
	deadline uint64
}

// Scheduler owns every ready queue, the sleep list, and the monotonic
// clock. readyLock and sleepLock are two of the
// fixed-order lock set (sched sits logically between proc and vfile in the
// PMM -> VMM -> heap -> process -> vfile -> vfs-cache chain, so a caller
// already holding the process lock may take either of these, but never the
// reverse).
type Scheduler struct {
	readyLock ksync.Spinlock
	queues    [][]*Thread // queues[0] is highest priority

	sleepLock ksync.Spinlock
	sleeping  []sleepEntry

	clockLock sync.Mutex
	clockNs   uint64

	idleMu   sync.Mutex
	idleCond *sync.Cond
}

// New creates a scheduler with the given number of priority levels.
func New(levels int) *Scheduler {
	if levels < 1 {
		levels = 1
	}
	s := &Scheduler{queues: make([][]*Thread, levels)}
	s.idleCond = sync.NewCond(&s.idleMu)
	return s
}

// clampPriority keeps a requested level inside [0, len(queues)-1].
func (s *Scheduler) clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= len(s.queues) {
		return len(s.queues) - 1
	}
	return p
}

// PushReady marks t READY and enqueues it on its priority's run queue,
// matching sched_launch_thread/sched_push_ready_thread.
func (s *Scheduler) PushReady(t *Thread) {
	t.State = Ready
	level := s.clampPriority(t.priority)

	s.readyLock.Acquire()
	s.queues[level] = append(s.queues[level], t)
	metricReadyThreads.Set(float64(s.readyDepthLocked()))
	s.readyLock.Release()

	s.wakeIdle()
}

// ChooseNext pops the head of the highest non-empty queue, then promotes
// one waiting thread from every lower queue up a level so a busy
// high-priority queue never starves the rest.
func (s *Scheduler) ChooseNext() *Thread {
	s.readyLock.Acquire()
	defer s.readyLock.Release()

	var next *Thread
	poppedFrom := -1
	for i, q := range s.queues {
		if len(q) > 0 {
			next = q[0]
			s.queues[i] = q[1:]
			poppedFrom = i
			break
		}
	}
	if poppedFrom < 0 {
		return nil
	}

	for i := poppedFrom + 1; i < len(s.queues); i++ {
		if len(s.queues[i]) == 0 {
			continue
		}
		promoted := s.queues[i][0]
		s.queues[i] = s.queues[i][1:]
		s.queues[i-1] = append(s.queues[i-1], promoted)
	}

	next.State = Running
	metricReadyThreads.Set(float64(s.readyDepthLocked()))
	return next
}

// Yield marks the current thread READY again and re-enqueues it at its
// priority level, the ready-queue-manipulation half of YIELD_IRQ.
func (s *Scheduler) Yield(t *Thread) {
	s.PushReady(t)
}

// Block marks t BLOCKED and waits for a wake, returning 0 for an ordinary
// Unblock and 1 if a signal was armed instead.
// Callers must have already removed t from every ready queue
// (ChooseNext already does, since a thread only blocks while RUNNING).
func (s *Scheduler) Block(t *Thread) int {
	t.State = Blocked
	reason := <-t.wake
	if reason == WokeSignal {
		return 1
	}
	return 0
}

// unblockWith marks t READY, pushes it back onto its run queue, and
// delivers reason to whichever Block call is (or will be) waiting. The
// channel is buffered, so an Unblock that arrives before the matching Block
// call is still observed instead of being lost.
func (s *Scheduler) unblockWith(t *Thread, reason WakeReason) {
	select {
	case t.wake <- reason:
	default:
		// Already has an undelivered wake queued; a second one would
		// only be consumed by a future, unrelated Block call, so it is
		// dropped rather than blocking the caller.
	}
	s.PushReady(t)
}

// Unblock wakes a blocked thread via an explicit sched_unblock call.
func (s *Scheduler) Unblock(t *Thread) {
	s.unblockWith(t, WokeUnblocked)
}

// UnblockForSignal wakes a blocked thread because a signal armed while it
// was in a cancellable blocking call, so Block returns non-zero and the
// caller's syscall can return early.
func (s *Scheduler) UnblockForSignal(t *Thread) {
	s.unblockWith(t, WokeSignal)
}

// Now returns the scheduler's monotonic nanosecond clock.
func (s *Scheduler) Now() uint64 {
	s.clockLock.Lock()
	defer s.clockLock.Unlock()
	return s.clockNs
}

// Sleep blocks the current thread for ns nanoseconds or until a signal
// arms, returning the same 0/1 indication as Block. The thread is
// registered on the sorted sleep list; Tick drains entries whose deadline
// has passed.
func (s *Scheduler) Sleep(t *Thread, ns uint64) int {
	deadline := s.Now() + ns

	s.sleepLock.Acquire()
	idx := sort.Search(len(s.sleeping), func(i int) bool { return s.sleeping[i].deadline >= deadline })
	s.sleeping = append(s.sleeping, sleepEntry{})
	copy(s.sleeping[idx+1:], s.sleeping[idx:])
	s.sleeping[idx] = sleepEntry{thread: t, deadline: deadline}
	s.sleepLock.Release()

	woken := s.Block(t)

	// If woken by a signal before the deadline, drop the stale sleep-list
	// entry so it isn't unblocked a second time once its deadline passes.
	if woken != 0 {
		s.sleepLock.Acquire()
		for i, e := range s.sleeping {
			if e.thread == t {
				s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
				break
			}
		}
		s.sleepLock.Release()
	}
	return woken
}

// Tick advances the monotonic clock by deltaNs and unblocks every thread
// whose sleep deadline has now passed; the sorted sleep list is consulted
// once per tick.
func (s *Scheduler) Tick(deltaNs uint64) {
	s.clockLock.Lock()
	s.clockNs += deltaNs
	now := s.clockNs
	s.clockLock.Unlock()

	s.sleepLock.Acquire()
	cut := 0
	for cut < len(s.sleeping) && s.sleeping[cut].deadline <= now {
		cut++
	}
	due := append([]sleepEntry(nil), s.sleeping[:cut]...)
	s.sleeping = s.sleeping[cut:]
	s.sleepLock.Release()

	if len(due) > 0 {
		klog.Module("sched").WithField("count", len(due)).Debug("sleep deadlines elapsed")
	}
	for _, e := range due {
		s.Unblock(e.thread)
	}
}

// wakeIdle wakes a CPU parked in IdleWait, matching "the kernel 'process'
// halts on hlt, wakeable by any IRQ."
func (s *Scheduler) wakeIdle() {
	s.idleMu.Lock()
	s.idleCond.Broadcast()
	s.idleMu.Unlock()
}

// IdleWait parks the calling goroutine (standing in for a CPU's idle loop)
// until some thread becomes ready, the Go-native substitute for `hlt`
// waiting on the next IRQ.
func (s *Scheduler) IdleWait() {
	s.idleMu.Lock()
	s.idleCond.Wait()
	s.idleMu.Unlock()
}

// ReadyCount reports the number of runnable threads across every priority
// level, exposed for metrics and tests.
func (s *Scheduler) ReadyCount() int {
	s.readyLock.Acquire()
	defer s.readyLock.Release()
	return s.readyDepthLocked()
}

func (s *Scheduler) readyDepthLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
