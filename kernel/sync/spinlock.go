// Package sync provides synchronization primitive implementations used by
// the core kernel subsystems. Spinlock exposes an
// Acquire/TryToAcquire/Release surface with busy-wait semantics; the
// arch-specific acquire loop (assembly on a real CPU, linked
// in via archAcquireSpinlock) is replaced by a plain atomic CAS spin, since
// the core subsystems run as ordinary (if still allocator-sensitive) Go
// code past kernel/goruntime.Init.
package sync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. A
// caller must disable interrupts before acquiring one of these and hold at
// most one at a time (PMM -> VMM -> heap -> process -> vfile -> vfs-cache
// ordering).
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Re-acquiring a lock already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// busy-wait; a real CPU would pause here. There is no
		// scheduler yield inside a spinlock critical section by
		// design (see kernel/sched.Block's uninterruptible rule).
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
