package pmm

import (
	"sync"
	"unsafe"

	"bincows/kernel/mem"
)

// arena backs every physical frame with host memory. On real hardware a
// physical address already denotes a byte of RAM and nothing like this is
// needed. Here it is the concrete stand-in for that RAM, and for the
// hardware translated window that maps it into the kernel's virtual
// address space: instead of OR-ing a high bit into a raw pointer, Frame's
// KernelAddr indexes into this arena, which is the only "physical memory"
// this simulation has. grown is mutex-guarded because AddRegion can run
// before any frame is reserved, i.e. outside the allocator's own spinlock.
var (
	arenaMu sync.Mutex
	arena   []byte
)

// ensureArena grows the arena so that every frame below limit has backing
// storage, zero-filling any newly added bytes.
func ensureArena(limit Frame) {
	arenaMu.Lock()
	defer arenaMu.Unlock()

	need := uintptr(limit) * uintptr(mem.PageSize)
	if uintptr(len(arena)) >= need {
		return
	}
	grown := make([]byte, need)
	copy(grown, arena)
	arena = grown
}

// KernelAddr returns a pointer to this frame's backing bytes in the
// simulated physical-memory arena -- the Go-idiomatic stand-in for
// kernel/mem/vmm.Translate's translated-window lookup.
func (f Frame) KernelAddr() unsafe.Pointer {
	off := uintptr(f) * uintptr(mem.PageSize)
	arenaMu.Lock()
	defer arenaMu.Unlock()
	if off+uintptr(mem.PageSize) > uintptr(len(arena)) {
		return nil
	}
	return unsafe.Pointer(&arena[off])
}

// Bytes returns the frame's backing storage as a byte slice of exactly
// mem.PageSize bytes.
func (f Frame) Bytes() []byte {
	off := uintptr(f) * uintptr(mem.PageSize)
	arenaMu.Lock()
	defer arenaMu.Unlock()
	if off+uintptr(mem.PageSize) > uintptr(len(arena)) {
		return nil
	}
	return arena[off : off+uintptr(mem.PageSize) : off+uintptr(mem.PageSize)]
}

// zeroFrame clears a frame's backing bytes: a freed frame is zeroed
// before re-issue.
func zeroFrame(f Frame) {
	b := f.Bytes()
	for i := range b {
		b[i] = 0
	}
}
