// Package shm implements kernel-managed shared memory objects: named,
// reference-counted regions of physical memory that independent processes
// can open and map into their own address spaces.
package shm

import (
	"github.com/google/uuid"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	ksync "bincows/kernel/sync"
)

// MaxSize is the largest byte size an object may grow to: a single
// 1 GiB-aligned region.
const MaxSize = mem.Gb

// ID identifies an shm object for as long as it exists.
type ID = uuid.UUID

// FrameAllocFunc allocates a single physical frame, panicking if none
// remain (kernel/mem/pmm.Allocator.AllocSingle never returns a recoverable
// OOM error).
type FrameAllocFunc func() pmm.Frame

// FrameFreeFunc releases a single physical frame previously returned by a
// FrameAllocFunc.
type FrameFreeFunc func(pmm.Frame) error

// object is the shm struct: {id, refcount, pd_paddr, size}. pd_paddr
// becomes frames, the ordered list of committed physical frames backing the
// object. kernel/mem/vmm already establishes that a page-table subtree is
// unnecessary scaffolding when pmm.Frame.KernelAddr gives direct access to
// every frame; shm continues that simplification instead of building a
// private PD/PT tree purely to hold what is, underneath, just a frame list.
// MapInto is what actually projects those frames into a consumer's real
// page table, using vmm.Map exactly as a PD walk would.
type object struct {
	id       ID
	refCount int
	size     mem.Size
	frames   []pmm.Frame
	borrowed bool // true for CreateFrom: frames are not owned, never freed
}

// Instance is the process-local handle returned by Create/Open: {target}.
type Instance struct {
	Target ID
}

// Table is the global shm table. One fast spinlock guards every object's
// metadata, with interrupts disabled around insert/remove — callers
// running with interrupts enabled
// are responsible for disabling them before touching a context where that
// matters, the same contract kernel/mem/pmm.Allocator assumes of its own
// lock.
type Table struct {
	lock    ksync.Spinlock
	objects map[ID]*object
	allocFn FrameAllocFunc
	freeFn  FrameFreeFunc
}

var (
	errTooLarge  = errno.New(errno.EINVAL, "shm", "size exceeds MaxSize")
	errZeroSize  = errno.New(errno.EINVAL, "shm", "size must be non-zero")
	errNotFound  = errno.New(errno.ENOENT, "shm", "no such shm id")
	errOverLimit = errno.New(errno.ENOMEM, "shm", "truncate exceeds MaxSize")
)

// NewTable creates an empty shm table backed by allocFn/freeFn for frame
// commit/release.
func NewTable(allocFn FrameAllocFunc, freeFn FrameFreeFunc) *Table {
	return &Table{
		objects: make(map[ID]*object),
		allocFn: allocFn,
		freeFn:  freeFn,
	}
}

// Create allocates and zeroes a fresh shm object of the given byte size.
func (t *Table) Create(size mem.Size) (*Instance, error) {
	if size == 0 {
		return nil, errZeroSize
	}
	if size > MaxSize {
		return nil, errTooLarge
	}

	frames := t.commit(size.Pages())

	obj := &object{id: uuid.New(), refCount: 1, size: size, frames: frames}

	t.lock.Acquire()
	t.objects[obj.id] = obj
	t.lock.Release()

	klog.Module("shm").WithField("id", obj.id).WithField("size", uint64(size)).Debug("shm created")
	return &Instance{Target: obj.id}, nil
}

// CreateFrom registers an shm object backed by an already-mapped,
// physically contiguous range starting at base, used to share MMIO or
// higher-half kernel memory. The
// frames are borrowed: Close never frees them.
func (t *Table) CreateFrom(size mem.Size, base pmm.Frame) (*Instance, error) {
	if size == 0 {
		return nil, errZeroSize
	}
	if size > MaxSize {
		return nil, errTooLarge
	}

	n := size.Pages()
	frames := make([]pmm.Frame, n)
	for i := uint32(0); i < n; i++ {
		frames[i] = base + pmm.Frame(i)
	}

	obj := &object{id: uuid.New(), refCount: 1, size: size, frames: frames, borrowed: true}

	t.lock.Acquire()
	t.objects[obj.id] = obj
	t.lock.Release()

	klog.Module("shm").WithField("id", obj.id).WithField("base", base).Debug("shm created from existing range")
	return &Instance{Target: obj.id}, nil
}

// commit reserves n fresh physical frames. Frame exhaustion panics rather
// than returning an error, so there is no partial commit left to
// unwind.
func (t *Table) commit(n uint32) []pmm.Frame {
	frames := make([]pmm.Frame, 0, n)
	for i := uint32(0); i < n; i++ {
		frames = append(frames, t.allocFn())
	}
	return frames
}

func (t *Table) release(frames []pmm.Frame) {
	for _, f := range frames {
		_ = t.freeFn(f)
	}
}

// Open increments id's reference count and returns a fresh instance
// handle for it.
func (t *Table) Open(id ID) (*Instance, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	obj, ok := t.objects[id]
	if !ok {
		return nil, errNotFound
	}
	obj.refCount++
	return &Instance{Target: id}, nil
}

// Close decrements the instance's target refcount, destroying the object
// and freeing its frames (unless borrowed) once the count reaches zero.
func (t *Table) Close(inst *Instance) error {
	t.lock.Acquire()

	obj, ok := t.objects[inst.Target]
	if !ok {
		t.lock.Release()
		return errNotFound
	}

	obj.refCount--
	destroy := obj.refCount <= 0
	if destroy {
		delete(t.objects, obj.id)
	}
	t.lock.Release()

	if destroy && !obj.borrowed {
		t.release(obj.frames)
		klog.Module("shm").WithField("id", obj.id).Debug("shm destroyed")
	}
	return nil
}

// Truncate resizes id's object to newSize, committing additional frames or
// releasing trailing ones as needed.
func (t *Table) Truncate(id ID, newSize mem.Size) error {
	if newSize == 0 {
		return errZeroSize
	}
	if newSize > MaxSize {
		return errOverLimit
	}

	t.lock.Acquire()
	defer t.lock.Release()

	obj, ok := t.objects[id]
	if !ok {
		return errNotFound
	}
	if obj.borrowed {
		return errno.New(errno.EINVAL, "shm", "cannot truncate a borrowed shm")
	}

	wantFrames := newSize.Pages()
	haveFrames := uint32(len(obj.frames))

	switch {
	case wantFrames > haveFrames:
		extra := t.commit(wantFrames - haveFrames)
		obj.frames = append(obj.frames, extra...)
	case wantFrames < haveFrames:
		trailing := obj.frames[wantFrames:]
		obj.frames = obj.frames[:wantFrames]
		t.release(trailing)
	}

	obj.size = newSize
	return nil
}

// Size returns id's current byte size.
func (t *Table) Size(id ID) (mem.Size, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	obj, ok := t.objects[id]
	if !ok {
		return 0, errNotFound
	}
	return obj.size, nil
}

// MapInto projects id's committed frames into the page table tree rooted at
// root, one page per frame starting at vaddr, so a process can actually use
// an opened shm instance. This is how the MEMFS read path turns an
// opened shm into the mapped vaddr it returns to the caller.
func (t *Table) MapInto(root pmm.Frame, id ID, vaddr uintptr, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) error {
	t.lock.Acquire()
	obj, ok := t.objects[id]
	if !ok {
		t.lock.Release()
		return errNotFound
	}
	frames := append([]pmm.Frame(nil), obj.frames...)
	t.lock.Release()

	for i, frame := range frames {
		page := vmm.PageFromAddress(vaddr + uintptr(i)*uintptr(mem.PageSize))
		if err := vmm.Map(root, page, frame, flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}
