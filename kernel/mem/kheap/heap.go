// Package kheap implements the kernel's own bump-top segment allocator,
// the allocator the rest of the kernel uses once the Go runtime's own
// allocator has been wired onto it by kernel/goruntime.
package kheap

import (
	"unsafe"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	ksync "bincows/kernel/sync"
)

const (
	minSegmentPayload = mem.Size(32)
	alignment         = mem.Size(8)
)

// segment is the intrusive header prefixing every heap block. The chain
// runs top-down in address space: headOff names the topmost (highest
// address) segment and every segment's next points strictly lower.
type segment struct {
	next mem.Size // byte offset of the next (lower-address) segment, 0 if none
	size mem.Size // payload size, not counting this header
	free bool
}

var segHeaderSize = mem.Size(unsafe.Sizeof(segment{}))

// ExpandFunc grows the heap's backing store by additional bytes. It is
// supplied by the caller (typically a closure over vmm.AllocPages) so the
// allocator itself stays independent of any particular frame source.
// expandFn is expected to panic rather than return when it cannot find
// more physical frames — the same contract kernel/mem/pmm.Allocator's own
// Alloc/AllocSingle enforce, so a real wiring need not translate
// anything.
type ExpandFunc func(additional mem.Size)

// Heap is a single kernel heap instance. The zero value is not usable; call
// New.
type Heap struct {
	lock ksync.Spinlock

	arena     []byte
	committed mem.Size
	headOff   mem.Size

	minExpand mem.Size
	expand    ExpandFunc

	freesSinceDefrag int
}

var errDoubleFree = errno.New(errno.EINVAL, "kheap", "double free detected")

// errOutOfMemory is the value panicked with when the heap's fixed
// virtual-address ceiling (capacity) is reached or expandFn cannot supply
// more frames; heap OOM is fatal.
var errOutOfMemory = errno.New(errno.ENOMEM, "kheap", "heap expansion failed")

// New creates a heap with capacity bytes of address space reserved up
// front (mirroring a fixed virtual heap region) and minExpand bytes
// committed to start with via expandFn. capacity bounds how far the heap
// can grow; minExpand is the smallest increment requested from expandFn on
// each expansion. Panics if that initial commit cannot be satisfied.
func New(capacity, minExpand mem.Size, expandFn ExpandFunc) *Heap {
	h := &Heap{
		// committed starts at segHeaderSize rather than 0 so that offset 0
		// is never a real segment's address, leaving it free to mean
		// "no next segment" in segment.next without ambiguity.
		arena:     make([]byte, capacity+segHeaderSize),
		committed: segHeaderSize,
		minExpand: minExpand,
		expand:    expandFn,
	}

	h.growLocked(minExpand)
	return h
}

func roundUp(size, to mem.Size) mem.Size {
	return (size + to - 1) &^ (to - 1)
}

func requestSize(size mem.Size) mem.Size {
	size = roundUp(size, alignment)
	if size < minSegmentPayload {
		size = minSegmentPayload
	}
	return size
}

func (h *Heap) segAt(off mem.Size) *segment {
	return (*segment)(unsafe.Pointer(&h.arena[off]))
}

func (h *Heap) payload(off mem.Size, size mem.Size) []byte {
	start := off + segHeaderSize
	return h.arena[start : start+size : start+size]
}

// growLocked commits at least requested additional bytes, creating a new
// topmost free segment covering them. Caller must hold h.lock. Panics if
// the heap's fixed capacity is exceeded or expandFn cannot supply the
// frames — the same fatal treatment kernel/mem/pmm.Allocator gives its
// own exhaustion.
func (h *Heap) growLocked(requested mem.Size) {
	grow := requested
	if grow < h.minExpand {
		grow = h.minExpand
	}
	if h.committed+grow > mem.Size(len(h.arena)) {
		panic(errOutOfMemory)
	}
	if h.expand != nil {
		h.expand(grow)
	}

	newSeg := h.committed
	h.committed += grow

	s := h.segAt(newSeg)
	s.next = h.headOff
	s.size = grow - segHeaderSize
	s.free = true

	h.headOff = newSeg

	klog.Module("kheap").WithField("bytes", grow).Debug("heap expanded")
	h.updateMetricsLocked()
}

// Malloc reserves at least size bytes and returns the offset of the
// payload's first byte within the heap's arena (callers translate this to
// a real pointer via Bytes). Panics, via growLocked, if the heap cannot be
// expanded to satisfy the request.
func (h *Heap) Malloc(size mem.Size) mem.Size {
	want := requestSize(size)

	h.lock.Acquire()
	defer h.lock.Release()

	for {
		if off, ok := h.findFitLocked(want); ok {
			return off
		}
		h.growLocked(want + segHeaderSize)
	}
}

func (h *Heap) findFitLocked(want mem.Size) (mem.Size, bool) {
	for off := h.headOff; off != 0; {
		s := h.segAt(off)
		if s.free && s.size >= want {
			h.splitLocked(off, want)
			s.free = false
			h.updateMetricsLocked()
			return off + segHeaderSize, true
		}
		off = s.next
	}
	return 0, false
}

// splitLocked carves a trailing free segment out of the segment at off if
// the remainder is large enough to be useful on its own.
func (h *Heap) splitLocked(off mem.Size, want mem.Size) {
	s := h.segAt(off)
	remaining := s.size - want
	if remaining < segHeaderSize+minSegmentPayload {
		return
	}

	tailOff := off + segHeaderSize + want
	tail := h.segAt(tailOff)
	tail.next = s.next
	tail.size = remaining - segHeaderSize
	tail.free = true

	s.size = want
	s.next = tailOff

	if h.headOff == off {
		h.headOff = tailOff
	}
}

// Free releases the block starting at payload offset off. Freeing an
// already-free offset is a double free: unrecoverable heap corruption,
// and it panics.
func (h *Heap) Free(off mem.Size) {
	h.lock.Acquire()
	defer h.lock.Release()

	s := h.segAt(off - segHeaderSize)
	if s.free {
		panic(errDoubleFree)
	}
	s.free = true

	h.freesSinceDefrag++
	if h.freesSinceDefrag >= 32 {
		h.defragmentLocked()
		h.freesSinceDefrag = 0
	}
	h.updateMetricsLocked()
}

// defragmentLocked merges adjacent free segments in list order.
func (h *Heap) defragmentLocked() {
	off := h.headOff
	for off != 0 {
		s := h.segAt(off)
		if s.free && s.next != 0 {
			next := h.segAt(s.next)
			if next.free {
				s.size += segHeaderSize + next.size
				s.next = next.next
				continue // re-examine off in case of a further merge
			}
		}
		off = s.next
	}
}

// Realloc resizes the block at off to newSize, preserving its contents up
// to the smaller of the old and new sizes. It may return a different
// offset if the block had to move. Panics, via Malloc, if growing requires
// more heap than is available.
func (h *Heap) Realloc(off mem.Size, newSize mem.Size) mem.Size {
	want := requestSize(newSize)

	h.lock.Acquire()
	s := h.segAt(off - segHeaderSize)

	if want <= s.size {
		h.splitLocked(off-segHeaderSize, want)
		h.lock.Release()
		return off
	}

	if s.next != 0 {
		next := h.segAt(s.next)
		if next.free && s.size+segHeaderSize+next.size >= want {
			s.size += segHeaderSize + next.size
			s.next = next.next
			h.splitLocked(off-segHeaderSize, want)
			h.lock.Release()
			return off
		}
	}
	oldSize := s.size
	h.lock.Release()

	newOff := h.Malloc(newSize)
	copy(h.payload(newOff-segHeaderSize, want), h.payload(off-segHeaderSize, oldSize))
	h.Free(off)
	return newOff
}

// Bytes returns a byte slice view over the payload at off, sized for the
// segment's current capacity.
func (h *Heap) Bytes(off mem.Size) []byte {
	s := h.segAt(off - segHeaderSize)
	return h.payload(off-segHeaderSize, s.size)
}

// FreeBytes returns the total number of bytes held by free segments,
// excluding their headers.
func (h *Heap) FreeBytes() mem.Size {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.freeBytesLocked()
}

func (h *Heap) freeBytesLocked() mem.Size {
	var total mem.Size
	off := h.headOff
	for off != 0 {
		s := h.segAt(off)
		if s.free {
			total += s.size
		}
		off = s.next
	}
	return total
}

func (h *Heap) updateMetricsLocked() {
	metricFreeBytes.Set(float64(h.freeBytesLocked()))
	metricCommittedBytes.Set(float64(h.committed))
}

// Committed returns the number of bytes currently backed by real storage.
func (h *Heap) Committed() mem.Size {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.committed
}
