package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bincows/kernel/mem"
)

func newTestHeap(t *testing.T, capacity, minExpand mem.Size) *Heap {
	t.Helper()
	return New(capacity, minExpand, nil)
}

func TestNewCommitsMinExpand(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 256)
	require.Equal(t, segHeaderSize+mem.Size(256), h.Committed())
	require.Equal(t, mem.Size(256)-segHeaderSize, h.FreeBytes())
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 512)

	off := h.Malloc(64)

	b := h.Bytes(off)
	require.GreaterOrEqual(t, len(b), 64)
	copy(b, []byte("hello heap"))
	require.Equal(t, "hello heap", string(h.Bytes(off)[:10]))

	h.Free(off)
}

func TestMallocReturnsDistinctNonOverlappingBlocks(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 1024)

	off1 := h.Malloc(32)
	off2 := h.Malloc(32)
	require.NotEqual(t, off1, off2)

	copy(h.Bytes(off1), []byte("first"))
	copy(h.Bytes(off2), []byte("second"))
	require.Equal(t, "first", string(h.Bytes(off1)[:5]))
	require.Equal(t, "second", string(h.Bytes(off2)[:6]))
}

func TestFreeThenReallocReusesSpace(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 1024)
	before := h.Committed()

	off := h.Malloc(64)
	h.Free(off)

	h.Malloc(64)
	require.Equal(t, before, h.Committed())
}

func TestDoubleFreePanics(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 512)

	off := h.Malloc(64)

	h.Free(off)
	require.PanicsWithValue(t, errDoubleFree, func() { h.Free(off) })
}

func TestMallocExpandsWhenExhausted(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 64)
	before := h.Committed()

	off := h.Malloc(256)
	require.NotZero(t, off)
	require.Greater(t, h.Committed(), before)
}

// TestMallocPanicsWhenCapacityExhausted: once the heap's fixed
// virtual-address ceiling is reached, growLocked panics rather than
// returning a recoverable error.
func TestMallocPanicsWhenCapacityExhausted(t *testing.T) {
	h := newTestHeap(t, 128, 64)

	require.PanicsWithValue(t, errOutOfMemory, func() { h.Malloc(1024) })
}

// TestExpandFuncPanicPropagates documents that a real expandFn (e.g. one
// wired to vmm.AllocPages, whose own frame source now panics on exhaustion
// per kernel/mem/pmm.Allocator) is expected to panic instead of returning
// an error; growLocked does not recover it, so it surfaces straight out of
// New.
func TestExpandFuncPanicPropagates(t *testing.T) {
	wantPanic := "no frames left"
	require.PanicsWithValue(t, wantPanic, func() {
		New(4*mem.Kb, 64, func(mem.Size) { panic(wantPanic) })
	})
}

func TestRellocGrowInPlaceWhenFollowedByFreeSpace(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 1024)

	off := h.Malloc(32)
	copy(h.Bytes(off), []byte("payload"))

	grown := h.Realloc(off, 128)
	require.Equal(t, "payload", string(h.Bytes(grown)[:7]))
}

func TestReallocShrinkKeepsOffset(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 1024)

	off := h.Malloc(256)
	copy(h.Bytes(off), []byte("shrink me"))

	shrunk := h.Realloc(off, 32)
	require.Equal(t, off, shrunk)
	require.Equal(t, "shrink me", string(h.Bytes(shrunk)[:9]))
}

func TestReallocMovesWhenNoRoomToGrow(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 1024)

	off := h.Malloc(64)
	blocker := h.Malloc(64)
	_ = blocker

	copy(h.Bytes(off), []byte("movable"))
	moved := h.Realloc(off, 512)
	require.Equal(t, "movable", string(h.Bytes(moved)[:7]))
}

func TestDefragmentMergesAdjacentFreeSegments(t *testing.T) {
	h := newTestHeap(t, 16*mem.Kb, 2*mem.Kb)

	var offs []mem.Size
	for i := 0; i < 33; i++ {
		offs = append(offs, h.Malloc(32))
	}

	for _, off := range offs {
		h.Free(off)
	}

	h.lock.Acquire()
	runs := 0
	for off := h.headOff; off != 0; {
		s := h.segAt(off)
		runs++
		off = s.next
	}
	h.lock.Release()
	require.Less(t, runs, len(offs))
}

func TestFreeBytesAccountsForCommittedSpace(t *testing.T) {
	h := newTestHeap(t, 4*mem.Kb, 512)
	free := h.FreeBytes()
	require.Equal(t, mem.Size(512)-segHeaderSize, free)

	off := h.Malloc(64)
	require.Less(t, h.FreeBytes(), free)

	h.Free(off)
	require.Equal(t, free, h.FreeBytes())
}
