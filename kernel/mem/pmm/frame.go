// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"bincows/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)

	// RegionSize is the maximum size of a single memory region (MR) owned
	// by the allocator. Regions track their free space using a 4-level
	// bitmap (4, 16, 32 and 64 KiB granularities).
	RegionSize = 64 * mem.Mb

	// FramesPerRegion is the number of 4 KiB frames in a fully-sized region.
	FramesPerRegion = uint32(RegionSize / mem.PageSize)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// IsValid is an alias for Valid kept for call-sites that still spell it out
// in full.
func (f Frame) IsValid() bool {
	return f.Valid()
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the containing page if addr is not aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
