package vmm

import (
	"bincows/kernel/errno"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is indirected so tests can observe TLB flush calls.
	flushTLBEntryFn = flushTLBEntry

	errNoHugePageSupport = errno.New(errno.EINVAL, "vmm", "huge pages are not supported")

	// ErrInvalidMapping is returned when an operation targets a virtual
	// address that has no active mapping.
	ErrInvalidMapping = errno.New(errno.EFAULT, "vmm", "virtual address is not mapped")

	// errAlreadyMapped is panicked by Map when the target PTE is already
	// present: mapping over a present PTE is a programming error, not a
	// recoverable condition. This tree always panics rather than carrying a
	// separate release build that leaves it undefined.
	errAlreadyMapped = errno.New(errno.EINVAL, "vmm", "target page table entry is already present")
)

// FrameAllocatorFn allocates a single physical frame, panicking if none
// remain (kernel/mem/pmm.Allocator.AllocSingle never returns a recoverable
// OOM error — mapping failure due to OOM is fatal, so every caller in
// this package inherits that panic instead of translating it into an
// error).
type FrameAllocatorFn func() pmm.Frame

func zeroFrameContents(f pmm.Frame) {
	mem.Memset(uintptr(f.KernelAddr()), 0, mem.PageSize)
}

// Map establishes a mapping between a virtual page and a physical memory
// frame inside the page table tree rooted at root. Missing intermediate
// tables are allocated on demand via allocFn. Panics if the target leaf
// PTE is already present — re-mapping a live page is a programming error,
// not a recoverable condition.
func Map(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) error {
	return walk(root, page.Address(), allocFn, func(level int, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}

		if pte.HasFlags(FlagPresent) {
			panic(errAlreadyMapped)
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | flags)
		flushTLBEntryFn(page.Address())
		return true
	})
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to the fixed virtual scratch address inside the page table tree rooted at
// root. The caller must have released any
// prior occupant (Unmap) before calling again — Map panics on a still
// -present entry rather than silently overwriting it.
func MapTemporary(root pmm.Frame, frame pmm.Frame, allocFn FrameAllocatorFn) (Page, error) {
	if err := Map(root, PageFromAddress(tempMappingAddr), frame, FlagRW, allocFn); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via Map or MapTemporary from
// the page table tree rooted at root.
func Unmap(root pmm.Frame, page Page) error {
	var notMapped bool

	err := walk(root, page.Address(), nil, func(level int, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			notMapped = true
			return false
		}

		pte.ClearFlags(FlagPresent)
		flushTLBEntryFn(page.Address())
		return true
	})

	if err != nil {
		return err
	}
	if notMapped {
		return ErrInvalidMapping
	}
	return nil
}
