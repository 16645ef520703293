package vmm

import (
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

var (
	// switchPDTFn is indirected for tests.
	switchPDTFn = switchPDT

	// mapFn, unmapFn, mapTemporaryFn, translateFn are indirected for
	// tests and are automatically inlined by the compiler otherwise.
	mapFn          = Map
	unmapFn        = Unmap
	mapTemporaryFn = MapTemporary
	translateFn    = Translate
)

// PageDirectoryTable is the root of a 4-level page table tree. A recursive
// self-mapping scheme lets code running under a CR3-backed MMU
// reach any page table through a fixed virtual address; this simulation has
// no MMU to exploit, since every physical frame is already reachable from Go
// through pmm.Frame.KernelAddr. A PageDirectoryTable therefore only needs to
// remember its own root frame.
type PageDirectoryTable struct {
	rootFrame pmm.Frame
}

// Init sets up a fresh, zeroed page directory table rooted at rootFrame.
func (pdt *PageDirectoryTable) Init(rootFrame pmm.Frame) {
	pdt.rootFrame = rootFrame
	mem.Memset(uintptr(rootFrame.KernelAddr()), 0, mem.PageSize)
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT, whether or not it is the currently active one.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) error {
	return mapFn(pdt.rootFrame, page, frame, flags, allocFn)
}

// Unmap removes a mapping previously installed via a call to Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) error {
	return unmapFn(pdt.rootFrame, page)
}

// MapTemporary establishes a temporary RW mapping of frame inside this PDT.
func (pdt PageDirectoryTable) MapTemporary(frame pmm.Frame, allocFn FrameAllocatorFn) (Page, error) {
	return mapTemporaryFn(pdt.rootFrame, frame, allocFn)
}

// Translate resolves virtAddr to a physical address using this PDT.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, error) {
	return translateFn(pdt.rootFrame, virtAddr)
}

// Activate installs this table as the one consulted by the page fault
// handler and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.rootFrame.Address())
}
