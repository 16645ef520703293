package vmm

import "bincows/kernel/mem/pmm"

// kernelHalfIndex is the PML4 index at which the canonical higher half
// (0xFFFF_8000_0000_0000 and up) begins. Every address space shares the
// entries above this index verbatim, so kernel mappings persist across
// address-space switches.
const kernelHalfIndex = entriesPerTable / 2

// NewAddressSpace allocates a fresh PML4 frame and copies kernelRoot's
// top-half entries into it, leaving the user (bottom) half zeroed.
// The copy is a snapshot, not a live share: on
// real hardware the underlying PDPT/PD/PT frames below each shared PML4
// entry are the same physical tables, so writes through one address space's
// kernel half are visible from every other one without any further
// propagation, which is the only aliasing actually required.
func NewAddressSpace(kernelRoot pmm.Frame, allocFn FrameAllocatorFn) pmm.Frame {
	root := allocFn()
	zeroFrameContents(root)

	kernelTable := tableAt(kernelRoot)
	userTable := tableAt(root)
	for i := kernelHalfIndex; i < entriesPerTable; i++ {
		userTable[i] = kernelTable[i]
	}

	return root
}

// AddressSpaceOf wraps an already-initialized PML4 frame (e.g. one built by
// NewAddressSpace) as a PageDirectoryTable, without PageDirectoryTable.Init's
// zeroing side effect.
func AddressSpaceOf(root pmm.Frame) PageDirectoryTable {
	return PageDirectoryTable{rootFrame: root}
}
