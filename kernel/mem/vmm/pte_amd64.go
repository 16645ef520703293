package vmm

import (
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

// PageTableEntryFlag enumerates the bits recognized by a page table entry.
type PageTableEntryFlag uint64

const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagRW           PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	FlagHugePage     PageTableEntryFlag = 1 << 7
	FlagGlobal       PageTableEntryFlag = 1 << 8
	// FlagCopyOnWrite is a software-only flag (it occupies one of the
	// ignored bits in a real x86 PTE) used by the page fault handler to
	// recognize lazily-shared pages that must be duplicated on write.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9
	FlagNoExecute   PageTableEntryFlag = 1 << 63
)

// frameMask covers the physical frame address bits of a PTE (bits 12-51),
// mirroring the layout of a real x86-64 page table entry.
const frameMask = pageTableEntry(0x000ffffffffff000)

type pageTableEntry uint64

// SetFlags ORs the given flags into the entry.
func (e *pageTableEntry) SetFlags(f PageTableEntryFlag) { *e |= pageTableEntry(f) }

// ClearFlags clears the given flags from the entry.
func (e *pageTableEntry) ClearFlags(f PageTableEntryFlag) { *e &^= pageTableEntry(f) }

// HasFlags returns true if all of the given flags are set.
func (e pageTableEntry) HasFlags(f PageTableEntryFlag) bool {
	return e&pageTableEntry(f) == pageTableEntry(f)
}

// HasAnyFlag returns true if at least one of the given flags is set.
func (e pageTableEntry) HasAnyFlag(f PageTableEntryFlag) bool {
	return e&pageTableEntry(f) != 0
}

// SetFrame updates the entry's physical frame pointer, leaving its flags intact.
func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	*e = (*e &^ frameMask) | (pageTableEntry(f)<<mem.PageShift)&frameMask
}

// Frame returns the physical frame this entry points to.
func (e pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((e & frameMask) >> mem.PageShift)
}
