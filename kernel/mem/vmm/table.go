package vmm

import "bincows/kernel/mem/pmm"

const (
	pageLevels      = 4
	entriesPerTable = 512
)

// pageLevelShifts lists the bit offset of the 9-bit index consumed at each
// of the 4 paging levels (PML4, PDPT, PD, PT), matching the x86-64 layout.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

type rawTable = [entriesPerTable]pageTableEntry

// tableAt returns the in-memory view of the page table backed by frame. On
// real hardware this would require mapping the frame into the
// translated window; here pmm.Frame.KernelAddr already provides direct
// access to every physical frame, so no temporary mapping is needed.
func tableAt(frame pmm.Frame) *rawTable {
	addr := frame.KernelAddr()
	if addr == nil {
		return nil
	}
	return (*rawTable)(addr)
}

func tableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// walk descends the 4-level page table tree rooted at root for virtAddr,
// invoking visit once per level from the PML4 down to the leaf PT entry.
// visit returning false aborts the walk early without error. When allocFn is
// non-nil, missing intermediate tables are allocated and zeroed on demand;
// with a nil allocFn the walk reports ErrInvalidMapping instead, which is
// what Unmap and Translate rely on to detect unmapped addresses.
func walk(root pmm.Frame, virtAddr uintptr, allocFn FrameAllocatorFn, visit func(level int, pte *pageTableEntry) bool) error {
	tableFrame := root

	for level := 0; level < pageLevels; level++ {
		table := tableAt(tableFrame)
		if table == nil {
			return ErrInvalidMapping
		}

		pte := &table[tableIndex(virtAddr, level)]
		if !visit(level, pte) {
			return nil
		}

		if level == pageLevels-1 {
			break
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		if !pte.HasFlags(FlagPresent) {
			if allocFn == nil {
				return ErrInvalidMapping
			}

			newFrame := allocFn()

			zeroFrameContents(newFrame)
			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		tableFrame = pte.Frame()
	}

	return nil
}
