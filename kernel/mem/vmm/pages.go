package vmm

import "bincows/kernel/mem/pmm"

// AllocPages allocates n physical frames via allocFn and maps them at n
// consecutive pages starting at vaddr inside the page table tree rooted at
// root, combining a PMM allocation with a Map call per page as required by
// the VMM's alloc_pages contract. allocFn panics on frame exhaustion
// (OOM is fatal), so the only failure this can still return is
// Map's huge-page-unsupported error; on that, every mapping already
// installed by this call is torn down before returning.
func AllocPages(root pmm.Frame, vaddr uintptr, n int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) error {
	mapped := make([]Page, 0, n)

	for i := 0; i < n; i++ {
		frame := allocFn()

		page := PageFromAddress(vaddr + uintptr(i)*uintptr(pageByteSize()))
		if err := Map(root, page, frame, flags, allocFn); err != nil {
			rollbackAllocPages(root, mapped)
			return err
		}
		mapped = append(mapped, page)
	}

	return nil
}

func rollbackAllocPages(root pmm.Frame, mapped []Page) {
	for _, page := range mapped {
		_ = Unmap(root, page)
	}
}

// Remap changes the protection flags of n consecutive pages starting at
// vaddr, leaving their backing frames untouched. It fails if any of the
// targeted pages is not currently mapped.
func Remap(root pmm.Frame, vaddr uintptr, n int, flags PageTableEntryFlag) error {
	for i := 0; i < n; i++ {
		page := PageFromAddress(vaddr + uintptr(i)*uintptr(pageByteSize()))

		var notMapped bool
		err := walk(root, page.Address(), nil, func(level int, pte *pageTableEntry) bool {
			if level != pageLevels-1 {
				return true
			}
			if !pte.HasFlags(FlagPresent) {
				notMapped = true
				return false
			}
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		})
		if err != nil {
			return err
		}
		if notMapped {
			return ErrInvalidMapping
		}
	}
	return nil
}

func pageByteSize() uintptr {
	return uintptr(1) << pageLevelShifts[pageLevels-1]
}
