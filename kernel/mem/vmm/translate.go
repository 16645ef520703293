package vmm

import (
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

// Translate returns the physical address that corresponds to virtAddr inside
// the page table tree rooted at root, or ErrInvalidMapping if virtAddr does
// not correspond to a mapped physical address.
func Translate(root pmm.Frame, virtAddr uintptr) (uintptr, error) {
	var (
		leaf      *pageTableEntry
		notMapped bool
	)

	err := walk(root, virtAddr, nil, func(level int, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}
		if !pte.HasFlags(FlagPresent) {
			notMapped = true
			return false
		}
		leaf = pte
		return true
	})

	if err != nil {
		return 0, err
	}
	if notMapped || leaf == nil {
		return 0, ErrInvalidMapping
	}

	offset := virtAddr & (uintptr(mem.PageSize) - 1)
	return leaf.Frame().Address() + offset, nil
}
