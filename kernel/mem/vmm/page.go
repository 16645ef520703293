package vmm

import (
	"bincows/kernel/errno"
	"bincows/kernel/mem"
)

// tempMappingAddr is the fixed scratch virtual address used by MapTemporary.
const tempMappingAddr = uintptr(0xffffff8000000000)

// earlyReserveLastUsed tracks the last reserved page address, decreasing
// after each call to EarlyReserveRegion. It starts at tempMappingAddr, the
// top of the address space range the kernel reserves for its own use.
var earlyReserveLastUsed = tempMappingAddr

// EarlyReserveRegion reserves a page-aligned contiguous range of virtual
// address space, without mapping any physical frames into it, and returns
// its start address. size is rounded up to a page boundary. Regions are
// handed out from the top of the kernel address space downward, so this
// must only be used during early kernel init before any other caller has
// claimed that range (goruntime's sysReserve/sysAlloc, wiring the Go
// runtime's allocator onto the kernel's own page tables, are the only
// intended callers).
func EarlyReserveRegion(size mem.Size) (uintptr, error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errno.New(errno.ENOMEM, "vmm", "remaining virtual address space too small for early reservation")
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}
