package vmm

import (
	"bincows/kernel/cpu"
	"bincows/kernel/irq"
	"bincows/kernel/kfmt/early"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// ReservedZeroedFrame is a single physical frame reserved at Init
	// time and shared (read-only, copy-on-write) by every lazily backed
	// page until the first write touches it.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is set to true once ReservedZeroedFrame
	// has been handed out; from that point on it must never be mapped RW.
	protectReservedZeroedPage bool

	// the following are indirected for tests and are otherwise inlined
	// by the compiler.
	panicFn                   = kernelPanic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
)

// kernelPanic is the default panic handler invoked on a non-recoverable page
// fault or general protection fault. It is a variable so boot-layer code can
// override it with kernel.Panic once that package is wired in.
var kernelPanic = func(err error) {
	panic(err)
}

// activeRootFrame returns the frame backing the currently active PDT.
func activeRootFrame() pmm.Frame {
	return pmm.Frame(activePDTAddr() >> mem.PageShift)
}

// ActiveRootFrame returns the frame backing the page table tree currently
// loaded into CR3. Boot code calls this once, right after Init, to learn
// the root the bootloader's assembly stub already activated, before any
// process address space has been created.
func ActiveRootFrame() pmm.Frame {
	return activeRootFrame()
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
		root         = activeRootFrame()
	)

	// Locate the leaf entry for the page where the fault occurred.
	walk(root, faultPage.Address(), nil, func(level int, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)
		if level == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set. Frame exhaustion
	// during the copy is fatal, so frameAllocator panics rather than
	// returning an error here.
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		copyFrame := frameAllocator()

		mem.Memcopy(uintptr(copyFrame.KernelAddr()), uintptr(pageEntry.Frame().KernelAddr()), mem.PageSize)

		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		pageEntry.SetFrame(copyFrame)
		flushTLBEntryFn(faultPage.Address())

		// Fault recovered; the faulting instruction will be retried.
		return
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err error) {
	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page-fault in user-mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panicFn(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code whenever new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests. frameAllocator panics rather
// than returning an error on exhaustion, so there is nothing left to
// propagate here.
func reserveZeroedFrame() {
	frame := frameAllocator()

	zeroFrameContents(frame)
	ReservedZeroedFrame = frame
	protectReservedZeroedPage = true
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() error {
	reserveZeroedFrame()

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
