package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bincows/kernel/irq"
	"bincows/kernel/mem/pmm"
)

func resetVMMGlobals(t *testing.T) {
	t.Helper()
	origFrameAllocator := frameAllocator
	origPanicFn := panicFn
	origHandleFn := handleExceptionWithCodeFn
	origReadCR2Fn := readCR2Fn
	origSwitchPDTFn := switchPDTFn
	origReserved := ReservedZeroedFrame
	origProtect := protectReservedZeroedPage

	t.Cleanup(func() {
		frameAllocator = origFrameAllocator
		panicFn = origPanicFn
		handleExceptionWithCodeFn = origHandleFn
		readCR2Fn = origReadCR2Fn
		switchPDTFn = origSwitchPDTFn
		ReservedZeroedFrame = origReserved
		protectReservedZeroedPage = origProtect
	})
}

func TestInitRegistersHandlers(t *testing.T) {
	resetVMMGlobals(t)

	allocFn, _ := newTestAllocFn(t, 8)
	SetFrameAllocator(allocFn)

	var registered []irq.ExceptionNum
	handleExceptionWithCodeFn = func(num irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {
		registered = append(registered, num)
	}

	require.NoError(t, Init())
	require.True(t, protectReservedZeroedPage)
	require.Contains(t, registered, irq.PageFaultException)
	require.Contains(t, registered, irq.GPFException)
}

// Frame exhaustion during Init's reserved-zeroed-frame setup is fatal, so a
// panicking allocator propagates the panic out of Init rather than being
// translated into a returned error.
func TestInitPanicsWhenAllocatorExhausted(t *testing.T) {
	resetVMMGlobals(t)

	SetFrameAllocator(func() pmm.Frame { panic("boom") })

	require.Panics(t, func() { _ = Init() })
}

func TestPageFaultHandlerRecoversCopyOnWrite(t *testing.T) {
	resetVMMGlobals(t)

	allocFn, root := newTestAllocFn(t, 64)
	switchPDTFn = func(addr uintptr) { activePDTPhysAddr = addr }
	switchPDTFn(root.Address())

	shared := allocFn()
	copy(shared.Bytes(), []byte("shared page contents"))

	page := PageFromAddress(0x900000)
	require.NoError(t, Map(root, page, shared, FlagCopyOnWrite, allocFn))
	table := tableAt(root)
	table[tableIndex(page.Address(), pageLevels-1)].ClearFlags(FlagRW)

	SetFrameAllocator(allocFn)
	readCR2Fn = func() uint64 { return uint64(page.Address()) }

	panicked := false
	panicFn = func(error) { panicked = true }

	pageFaultHandler(1, &irq.Frame{}, &irq.Regs{})

	require.False(t, panicked)

	physAddr, err := Translate(root, page.Address())
	require.NoError(t, err)
	require.NotEqual(t, shared.Address(), physAddr)

	resolved := pmm.Frame(physAddr >> 12)
	require.Equal(t, "shared page contents", string(resolved.Bytes()[:20]))
}

func TestPageFaultHandlerNonRecoverable(t *testing.T) {
	resetVMMGlobals(t)

	_, root := newTestAllocFn(t, 8)
	switchPDTFn = func(addr uintptr) { activePDTPhysAddr = addr }
	switchPDTFn(root.Address())

	readCR2Fn = func() uint64 { return 0xdeadb000 }

	panicked := false
	panicFn = func(error) { panicked = true }

	pageFaultHandler(0, &irq.Frame{}, &irq.Regs{})

	require.True(t, panicked)
}

func TestGeneralProtectionFaultHandlerPanics(t *testing.T) {
	resetVMMGlobals(t)

	readCR2Fn = func() uint64 { return 0 }
	panicked := false
	panicFn = func(error) { panicked = true }

	generalProtectionFaultHandler(0, &irq.Frame{}, &irq.Regs{})

	require.True(t, panicked)
}
