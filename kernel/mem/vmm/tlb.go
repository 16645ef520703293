package vmm

import "bincows/kernel/cpu"

// activePDTPhysAddr records the physical address most recently installed via
// switchPDT, standing in for reading back CR3 on real hardware.
var activePDTPhysAddr uintptr

func flushTLBEntry(virtAddr uintptr) {
	cpu.FlushTLBEntry(virtAddr)
}

func switchPDT(pdtPhysAddr uintptr) {
	activePDTPhysAddr = pdtPhysAddr
	cpu.SwitchPDT(pdtPhysAddr)
}

func activePDTAddr() uintptr {
	return activePDTPhysAddr
}
