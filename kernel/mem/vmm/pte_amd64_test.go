package vmm

import (
	"testing"

	"bincows/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 3)
		flag2 = PageTableEntryFlag(1 << 5)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false")
	}

	pte.SetFlags(flag1 | flag2)
	if !pte.HasAnyFlag(flag1|flag2) || !pte.HasFlags(flag1|flag2) {
		t.Fatalf("expected both flags to be set")
	}

	pte.ClearFlags(flag1)
	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false once flag1 is cleared")
	}
	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to still report flag2")
	}

	pte.ClearFlags(flag2)
	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false once both flags are cleared")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatalf("expected SetFrame to leave flags intact")
	}
}
