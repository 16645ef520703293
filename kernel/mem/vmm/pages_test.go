package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
)

func TestAllocPagesMapsConsecutivePages(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)

	base := uintptr(0x600000)
	require.NoError(t, AllocPages(root, base, 3, FlagRW, allocFn))

	for i := 0; i < 3; i++ {
		_, err := Translate(root, base+uintptr(i)*uintptr(mem.PageSize))
		require.NoError(t, err)
	}
}

// Frame exhaustion during AllocPages is fatal, so
// allocFn panics rather than returning an error; there is nothing left to
// roll back since the panic unwinds out of AllocPages entirely.
func TestAllocPagesPanicsOnExhaustion(t *testing.T) {
	a := pmm.NewAllocator()
	a.AddRegion(0, 8)
	root := a.AllocSingle()
	zeroFrameContents(root)

	calls := 0
	allocFn := func() pmm.Frame {
		calls++
		if calls > 3 {
			panic("oom")
		}
		return a.AllocSingle()
	}

	base := uintptr(0x700000)
	require.Panics(t, func() {
		_ = AllocPages(root, base, 10, FlagRW, allocFn)
	})
}

func TestRemapChangesFlags(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 16)
	frame := allocFn()

	page := PageFromAddress(0x500000)
	require.NoError(t, Map(root, page, frame, FlagRW, allocFn))
	require.NoError(t, Remap(root, page.Address(), 1, FlagPresent))

	table := tableAt(root)
	pte := table[tableIndex(page.Address(), pageLevels-1)]
	require.True(t, pte.HasFlags(FlagPresent))
	require.False(t, pte.HasFlags(FlagRW))
	require.Equal(t, frame, pte.Frame())
}

func TestRemapUnmappedFails(t *testing.T) {
	_, root := newTestAllocFn(t, 8)
	err := Remap(root, 0x900000, 1, FlagRW)
	require.ErrorIs(t, err, ErrInvalidMapping)
}
