package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bincows/kernel/mem/pmm"
)

func newTestAllocFn(t *testing.T, frames uint32) (FrameAllocatorFn, pmm.Frame) {
	t.Helper()
	a := pmm.NewAllocator()
	a.AddRegion(0, frames)

	root := a.AllocSingle()
	zeroFrameContents(root)

	return func() pmm.Frame {
		return a.AllocSingle()
	}, root
}

func TestMapAndTranslate(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)
	frame := allocFn()

	page := PageFromAddress(0x400000)
	require.NoError(t, Map(root, page, frame, FlagRW, allocFn))

	physAddr, err := Translate(root, page.Address()+0x42)
	require.NoError(t, err)
	require.Equal(t, frame.Address()+0x42, physAddr)
}

func TestMapOverPresentPTEPanics(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)
	frame := allocFn()
	other := allocFn()

	page := PageFromAddress(0x400000)
	require.NoError(t, Map(root, page, frame, FlagRW, allocFn))

	require.PanicsWithValue(t, errAlreadyMapped, func() {
		_ = Map(root, page, other, FlagRW, allocFn)
	})
}

func TestMapHugePageRejected(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)
	frame := allocFn()

	page := PageFromAddress(0x400000)
	require.NoError(t, Map(root, page, frame, FlagRW, allocFn))

	table := tableAt(root)
	table[tableIndex(page.Address(), 0)].SetFlags(FlagHugePage)

	_, err := Translate(root, page.Address())
	require.ErrorIs(t, err, errNoHugePageSupport)
}

func TestUnmap(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)
	frame := allocFn()

	page := PageFromAddress(0x1000)
	require.NoError(t, Map(root, page, frame, FlagRW, allocFn))
	require.NoError(t, Unmap(root, page))

	_, err := Translate(root, page.Address())
	require.ErrorIs(t, err, ErrInvalidMapping)
}

func TestUnmapNotMapped(t *testing.T) {
	_, root := newTestAllocFn(t, 8)
	err := Unmap(root, PageFromAddress(0x2000))
	require.ErrorIs(t, err, ErrInvalidMapping)
}

func TestTranslateUnmapped(t *testing.T) {
	_, root := newTestAllocFn(t, 8)
	_, err := Translate(root, 0x123456)
	require.ErrorIs(t, err, ErrInvalidMapping)
}

func TestMapTemporary(t *testing.T) {
	allocFn, root := newTestAllocFn(t, 64)
	frame := allocFn()

	page, err := MapTemporary(root, frame, allocFn)
	require.NoError(t, err)
	require.Equal(t, tempMappingAddr, page.Address())

	physAddr, err := Translate(root, page.Address())
	require.NoError(t, err)
	require.Equal(t, frame.Address(), physAddr)
}
