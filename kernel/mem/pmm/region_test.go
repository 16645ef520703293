package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionMarkAndCascade(t *testing.T) {
	r := NewRegion(0, 100)
	require.Equal(t, uint32(100), r.freeCount())
	require.NoError(t, r.Check())

	for i := uint32(0); i < 4; i++ {
		r.mark(Frame(i), true)
	}
	require.Equal(t, uint32(96), r.freeCount())
	require.NoError(t, r.Check())

	r.mark(Frame(0), false)
	require.Equal(t, uint32(97), r.freeCount())
	require.NoError(t, r.Check())
}

func TestRegionFindFreeFrame(t *testing.T) {
	r := NewRegion(100, 200)

	for i := uint32(0); i < 200; i++ {
		f, ok := r.findFreeFrame()
		require.True(t, ok, "iteration %d", i)
		require.True(t, r.contains(f))
		r.mark(f, true)
	}

	require.Equal(t, uint32(0), r.freeCount())
	_, ok := r.findFreeFrame()
	require.False(t, ok)
	require.NoError(t, r.Check())
}

func TestRegionPaddingIsReserved(t *testing.T) {
	// 10 frames padded up to a 64-bit word boundary; the 54 padding bits
	// must never be handed out.
	r := NewRegion(0, 10)
	for i := 0; i < 10; i++ {
		f, ok := r.findFreeFrame()
		require.True(t, ok)
		r.mark(f, true)
	}
	_, ok := r.findFreeFrame()
	require.False(t, ok, "padding bits must not be allocatable")
}

func TestRegionClass(t *testing.T) {
	r := NewRegion(0, 1000)
	require.Equal(t, level64K, r.class())

	for i := uint32(0); i < 1000; i++ {
		r.mark(Frame(i), true)
	}
	require.Equal(t, -1, r.class())
}
