package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/sched"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/vfile"
)

func newTestTable(t *testing.T) (*Table, pmm.Frame) {
	t.Helper()
	a := pmm.NewAllocator()
	a.AddRegion(0, 256)

	kernelRoot := a.AllocSingle()

	allocFn := func() pmm.Frame { return a.AllocSingle() }
	vfiles := vfile.NewTable(vfs.New())
	return NewTable(sched.New(4), allocFn, kernelRoot, vfiles), kernelRoot
}

func simpleImage() Image {
	return Image{
		Entry: 0x400000,
		Segments: []Segment{
			{VAddr: 0x400000, Size: 0x1000, Flags: vmm.FlagRW},
		},
	}
}

func TestCreateProcessSetsUpFirstThread(t *testing.T) {
	table, _ := newTestTable(t)

	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.Pid)
	require.Equal(t, 0, p.PPid)
	require.Equal(t, "/", p.CWD)
	require.Len(t, p.Threads, 1)

	th := p.Threads[0]
	require.Equal(t, 1, th.Tid)
	require.Equal(t, uint64(0x400000), th.Context.RIP)
	require.Equal(t, uint64(UserCS), th.Context.CS)
	require.Equal(t, uint64(UserDS), th.Context.SS)
	require.Equal(t, sched.Ready, th.State)
}

func TestCreateProcessSetsHeapBeginAboveHighestSegment(t *testing.T) {
	table, _ := newTestTable(t)

	img := Image{
		Entry: 0x400000,
		Segments: []Segment{
			{VAddr: 0x400000, Size: 0x1000, Flags: vmm.FlagRW},
			{VAddr: 0x402000, Size: 0x800, Flags: vmm.FlagRW},
		},
	}

	p, err := table.CreateProcess(img, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x403000), p.HeapBegin)
	require.Equal(t, p.HeapBegin, p.Brk)
	require.Equal(t, p.HeapBegin, p.UnalignedBrk)
}

func TestCreateProcessInheritsFilteredFDsAndCWD(t *testing.T) {
	table, _ := newTestTable(t)

	parent, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)
	parent.CWD = "/home/user"
	parent.FDs[0] = FD{Kind: FDDir, Dir: "/home/user"}
	parent.FDs[1] = FD{Kind: FDDir, Dir: "/tmp"}

	onlyFD0 := func(i int, _ *FD) bool { return i == 0 }
	child, err := table.CreateProcess(simpleImage(), parent, onlyFD0)
	require.NoError(t, err)

	require.Equal(t, "/home/user", child.CWD)
	require.Equal(t, 2, child.PPid)
	require.Equal(t, FDDir, child.FDs[0].Kind)
	require.Equal(t, FDNone, child.FDs[1].Kind)
}

func TestReplaceProcessResetsThread(t *testing.T) {
	table, _ := newTestTable(t)

	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)

	newImg := Image{
		Entry: 0x500000,
		Segments: []Segment{
			{VAddr: 0x500000, Size: 0x3000, Flags: vmm.FlagRW},
		},
	}
	require.NoError(t, p.ReplaceProcess(newImg, table.AllocFrame))

	require.Len(t, p.Threads, 1)
	require.Equal(t, uint64(0x500000), p.Threads[0].Context.RIP)
	require.Equal(t, uintptr(0x503000), p.HeapBegin)
}

func TestMarshalArgvLayout(t *testing.T) {
	blob, envOff := MarshalArgv([]string{"a", "bee"}, []string{"X=1"})

	require.Equal(t, []byte("a\x00bee\x00\x00X=1\x00\x00"), blob)
	require.Equal(t, len("a\x00bee\x00\x00"), envOff)
}

func TestMarshalArgvEmptyLists(t *testing.T) {
	blob, envOff := MarshalArgv(nil, nil)
	require.Equal(t, []byte{0, 0}, blob)
	require.Equal(t, 1, envOff)
}

func TestKillMarksThreadsShouldExit(t *testing.T) {
	table, _ := newTestTable(t)
	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)

	table.Kill(p, 7)
	require.True(t, p.Threads[0].ShouldExit)
	require.Equal(t, 7, p.Threads[0].ExitStatus)
}

func TestRemoveExitedThreadDropsEmptyProcess(t *testing.T) {
	table, _ := newTestTable(t)
	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)

	th := p.Threads[0]
	table.RemoveExitedThread(p, th)

	_, ok := table.Get(p.Pid)
	require.False(t, ok)
}

func TestWriteUint64RoundTripsThroughTranslate(t *testing.T) {
	table, _ := newTestTable(t)
	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.WriteUint64(0x400010, 0x1122334455667788))

	phys, err := vmm.Translate(p.PageDirPaddr, 0x400010)
	require.NoError(t, err)
	frame := pmm.FrameFromAddress(phys)
	require.Equal(t, frame.Address(), phys)
}

func TestFirstFreeFDSkipsOpenSlots(t *testing.T) {
	table, _ := newTestTable(t)
	p, err := table.CreateProcess(simpleImage(), nil, nil)
	require.NoError(t, err)

	p.FDs[0] = FD{Kind: FDDir}
	require.Equal(t, 1, p.FirstFreeFD())
}
