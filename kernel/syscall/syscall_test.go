package syscall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/proc"
	"bincows/kernel/sched"
	"bincows/kernel/signal"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/devfs"
	"bincows/kernel/vfs/pipefs"
	"bincows/kernel/vfs/vfile"
)

func newTestGateway(t *testing.T) (*Gateway, *proc.Process, *sched.Thread) {
	t.Helper()
	a := pmm.NewAllocator()
	a.AddRegion(0, 512)

	kernelRoot := a.AllocSingle()
	allocFn := func() pmm.Frame { return a.AllocSingle() }

	tree := vfs.New()
	devices := devfs.NewTable()
	require.NoError(t, tree.Mount("/dev", devices, devfs.RootIno))
	pipes := pipefs.NewTable()

	vfiles := vfile.NewTable(tree)
	procs := proc.NewTable(sched.New(4), allocFn, kernelRoot, vfiles)
	gw := NewGateway(procs, tree, vfiles, pipes)

	img := proc.Image{
		Entry: 0x400000,
		Segments: []proc.Segment{
			{VAddr: 0x400000, Size: 0x1000, Flags: vmm.FlagRW},
		},
	}
	p, err := procs.CreateProcess(img, nil, nil)
	require.NoError(t, err)

	return gw, p, p.Threads[0]
}

func TestGetpidGetppid(t *testing.T) {
	gw, p, th := newTestGateway(t)
	require.Equal(t, int64(p.Pid), gw.Dispatch(p, th, Getpid, Args{}))
	require.Equal(t, int64(p.PPid), gw.Dispatch(p, th, Getppid, Args{}))
}

func TestSbrkGrowThenShrink(t *testing.T) {
	gw, p, th := newTestGateway(t)
	p.HeapBegin = 0x4000
	p.Brk = 0x4000
	p.UnalignedBrk = 0x4000

	grown := gw.Dispatch(p, th, Sbrk, Args{A0: 0x2000})
	require.Equal(t, int64(0x4000), grown)
	require.Equal(t, uintptr(0x6000), p.Brk)

	shrunk := gw.Dispatch(p, th, Sbrk, Args{A0: uint64(int64(-0x1000))})
	require.Equal(t, int64(0x6000), shrunk)
	require.Equal(t, uintptr(0x5000), p.Brk)
}

func TestSbrkRejectsBelowHeapBegin(t *testing.T) {
	gw, p, th := newTestGateway(t)
	p.HeapBegin = 0x4000
	p.Brk = 0x4000
	p.UnalignedBrk = 0x4000

	res := gw.Dispatch(p, th, Sbrk, Args{A0: uint64(int64(-0x1000))})
	require.Less(t, res, int64(0))
}

func TestUnknownSyscallReturnsENOSYS(t *testing.T) {
	gw, p, th := newTestGateway(t)
	res := gw.Dispatch(p, th, Number(99), Args{})
	require.Less(t, res, int64(0))
}

func TestPipeWriteThenRead(t *testing.T) {
	gw, p, th := newTestGateway(t)

	packed := gw.Dispatch(p, th, Pipe, Args{})
	require.GreaterOrEqual(t, packed, int64(0))
	wfd := int(uint64(packed) >> 32)
	rfd := int(uint64(packed) & 0xffffffff)

	msg := []byte("hello")
	require.NoError(t, writeBytes(p, 0x400100, msg))
	n := gw.Dispatch(p, th, Write, Args{A0: uint64(wfd), A1: 0x400100, A2: uint64(len(msg))})
	require.Equal(t, int64(len(msg)), n)

	gw.Dispatch(p, th, Close, Args{A0: uint64(wfd)})

	n = gw.Dispatch(p, th, Read, Args{A0: uint64(rfd), A1: 0x400200, A2: 16})
	require.Equal(t, int64(len(msg)), n)

	got, err := readBytes(p, 0x400200, len(msg))
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// EOF once the write end is closed and the buffer is drained.
	n = gw.Dispatch(p, th, Read, Args{A0: uint64(rfd), A1: 0x400200, A2: 16})
	require.Equal(t, int64(0), n)
}

func TestDupSharesCursor(t *testing.T) {
	gw, p, th := newTestGateway(t)
	packed := gw.Dispatch(p, th, Pipe, Args{})
	wfd := int(uint64(packed) >> 32)

	dupFd := gw.Dispatch(p, th, Dup, Args{A0: uint64(wfd), A1: uint64(int64(-1))})
	require.GreaterOrEqual(t, dupFd, int64(0))
	require.Equal(t, p.FDs[wfd].File, p.FDs[dupFd].File)
}

func TestSigsetupTriggerSigreturnRoundTrip(t *testing.T) {
	gw, p, th := newTestGateway(t)

	th.Context.RSP = uint64(th.UserStack.Base) + uint64(th.UserStack.Size) - 0x100
	handlerVAddr := uintptr(0x400500)

	tableAddr := uintptr(0x400800)
	tableBytes := make([]byte, signal.NumSignals*16)
	// signal 5's handler lives at byte offset 5*16+8.
	for i := 0; i < 8; i++ {
		tableBytes[5*16+8+i] = byte(handlerVAddr >> (8 * i))
	}
	require.NoError(t, writeBytes(p, tableAddr, tableBytes))

	res := gw.Dispatch(p, th, Sigsetup, Args{A0: 0x400600, A1: uint64(tableAddr)})
	require.Equal(t, int64(0), res)

	originalRIP := th.Context.RIP
	require.NoError(t, p.Signals.Trigger(gw.Procs.Scheduler, p.Threads, p, 5))
	require.NotEqual(t, originalRIP, th.Context.RIP)
	require.Equal(t, uint64(handlerVAddr), th.Context.RIP)

	res = gw.Dispatch(p, th, Sigreturn, Args{})
	require.Equal(t, int64(0), res)
	require.Equal(t, originalRIP, th.Context.RIP)
}

func TestSigkillUnknownPidFails(t *testing.T) {
	gw, p, th := newTestGateway(t)
	res := gw.Dispatch(p, th, Sigkill, Args{A0: 99999, A1: 5})
	require.Less(t, res, int64(0))
}

func TestValidatePointerRejectsOutsideAnyRegion(t *testing.T) {
	_, p, th := newTestGateway(t)
	err := validatePointer(p, th, 0xdeadbeef, 8)
	require.Error(t, err)
}

func TestValidatePointerAcceptsHeapRange(t *testing.T) {
	_, p, th := newTestGateway(t)
	p.HeapBegin = 0x4000
	p.Brk = 0x5000
	require.NoError(t, validatePointer(p, th, 0x4100, 0x10))
}

func TestOpenDirectoryWithoutFlagFails(t *testing.T) {
	gw, p, th := newTestGateway(t)
	pathBlob := []byte("/dev\x00")
	require.NoError(t, writeBytes(p, 0x400300, pathBlob))

	res := gw.Dispatch(p, th, Open, Args{A0: 0x400300, A1: uint64(len(pathBlob)), A2: uint64(ORdonly)})
	require.Less(t, res, int64(0))
}

func TestGetcwdQueriesLength(t *testing.T) {
	gw, p, th := newTestGateway(t)
	p.CWD = "/home/user"
	res := gw.Dispatch(p, th, Getcwd, Args{A0: 0, A1: 0})
	require.Equal(t, int64(len(p.CWD)+1), res)
}

func TestSbrkShrinkUnmapsHeapPages(t *testing.T) {
	gw, p, th := newTestGateway(t)
	p.HeapBegin = 0x4000
	p.Brk = 0x4000
	p.UnalignedBrk = 0x4000

	require.Equal(t, int64(0x4000), gw.Dispatch(p, th, Sbrk, Args{A0: 0x2000}))
	require.NoError(t, writeBytes(p, 0x5000, []byte{0xAA}))

	require.Equal(t, int64(0x6000), gw.Dispatch(p, th, Sbrk, Args{A0: uint64(int64(-0x1000))}))

	// The page above the new break is gone; touching it faults.
	_, err := readBytes(p, 0x5000, 1)
	require.Error(t, err)
}

func TestSleepInterruptedBySignalDelivery(t *testing.T) {
	gw, p, th := newTestGateway(t)
	th.Context.RSP = uint64(th.UserStack.Base) + uint64(th.UserStack.Size) - 0x100

	handlerVAddr := uint64(0x400500)
	var disp [signal.NumSignals]signal.Disposition
	disp[5] = signal.Disposition{Handler: uintptr(handlerVAddr)}
	p.Signals.Setup(0x400600, disp)

	done := make(chan int64, 1)
	go func() { done <- gw.Dispatch(p, th, Sleep, Args{A0: uint64(time.Hour)}) }()
	require.Eventually(t, func() bool { return th.State == sched.Blocked }, time.Second, time.Millisecond)

	require.NoError(t, p.Signals.Trigger(gw.Procs.Scheduler, p.Threads, p, 5))

	// The sleep is cancelled with EINTR and control is redirected to the
	// handler on syscall exit.
	require.Less(t, <-done, int64(0))
	require.Equal(t, handlerVAddr, th.Context.RIP)
	require.Equal(t, uint64(5), th.Context.RDI)
}
