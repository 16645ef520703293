package signal

import (
	"errors"
	"testing"
	"time"

	"bincows/kernel/sched"

	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	written map[uintptr]uint64
	fail    bool
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{written: make(map[uintptr]uint64)}
}

func (m *fakeMemory) WriteUint64(vaddr uintptr, v uint64) error {
	if m.fail {
		return errors.New("write fault")
	}
	m.written[vaddr] = v
	return nil
}

func newTestThread1(pid int) *sched.Thread {
	return sched.NewThread(pid, 1, 0, sched.Stack{Base: 0x1000, Size: 0x4000}, sched.Stack{Base: 0x7000, Size: 0x4000})
}

func TestTriggerDeliversImmediatelyWhenIdle(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[5] = Disposition{Handler: 0xdead0000}
	s.Setup(0xc0de, disp)

	scheduler := sched.New(4)
	th := newTestThread1(1)
	th.Context.RSP = 0x7fff00
	mem := newFakeMemory()

	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 5))

	require.Equal(t, 5, s.CurrentSignal())
	require.Equal(t, uint64(5), th.Context.RDI)
	require.Equal(t, uint64(0xdead0000), th.Context.RIP)
	require.Equal(t, uint64(0x7fff00-8), th.Context.RSP)
	require.Equal(t, uint64(0xc0de), mem.written[uintptr(0x7fff00-8)])
}

func TestTriggerIgnoredDispositionDoesNotDeliver(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[5] = Disposition{Ignore: true}
	s.Setup(0xc0de, disp)

	scheduler := sched.New(4)
	th := newTestThread1(1)
	mem := newFakeMemory()

	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 5))
	require.Equal(t, NoSignal, s.CurrentSignal())
	require.False(t, s.Pending())
}

func TestTriggerQueuesWhileHandlerRunning(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[1] = Disposition{Handler: 0x1111}
	disp[2] = Disposition{Handler: 0x2222}
	s.Setup(0xc0de, disp)

	scheduler := sched.New(4)
	th := newTestThread1(1)
	th.Context.RSP = 0x7fff00
	mem := newFakeMemory()

	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 1))
	require.Equal(t, 1, s.CurrentSignal())

	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 2))
	// Signal 2 must stay pending, not overwrite the in-flight handler.
	require.Equal(t, 1, s.CurrentSignal())
	require.True(t, s.Pending())
}

func TestDeliverOnSyscallExitSkipsNonThread1(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[3] = Disposition{Handler: 0x3333}
	s.Setup(0xc0de, disp)

	other := sched.NewThread(1, 2, 0, sched.Stack{}, sched.Stack{})
	mem := newFakeMemory()

	require.False(t, s.DeliverOnSyscallExit(other, mem))
}

func TestSigreturnRestoresContext(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[7] = Disposition{Handler: 0x7777}
	s.Setup(0xbeef, disp)

	scheduler := sched.New(4)
	th := newTestThread1(1)
	th.Context.RSP = 0x7fff00
	th.Context.RIP = 0x400000
	mem := newFakeMemory()

	originalRIP := th.Context.RIP
	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 7))
	require.NotEqual(t, originalRIP, th.Context.RIP)

	require.NoError(t, s.Sigreturn(th))
	require.Equal(t, originalRIP, th.Context.RIP)
	require.Equal(t, NoSignal, s.CurrentSignal())
}

func TestSigreturnWithoutHandlerFails(t *testing.T) {
	s := NewState()
	th := newTestThread1(1)
	require.Error(t, s.Sigreturn(th))
}

func TestPauseAnyWokenByTrigger(t *testing.T) {
	s := NewState()
	var disp [NumSignals]Disposition
	disp[9] = Disposition{Handler: 0x9999}
	s.Setup(0xc0de, disp)

	scheduler := sched.New(4)
	th := newTestThread1(1)
	mem := newFakeMemory()

	done := make(chan int, 1)
	go func() { done <- PauseAny(scheduler, th) }()

	require.Eventually(t, func() bool { return th.SigWait }, time.Second, time.Millisecond)
	require.NoError(t, s.Trigger(scheduler, []*sched.Thread{th}, mem, 9))

	require.Equal(t, 1, <-done)
}
