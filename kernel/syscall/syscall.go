// Package syscall implements the system-call gateway: the fixed
// dispatch table, argument validation against the calling process's
// address space, and the SyscallGuard scoped acquisition that brackets
// every call's entry and exit state.
package syscall

import (
	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/proc"
	"bincows/kernel/sched"
	"bincows/kernel/signal"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/pipefs"
	"bincows/kernel/vfs/vfile"
)

// Number is a syscall number.
type Number int

const (
	Sleep        Number = 1
	Clock        Number = 2
	Exit         Number = 3
	Open         Number = 4
	Close        Number = 5
	Read         Number = 6
	Write        Number = 7
	Truncate     Number = 8
	Seek         Number = 9
	Access       Number = 10
	Dup          Number = 11
	Pipe         Number = 12
	ThreadCreate Number = 13
	Sbrk         Number = 16
	Exec         Number = 18
	Chdir        Number = 19
	Getcwd       Number = 20
	Getpid       Number = 21
	Getppid      Number = 22
	Sigsetup     Number = 23
	Sigreturn    Number = 24
	Sigkill      Number = 25
	Sigpause     Number = 26
)

// Args is the fixed six-register argument bundle a syscall entry trampoline
// would have saved off the calling convention; each handler interprets as
// many of these as it needs.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

const maxPathLen = 4096

// Gateway wires every subsystem a syscall handler may need to touch:
// the process table, VFS tree, open-file table, and pipe registry.
type Gateway struct {
	Procs  *proc.Table
	VFS    *vfs.Tree
	VFiles *vfile.Table
	Pipes  *pipefs.Table

	// FreeFrame returns a frame unmapped by sbrk shrink to the physical
	// allocator; nil leaves the frame unreclaimed (tests that build a
	// gateway without a full PMM wiring).
	FreeFrame func(paddr uintptr) error
}

// NewGateway assembles a Gateway from its constituent subsystems.
func NewGateway(procs *proc.Table, tree *vfs.Tree, vfiles *vfile.Table, pipes *pipefs.Table) *Gateway {
	return &Gateway{Procs: procs, VFS: tree, VFiles: vfiles, Pipes: pipes}
}

// SyscallGuard brackets a syscall's kernel-side state: Enter records the
// user stack pointer and
// marks the thread uninterruptible for the duration of the call; Release
// (typically deferred) clears it, re-checks should_exit, and runs signal
// delivery — one place that cannot be forgotten on an early return
// path.
type SyscallGuard struct {
	gw *Gateway
	p  *proc.Process
	th *sched.Thread
}

// Enter begins a syscall for th, saving its current user RSP and marking
// it uninterruptible.
func (gw *Gateway) Enter(p *proc.Process, th *sched.Thread, userRSP uintptr) *SyscallGuard {
	th.SyscallUserRSP = userRSP
	th.Uninterruptible = true
	return &SyscallGuard{gw: gw, p: p, th: th}
}

// Release clears uninterruptible, and if the thread should now exit,
// leaves it marked so the scheduler can tear it down on next dispatch;
// otherwise it runs the signal-delivery algorithm for tid=1 threads.
func (g *SyscallGuard) Release() {
	g.th.Uninterruptible = false
	if g.th.ShouldExit {
		return
	}
	g.p.Signals.DeliverOnSyscallExit(g.th, g.p)
}

// Dispatch runs syscall num with args against the calling thread th of
// process p, returning the value placed in rax: a non-negative result or
// -errno. Unknown numbers fault.
func (gw *Gateway) Dispatch(p *proc.Process, th *sched.Thread, num Number, args Args) int64 {
	guard := gw.Enter(p, th, uintptr(th.Context.RSP))
	defer guard.Release()

	switch num {
	case Sleep:
		return gw.sysSleep(p, th, args)
	case Clock:
		return int64(p.Uptime(gw.Procs.Scheduler))
	case Exit:
		return gw.sysExit(p, th, args)
	case Open:
		return gw.sysOpen(p, th, args)
	case Close:
		return gw.sysClose(p, args)
	case Read:
		return gw.sysRead(p, th, args)
	case Write:
		return gw.sysWrite(p, th, args)
	case Truncate:
		return gw.sysTruncate(p, args)
	case Seek:
		return gw.sysSeek(p, args)
	case Access:
		return gw.sysAccess(p, th, args)
	case Dup:
		return gw.sysDup(p, args)
	case Pipe:
		return gw.sysPipe(p, args)
	case ThreadCreate:
		return gw.sysThreadCreate(p, args)
	case Sbrk:
		return gw.sysSbrk(p, args)
	case Exec:
		return gw.sysExec(p, th, args)
	case Chdir:
		return gw.sysChdir(p, th, args)
	case Getcwd:
		return gw.sysGetcwd(p, th, args)
	case Getpid:
		return int64(p.Pid)
	case Getppid:
		return int64(p.PPid)
	case Sigsetup:
		return gw.sysSigsetup(p, th, args)
	case Sigreturn:
		return gw.sysSigreturn(p, th)
	case Sigkill:
		return gw.sysSigkill(p, args)
	case Sigpause:
		return int64(signal.PauseAny(gw.Procs.Scheduler, th))
	default:
		klog.Module("syscall").WithField("num", int(num)).Warn("unknown syscall number")
		return negErrno(errno.ENOSYS)
	}
}

// negErrno packs an *errno.Error into the -errno convention the ABI
// returns in rax.
func negErrno(err error) int64 {
	if err == nil {
		return 0
	}
	return -int64(errno.Code(err))
}
