// Package proc implements the process/thread table: process creation,
// ELF-in-place replacement, FD inheritance, and the argv/envp marshalling
// contract entry threads expect.
//
// The in-kernel ELF loader itself lives elsewhere; this package only
// consumes its observable contract — a list of loadable segments and an
// entry point — via Segment and Image below.
package proc

import (
	"sort"
	"sync"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/sched"
	"bincows/kernel/signal"
	ksync "bincows/kernel/sync"
	"bincows/kernel/vfs/vfile"
)

// Segment is one loadable ELF segment, the only shape the loader's
// contract exposes to process creation: where it lands in the user
// address space, how big it is, and the mapping flags it needs.
type Segment struct {
	VAddr uintptr
	Size  uintptr
	Flags vmm.PageTableEntryFlag
}

// Image is the observable contract of an already-parsed ELF file: its
// entry point and segment list, standing in for elf_program_t.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// highestEnd returns the page-aligned address just past the
// highest-addressed byte of any segment, which is where the process heap
// begins.
func (img Image) highestEnd() uintptr {
	var end uintptr
	for _, seg := range img.Segments {
		if e := seg.VAddr + seg.Size; e > end {
			end = e
		}
	}
	pageSize := uintptr(mem.PageSize)
	return (end + pageSize - 1) &^ (pageSize - 1)
}

// KernelStackSize is the fixed kernel-stack allocation per thread.
const KernelStackSize = 16 * uintptr(mem.Kb)

// UserStackSize is the default first-thread user stack size.
const UserStackSize = 256 * uintptr(mem.Kb)

// UserCS/UserDS/UserRFlags are the segment selectors and flags word the
// saved context is seeded with on thread creation.
const (
	UserCS     = 0x20 | 3
	UserDS     = 0x18 | 3
	UserRFlags = 0x202
)

// Process is one user program's full kernel-side bookkeeping.
type Process struct {
	lock ksync.Spinlock

	Pid  int
	PPid int

	PageDirPaddr pmm.Frame

	Threads []*sched.Thread

	Program Image

	ClockBegin uint64

	HeapBegin    uintptr
	Brk          uintptr
	UnalignedBrk uintptr

	CWD string

	FDs [MaxFDs]FD

	Signals *signal.State

	nextTid int
}

// Table owns every live process, pid allocation, and the shared pieces
// (scheduler, frame allocator, kernel PML4) every CreateProcess call needs.
type Table struct {
	lock      sync.Mutex
	processes map[int]*Process
	nextPid   int

	Scheduler  *sched.Scheduler
	AllocFrame vmm.FrameAllocatorFn
	KernelRoot pmm.Frame
	VFiles     *vfile.Table
}

// NewTable creates an empty process table.
func NewTable(scheduler *sched.Scheduler, allocFrame vmm.FrameAllocatorFn, kernelRoot pmm.Frame, vfiles *vfile.Table) *Table {
	return &Table{
		processes:  make(map[int]*Process),
		nextPid:    1,
		Scheduler:  scheduler,
		AllocFrame: allocFrame,
		KernelRoot: kernelRoot,
		VFiles:     vfiles,
	}
}

// Get looks up a live process by pid.
func (t *Table) Get(pid int) (*Process, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	p, ok := t.processes[pid]
	return p, ok
}

// FDMask selects which of a parent's FDs a child inherits, e.g. "inherit
// stdio only" vs "inherit everything".
type FDMask func(index int, fd *FD) bool

// InheritAll is the identity FDMask: every open FD is inherited.
func InheritAll(int, *FD) bool { return true }

// CreateProcess allocates a new user
// PML4 sharing the kernel half, loads img's segments (mapping + zeroing
// each; the ELF loader is assumed to have
// already produced the segment contents the caller wants mapped), places a
// first thread at the entry point, inherits FDs and CWD from parent, and
// sets brk just above the highest segment.
func (t *Table) CreateProcess(img Image, parent *Process, mask FDMask) (*Process, error) {
	if mask == nil {
		mask = InheritAll
	}

	root := vmm.NewAddressSpace(t.KernelRoot, t.AllocFrame)

	for _, seg := range img.Segments {
		if err := vmm.AllocPages(root, seg.VAddr, int(mem.Size(seg.Size).Pages()), seg.Flags, t.AllocFrame); err != nil {
			return nil, errno.New(errno.ENOMEM, "proc", "mapping segment at %#x: %v", seg.VAddr, err)
		}
	}

	userStackBase := uintptr(0x0000700000000000)
	if err := vmm.AllocPages(root, userStackBase, int(mem.Size(UserStackSize).Pages()), vmm.FlagRW|vmm.FlagUser, t.AllocFrame); err != nil {
		return nil, errno.New(errno.ENOMEM, "proc", "mapping user stack: %v", err)
	}

	t.lock.Lock()
	pid := t.nextPid
	t.nextPid++
	t.lock.Unlock()

	p := &Process{
		Pid:          pid,
		PageDirPaddr: root,
		Program:      img,
		ClockBegin:   t.Scheduler.Now(),
		HeapBegin:    img.highestEnd(),
		Signals:      signal.NewState(),
		nextTid:      1,
	}
	p.Brk = p.HeapBegin
	p.UnalignedBrk = p.HeapBegin

	if parent != nil {
		p.PPid = parent.Pid
		p.CWD = parent.CWD
		parent.lock.Acquire()
		for i := range parent.FDs {
			if parent.FDs[i].Kind != FDNone && mask(i, &parent.FDs[i]) {
				parent.FDs[i].Dup(&p.FDs[i])
			}
		}
		parent.lock.Release()
	} else {
		p.CWD = "/"
	}

	userStack := sched.Stack{Base: userStackBase, Size: UserStackSize}
	kernelStack := sched.Stack{Base: 0, Size: KernelStackSize}
	th := sched.NewThread(pid, p.allocTid(), 0, kernelStack, userStack)
	th.Context = sched.Context{
		RSP:    uint64(userStack.Base + userStack.Size - 16),
		RBP:    uint64(userStack.Base - 8),
		RIP:    uint64(img.Entry),
		CS:     UserCS,
		SS:     UserDS,
		RFLAGS: UserRFlags,
	}
	p.Threads = append(p.Threads, th)

	t.lock.Lock()
	t.processes[pid] = p
	t.lock.Unlock()

	t.Scheduler.PushReady(th)

	klog.Module("proc").WithField("pid", pid).WithField("ppid", p.PPid).Info("process created")
	return p, nil
}

// allocTid hands out the next thread id for p; callers must hold p.lock or
// be the sole owner (process creation, before p is published).
func (p *Process) allocTid() int {
	tid := p.nextTid
	p.nextTid++
	return tid
}

// ReplaceProcess performs ELF-in-place: unmaps
// the user half of the address space, reloads img, and resets the sole
// remaining thread's context to img's entry point. Unreachable from the
// syscall table (EXEC always spawns) but kept as process-table
// infrastructure.
func (p *Process) ReplaceProcess(img Image, allocFrame vmm.FrameAllocatorFn) error {
	p.lock.Acquire()
	defer p.lock.Release()

	for _, seg := range p.Program.Segments {
		for off := uintptr(0); off < seg.Size; off += uintptr(mem.PageSize) {
			_ = vmm.Unmap(p.PageDirPaddr, vmm.PageFromAddress(seg.VAddr+off))
		}
	}

	for _, seg := range img.Segments {
		if err := vmm.AllocPages(p.PageDirPaddr, seg.VAddr, int(mem.Size(seg.Size).Pages()), seg.Flags, allocFrame); err != nil {
			return errno.New(errno.ENOMEM, "proc", "mapping replacement segment at %#x: %v", seg.VAddr, err)
		}
	}

	p.Program = img
	p.HeapBegin = img.highestEnd()
	p.Brk = p.HeapBegin
	p.UnalignedBrk = p.HeapBegin

	if len(p.Threads) > 0 {
		th := p.Threads[0]
		th.Context = sched.Context{
			RSP:    uint64(th.UserStack.Base + th.UserStack.Size - 16),
			RBP:    uint64(th.UserStack.Base - 8),
			RIP:    uint64(img.Entry),
			CS:     UserCS,
			SS:     UserDS,
			RFLAGS: UserRFlags,
		}
		p.Threads = p.Threads[:1]
	}

	return nil
}

// WriteUint64 implements signal.UserMemory: it writes v at vaddr through
// this process's address space, the simulated stand-in for a validated
// user-space pointer write.
func (p *Process) WriteUint64(vaddr uintptr, v uint64) error {
	phys, err := vmm.Translate(p.PageDirPaddr, vaddr)
	if err != nil {
		return errno.New(errno.EFAULT, "proc", "unmapped address %#x: %v", vaddr, err)
	}
	frame := pmm.FrameFromAddress(phys &^ (uintptr(mem.PageSize) - 1))
	b := frame.Bytes()
	if b == nil {
		return errno.New(errno.EFAULT, "proc", "frame for %#x has no backing storage", vaddr)
	}
	off := phys & (uintptr(mem.PageSize) - 1)
	if off+8 > uintptr(mem.PageSize) {
		return errno.New(errno.EFAULT, "proc", "write at %#x crosses a page boundary", vaddr)
	}
	for i := 0; i < 8; i++ {
		b[off+uintptr(i)] = byte(v >> (8 * i))
	}
	return nil
}

// FirstFreeFD returns the lowest unused fd index, or -1 if the table is
// full (EMFILE).
func (p *Process) FirstFreeFD() int {
	p.lock.Acquire()
	defer p.lock.Release()
	for i := range p.FDs {
		if p.FDs[i].Kind == FDNone {
			return i
		}
	}
	return -1
}

// ThreadByTid returns the thread with the given tid, or nil.
func (p *Process) ThreadByTid(tid int) *sched.Thread {
	p.lock.Acquire()
	defer p.lock.Release()
	for _, th := range p.Threads {
		if th.Tid == tid {
			return th
		}
	}
	return nil
}

// Uptime returns how long this process has existed on the scheduler's
// clock, backing the CLOCK syscall.
func (p *Process) Uptime(scheduler *sched.Scheduler) uint64 {
	return scheduler.Now() - p.ClockBegin
}

// MarshalArgv lays out argv and envp as the double-null-terminated byte
// blob the libc-side exec expects: each
// list is a run of NUL-terminated strings followed by one extra NUL
// marking the end of the list. Returns the blob plus the byte offsets of
// the start of envp within it, so the caller can compute the pointer
// arrays pushed alongside it on the user stack.
func MarshalArgv(argv, envp []string) (blob []byte, envpOffset int) {
	for _, s := range argv {
		blob = append(blob, s...)
		blob = append(blob, 0)
	}
	blob = append(blob, 0)
	envpOffset = len(blob)
	for _, s := range envp {
		blob = append(blob, s...)
		blob = append(blob, 0)
	}
	blob = append(blob, 0)
	return blob, envpOffset
}

// Kill marks every thread of p should_exit and wakes any that are
// blocked; the scheduler performs the actual exit on each thread's next
// dispatch.
func (t *Table) Kill(p *Process, status int) {
	p.lock.Acquire()
	threads := append([]*sched.Thread(nil), p.Threads...)
	p.lock.Release()

	for _, th := range threads {
		th.ShouldExit = true
		th.ExitStatus = status
		if th.State == sched.Blocked {
			t.Scheduler.Unblock(th)
		}
	}
}

// RemoveExitedThread drops th from p's thread table once the scheduler has
// run its exit hooks and freed its kernel stack; when the last thread
// leaves, the process itself is removed from the table.
func (t *Table) RemoveExitedThread(p *Process, th *sched.Thread) {
	p.lock.Acquire()
	remaining := make([]*sched.Thread, 0, len(p.Threads))
	for _, other := range p.Threads {
		if other != th {
			remaining = append(remaining, other)
		}
	}
	p.Threads = remaining
	empty := len(p.Threads) == 0
	p.lock.Release()

	if !empty {
		return
	}

	t.lock.Lock()
	delete(t.processes, p.Pid)
	t.lock.Unlock()

	for i := range p.FDs {
		_ = p.FDs[i].Close(t.VFiles)
	}

	klog.Module("proc").WithField("pid", p.Pid).Info("process exited")
}

// sortedPids returns every live pid in ascending order, used by tests and
// debug syscalls that want a stable listing.
func (t *Table) sortedPids() []int {
	t.lock.Lock()
	defer t.lock.Unlock()
	pids := make([]int, 0, len(t.processes))
	for pid := range t.processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
