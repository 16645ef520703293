package kmain

import (
	"context"

	"bincows/kernel/config"
	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/kheap"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/shm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/proc"
	"bincows/kernel/sched"
	ksync "bincows/kernel/sync"
	"bincows/kernel/syscall"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/devfs"
	"bincows/kernel/vfs/memfs"
	"bincows/kernel/vfs/pipefs"
	"bincows/kernel/vfs/vfile"
)

// heapCapacity is the fixed virtual-address ceiling reserved for the kernel
// heap; growth past the initial commit happens on demand via the PMM.
const heapCapacity = 16 * mem.Mb

// userMmapBase is the 1 GiB-aligned slot in the user half where MEMFS maps
// shm objects, well above any ELF segment or process break and below the
// thread-stack area.
const userMmapBase = uintptr(0x0000_6000_0000_0000)

// Core bundles every subsystem brought up after goruntime.Init: the heap,
// the shm table, the scheduler, the process table, the VFS tree with its
// adapter mounts, the open-file table and the syscall gateway. One Core is
// built per boot by Kmain; tests build their own against a private PMM.
type Core struct {
	Config config.Kernel

	Frames  *pmm.Allocator
	AllocFn vmm.FrameAllocatorFn

	Heap      *kheap.Heap
	SHM       *shm.Table
	Scheduler *sched.Scheduler

	Tree    *vfs.Tree
	VFiles  *vfile.Table
	Devices *devfs.Table
	Pipes   *pipefs.Table
	Mem     *memfs.Table

	Procs   *proc.Table
	Gateway *syscall.Gateway

	tickNs uint64

	curLock ksync.Spinlock
	curPid  int
}

// InitCore brings up the core subsystems in dependency order (heap and shm
// above the PMM, then the scheduler, then the VFS stack, then the process
// table and syscall gateway) and mounts the devfs and memfs adapters.
func InitCore(cfg config.Kernel, frames *pmm.Allocator, kernelRoot pmm.Frame, allocFn vmm.FrameAllocatorFn) (*Core, error) {
	if cfg.Proc.MaxFDs > proc.MaxFDs {
		return nil, errno.New(errno.EINVAL, "kmain", "max_fds %d exceeds the compiled-in fd table size %d", cfg.Proc.MaxFDs, proc.MaxFDs)
	}
	if cfg.Sched.TickRateHz <= 0 {
		return nil, errno.New(errno.EINVAL, "kmain", "tick_rate_hz must be positive")
	}

	c := &Core{
		Config:  cfg,
		Frames:  frames,
		AllocFn: allocFn,
		tickNs:  uint64(1_000_000_000 / cfg.Sched.TickRateHz),
	}

	minExpand := mem.Size(cfg.Mem.HeapMinExpandKB) * mem.Kb
	c.Heap = kheap.New(heapCapacity, minExpand, func(additional mem.Size) {
		for n := additional.Pages(); n > 0; n-- {
			allocFn()
		}
	})

	c.SHM = shm.NewTable(shm.FrameAllocFunc(allocFn), func(f pmm.Frame) error {
		return frames.Free(uintptr(f) << mem.PageShift)
	})

	c.Scheduler = sched.New(cfg.Sched.PriorityLevels)

	c.Tree = vfs.NewSized(cfg.VFS.NameCacheSize)
	c.VFiles = vfile.NewTable(c.Tree)
	c.VFiles.StartFlusher(context.Background())

	c.Devices = devfs.NewTable()
	c.Pipes = pipefs.NewTable()
	c.Mem = memfs.NewTable(c.SHM, c, allocFn)

	if err := c.Tree.Mount("/dev", c.Devices, devfs.RootIno); err != nil {
		return nil, err
	}
	if err := c.Tree.Mount("/mem", c.Mem, memfs.RootIno); err != nil {
		return nil, err
	}

	c.Procs = proc.NewTable(c.Scheduler, allocFn, kernelRoot, c.VFiles)
	c.Gateway = syscall.NewGateway(c.Procs, c.Tree, c.VFiles, c.Pipes)
	c.Gateway.FreeFrame = frames.Free

	klog.Module("kmain").
		WithField("frames", frames.TotalFrames()).
		WithField("tick_hz", cfg.Sched.TickRateHz).
		Info("core subsystems initialized")
	return c, nil
}

// Tick advances the scheduler clock by one timer period, waking expired
// sleepers; the LAPIC timer handler calls this once per interrupt.
func (c *Core) Tick() {
	c.Scheduler.Tick(c.tickNs)
}

// SetCurrentPID records the process owning the thread now entering the
// kernel, so adapters that need a caller identity (memfs) can resolve it.
func (c *Core) SetCurrentPID(pid int) {
	c.curLock.Acquire()
	c.curPid = pid
	c.curLock.Release()
}

// CurrentPID implements memfs.ProcessContext.
func (c *Core) CurrentPID() int {
	c.curLock.Acquire()
	defer c.curLock.Release()
	return c.curPid
}

// Root implements memfs.ProcessContext: the pid's page-table root plus the
// base of the mmap window memfs may project shm objects into.
func (c *Core) Root(pid int) (pmm.Frame, uintptr, error) {
	p, ok := c.Procs.Get(pid)
	if !ok {
		return 0, 0, errno.New(errno.ESRCH, "kmain", "no process %d", pid)
	}
	return p.PageDirPaddr, userMmapBase, nil
}

// Shutdown stops the background workers the core owns. Only used by tests
// and an orderly poweroff path; a running kernel never returns from Kmain.
func (c *Core) Shutdown() error {
	return c.VFiles.Stop()
}
