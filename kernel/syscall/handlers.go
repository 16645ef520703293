package syscall

import (
	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/proc"
	"bincows/kernel/sched"
	"bincows/kernel/signal"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/vfile"
)

// OFlag mirrors blibc's open_flags_t bit layout (the ABI user programs
// actually pass), translated into vfile.OpenFlags by sysOpen.
type OFlag uint32

const (
	ORdonly    OFlag = 1
	OWronly    OFlag = 2
	ORdwr      OFlag = 3
	OCreat     OFlag = 4
	OExcl      OFlag = 8
	OTrunc     OFlag = 16
	OAppend    OFlag = 32
	ODirectory OFlag = 128
)

func fdIndex(raw uint64) (int, error) {
	if raw >= proc.MaxFDs {
		return 0, errno.New(errno.EBADF, "syscall", "fd %d out of range", raw)
	}
	return int(raw), nil
}

func (gw *Gateway) sysSleep(p *proc.Process, th *sched.Thread, args Args) int64 {
	// Sleep is a cancellable call: the thread is interruptible for the
	// blocking region only.
	th.Uninterruptible = false
	woken := gw.Procs.Scheduler.Sleep(th, args.A0)
	th.Uninterruptible = true
	if woken != 0 {
		return negErrno(errno.New(errno.EINTR, "syscall", "sleep interrupted by signal"))
	}
	return 0
}

func (gw *Gateway) sysExit(p *proc.Process, th *sched.Thread, args Args) int64 {
	gw.Procs.Kill(p, int(int32(args.A0)))
	th.ShouldExit = true
	th.ExitStatus = int(int32(args.A0))
	return 0
}

func (gw *Gateway) sysOpen(p *proc.Process, th *sched.Thread, args Args) int64 {
	pathLen := int(args.A1)
	if pathLen <= 0 || pathLen > maxPathLen {
		return negErrno(errno.New(errno.EINVAL, "syscall", "invalid path length %d", pathLen))
	}
	if err := validatePointer(p, th, uintptr(args.A0), uintptr(pathLen)); err != nil {
		return negErrno(err)
	}
	path, err := readCString(p, uintptr(args.A0), pathLen)
	if err != nil {
		return negErrno(err)
	}
	flags := OFlag(args.A2)
	fd := proc.FD{}

	fsIface, dirent, err := gw.VFS.Resolve(path)
	if err != nil {
		return negErrno(err)
	}
	if dirent == nil {
		if flags&OCreat == 0 {
			return negErrno(vfs.ErrNotFound)
		}
		return negErrno(errno.New(errno.ENOSYS, "syscall", "file creation is not implemented by any mounted fs adapter"))
	}

	if dirent.IsDir {
		if flags&ODirectory == 0 {
			return negErrno(errno.New(errno.EISDIR, "syscall", "open on a directory requires O_DIRECTORY"))
		}
		slot := p.FirstFreeFD()
		if slot < 0 {
			return negErrno(errno.New(errno.EMFILE, "syscall", "fd table full"))
		}
		fd.Kind = proc.FDDir
		fd.Dir = path
		p.FDs[slot] = fd
		return int64(slot)
	}

	fsFile, ok := fsIface.(vfile.FS)
	if !ok {
		return negErrno(errno.New(errno.ENOSYS, "syscall", "mounted fs does not support file IO"))
	}

	vflags := openFlagsFrom(flags)
	handle, err := gw.VFiles.Open(fsFile, dirent.Ino, path, 0, 0, vflags)
	if err != nil {
		return negErrno(err)
	}

	slot := p.FirstFreeFD()
	if slot < 0 {
		_ = handle.Close(gw.VFiles)
		return negErrno(errno.New(errno.EMFILE, "syscall", "fd table full"))
	}
	fd.Kind = proc.FDFile
	fd.File = handle
	p.FDs[slot] = fd
	return int64(slot)
}

func openFlagsFrom(f OFlag) vfile.OpenFlags {
	var v vfile.OpenFlags
	if f&ORdonly != 0 || f&ORdwr != 0 {
		v |= vfile.Read
	}
	if f&OWronly != 0 || f&ORdwr != 0 {
		v |= vfile.Write
	}
	if f&OCreat != 0 {
		v |= vfile.Create
	}
	if f&OTrunc != 0 {
		v |= vfile.Trunc
	}
	if f&OAppend != 0 {
		v |= vfile.Append
	}
	v |= vfile.Seekable
	return v
}

func (gw *Gateway) sysClose(p *proc.Process, args Args) int64 {
	idx, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	if p.FDs[idx].Kind == proc.FDNone {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d not open", idx))
	}
	if err := p.FDs[idx].Close(gw.VFiles); err != nil {
		return negErrno(err)
	}
	return 0
}

func (gw *Gateway) sysRead(p *proc.Process, th *sched.Thread, args Args) int64 {
	idx, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	count := int(args.A2)
	if err := validatePointer(p, th, uintptr(args.A1), uintptr(count)); err != nil {
		return negErrno(err)
	}
	fd := &p.FDs[idx]
	if fd.Kind != proc.FDFile {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d is not a readable file", idx))
	}
	buf := make([]byte, count)
	n, err := fd.File.Read(buf)
	if err != nil {
		return negErrno(err)
	}
	if err := writeBytes(p, uintptr(args.A1), buf[:n]); err != nil {
		return negErrno(err)
	}
	return int64(n)
}

func (gw *Gateway) sysWrite(p *proc.Process, th *sched.Thread, args Args) int64 {
	idx, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	count := int(args.A2)
	if err := validatePointer(p, th, uintptr(args.A1), uintptr(count)); err != nil {
		return negErrno(err)
	}
	fd := &p.FDs[idx]
	if fd.Kind != proc.FDFile {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d is not a writable file", idx))
	}
	buf, err := readBytes(p, uintptr(args.A1), count)
	if err != nil {
		return negErrno(err)
	}
	n, err := fd.File.Write(buf)
	if err != nil {
		return negErrno(err)
	}
	return int64(n)
}

func (gw *Gateway) sysTruncate(p *proc.Process, args Args) int64 {
	idx, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	fd := &p.FDs[idx]
	if fd.Kind != proc.FDFile {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d is not a file", idx))
	}
	if err := fd.File.Truncate(args.A1); err != nil {
		return negErrno(err)
	}
	return 0
}

func (gw *Gateway) sysSeek(p *proc.Process, args Args) int64 {
	idx, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	fd := &p.FDs[idx]
	if fd.Kind != proc.FDFile {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d is not seekable", idx))
	}
	off, err := fd.File.Seek(int64(args.A1), int(int32(args.A2)))
	if err != nil {
		return negErrno(err)
	}
	return int64(off)
}

func (gw *Gateway) sysAccess(p *proc.Process, th *sched.Thread, args Args) int64 {
	pathLen := int(args.A1)
	if err := validatePointer(p, th, uintptr(args.A0), uintptr(pathLen)); err != nil {
		return negErrno(err)
	}
	path, err := readCString(p, uintptr(args.A0), pathLen)
	if err != nil {
		return negErrno(err)
	}
	_, dirent, err := gw.VFS.Resolve(path)
	if err != nil {
		return negErrno(err)
	}
	if dirent == nil {
		return negErrno(vfs.ErrNotFound)
	}
	return 0
}

func (gw *Gateway) sysDup(p *proc.Process, args Args) int64 {
	src, err := fdIndex(args.A0)
	if err != nil {
		return negErrno(err)
	}
	if p.FDs[src].Kind == proc.FDNone {
		return negErrno(errno.New(errno.EBADF, "syscall", "fd %d not open", src))
	}

	dstRaw := int64(int32(args.A1))
	var dst int
	if dstRaw < 0 {
		dst = p.FirstFreeFD()
		if dst < 0 {
			return negErrno(errno.New(errno.EMFILE, "syscall", "fd table full"))
		}
	} else {
		dst, err = fdIndex(uint64(dstRaw))
		if err != nil {
			return negErrno(err)
		}
		if p.FDs[dst].Kind != proc.FDNone {
			_ = p.FDs[dst].Close(gw.VFiles)
		}
	}

	p.FDs[src].Dup(&p.FDs[dst])
	return int64(dst)
}

func (gw *Gateway) sysPipe(p *proc.Process, args Args) int64 {
	rino, wino := gw.Pipes.Create()

	rslot := p.FirstFreeFD()
	if rslot < 0 {
		return negErrno(errno.New(errno.EMFILE, "syscall", "fd table full"))
	}
	rHandle, err := gw.VFiles.Open(gw.Pipes, rino, "", 0, 0, vfile.Read)
	if err != nil {
		return negErrno(err)
	}
	p.FDs[rslot] = proc.FD{Kind: proc.FDFile, File: rHandle}

	wslot := p.FirstFreeFD()
	if wslot < 0 {
		_ = p.FDs[rslot].Close(gw.VFiles)
		return negErrno(errno.New(errno.EMFILE, "syscall", "fd table full"))
	}
	wHandle, err := gw.VFiles.Open(gw.Pipes, wino, "", 0, 0, vfile.Write)
	if err != nil {
		_ = p.FDs[rslot].Close(gw.VFiles)
		return negErrno(err)
	}
	p.FDs[wslot] = proc.FD{Kind: proc.FDFile, File: wHandle}

	// Packed (wfd<<32)|rfd.
	return int64(uint64(wslot)<<32 | uint64(rslot))
}

func (gw *Gateway) sysThreadCreate(p *proc.Process, args Args) int64 {
	stackSize := proc.UserStackSize
	base := uintptr(0x700000000000) + uintptr(len(p.Threads))*stackSize*2

	if err := vmm.AllocPages(p.PageDirPaddr, base, int(mem.Size(stackSize).Pages()), vmm.FlagRW|vmm.FlagUser, gw.Procs.AllocFrame); err != nil {
		return negErrno(errno.New(errno.ENOMEM, "syscall", "mapping new thread stack: %v", err))
	}

	th := sched.NewThread(p.Pid, 0, 0, sched.Stack{Size: proc.KernelStackSize}, sched.Stack{Base: base, Size: stackSize})
	th.Context = sched.Context{
		RSP:    uint64(base + stackSize - 16),
		RBP:    uint64(base - 8),
		RIP:    args.A0,
		RDI:    args.A1,
		CS:     proc.UserCS,
		SS:     proc.UserDS,
		RFLAGS: proc.UserRFlags,
	}

	p.Threads = append(p.Threads, th)
	th.Tid = len(p.Threads)
	gw.Procs.Scheduler.PushReady(th)
	return int64(th.Tid)
}

func (gw *Gateway) sysSbrk(p *proc.Process, args Args) int64 {
	delta := int64(args.A0)
	oldBrk := p.UnalignedBrk

	newUnaligned := int64(p.UnalignedBrk) + delta
	if newUnaligned < int64(p.HeapBegin) {
		return negErrno(errno.New(errno.ENOMEM, "syscall", "sbrk would move break below heap_begin"))
	}

	pageSize := int64(mem.PageSize)
	alignedBrk := uintptr(((newUnaligned + pageSize - 1) / pageSize) * pageSize)

	if alignedBrk > p.Brk {
		n := int((alignedBrk - p.Brk) / uintptr(pageSize))
		if err := vmm.AllocPages(p.PageDirPaddr, p.Brk, n, vmm.FlagRW|vmm.FlagUser|vmm.FlagNoExecute, gw.Procs.AllocFrame); err != nil {
			// A failed sbrk leaves the break untouched.
			return negErrno(errno.New(errno.ENOMEM, "syscall", "growing break: %v", err))
		}
	} else if alignedBrk < p.Brk {
		for addr := alignedBrk; addr < p.Brk; addr += uintptr(pageSize) {
			phys, err := vmm.Translate(p.PageDirPaddr, addr)
			if err != nil {
				continue
			}
			if err := vmm.Unmap(p.PageDirPaddr, vmm.PageFromAddress(addr)); err != nil {
				continue
			}
			if gw.FreeFrame != nil {
				_ = gw.FreeFrame(phys &^ (uintptr(mem.PageSize) - 1))
			}
		}
	}

	p.UnalignedBrk = uintptr(newUnaligned)
	p.Brk = alignedBrk
	return int64(oldBrk)
}

func (gw *Gateway) sysExec(p *proc.Process, th *sched.Thread, args Args) int64 {
	// EXEC always spawns a new process; a UNIX-style replace-self mode
	// is intentionally not reachable here.
	img := proc.Image{Entry: uintptr(args.A0)}
	fdMask := uint32(args.A3)
	mask := func(i int, _ *proc.FD) bool { return fdMask&(1<<uint(i)) == 0 }

	child, err := gw.Procs.CreateProcess(img, p, mask)
	if err != nil {
		return negErrno(err)
	}
	return int64(child.Pid)
}

func (gw *Gateway) sysChdir(p *proc.Process, th *sched.Thread, args Args) int64 {
	pathLen := int(args.A1)
	if err := validatePointer(p, th, uintptr(args.A0), uintptr(pathLen)); err != nil {
		return negErrno(err)
	}
	path, err := readCString(p, uintptr(args.A0), pathLen)
	if err != nil {
		return negErrno(err)
	}
	_, dirent, err := gw.VFS.Resolve(path)
	if err != nil {
		return negErrno(err)
	}
	if dirent == nil || !dirent.IsDir {
		return negErrno(errno.New(errno.ENOTDIR, "syscall", "chdir target is not a directory"))
	}
	p.CWD = vfs.Simplify(path)
	return 0
}

func (gw *Gateway) sysGetcwd(p *proc.Process, th *sched.Thread, args Args) int64 {
	bufSize := int(args.A1)
	if bufSize == 0 {
		return int64(len(p.CWD) + 1)
	}
	if err := validatePointer(p, th, uintptr(args.A0), uintptr(bufSize)); err != nil {
		return negErrno(err)
	}
	if len(p.CWD)+1 > bufSize {
		return negErrno(errno.New(errno.ERANGE, "syscall", "cwd buffer too small"))
	}
	if err := writeBytes(p, uintptr(args.A0), append([]byte(p.CWD), 0)); err != nil {
		return negErrno(err)
	}
	return int64(len(p.CWD) + 1)
}

func (gw *Gateway) sysSigsetup(p *proc.Process, th *sched.Thread, args Args) int64 {
	trampoline := uintptr(args.A0)
	if err := validatePointer(p, th, trampoline, 1); err != nil {
		return negErrno(err)
	}

	tableAddr := uintptr(args.A1)
	const tableSize = signal.NumSignals * 16 // {ignore bool, handler uintptr} packed, per-entry 16 bytes
	if err := validatePointer(p, th, tableAddr, tableSize); err != nil {
		return negErrno(err)
	}
	raw, err := readBytes(p, tableAddr, tableSize)
	if err != nil {
		return negErrno(err)
	}

	var disp [signal.NumSignals]signal.Disposition
	for i := 0; i < signal.NumSignals; i++ {
		word := raw[i*16 : i*16+16]
		handler := uintptr(0)
		for b := 0; b < 8; b++ {
			handler |= uintptr(word[8+b]) << (8 * b)
		}
		disp[i] = signal.Disposition{Ignore: handler == 0, Handler: handler}
	}

	p.Signals.Setup(trampoline, disp)
	klog.Module("syscall").WithField("pid", p.Pid).Debug("sigsetup")
	return 0
}

func (gw *Gateway) sysSigreturn(p *proc.Process, th *sched.Thread) int64 {
	if err := p.Signals.Sigreturn(th); err != nil {
		return negErrno(err)
	}
	return 0
}

func (gw *Gateway) sysSigkill(p *proc.Process, args Args) int64 {
	target, ok := gw.Procs.Get(int(int32(args.A0)))
	if !ok {
		return negErrno(errno.New(errno.ESRCH, "syscall", "no such process"))
	}
	sig := int(int32(args.A1))
	if err := target.Signals.Trigger(gw.Procs.Scheduler, target.Threads, target, sig); err != nil {
		return negErrno(err)
	}
	return 0
}
