package syscall

import (
	"bincows/kernel/errno"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/proc"
)

var errFault = errno.New(errno.EFAULT, "syscall", "pointer argument outside any valid region")

// validatePointer checks a syscall's pointer arguments: a pointer
// argument of size n must fall entirely within the calling thread's user
// stack, the process heap [heap_begin, brk), or one of its ELF segments.
// Anything else is rejected.
func validatePointer(p *proc.Process, th ownerThread, vaddr uintptr, n uintptr) error {
	if n == 0 {
		return nil
	}
	end := vaddr + n
	if end < vaddr {
		return errFault
	}

	if th != nil {
		base, size := th.UserStackRange()
		if vaddr >= base && end <= base+size {
			return nil
		}
	}

	// Any thread's user stack is acceptable, not only the caller's: one
	// thread may hand a sibling's stack buffer to a syscall.
	for _, t := range p.Threads {
		if t == nil {
			continue
		}
		base, size := t.UserStackRange()
		if size != 0 && vaddr >= base && end <= base+size {
			return nil
		}
	}

	if vaddr >= p.HeapBegin && end <= p.Brk {
		return nil
	}

	for _, seg := range p.Program.Segments {
		if vaddr >= seg.VAddr && end <= seg.VAddr+seg.Size {
			return nil
		}
	}

	return errFault
}

// ownerThread is the minimal surface validatePointer needs from a
// *sched.Thread, kept as an interface so this file only imports proc
// (avoiding a second dependency on kernel/sched for a two-field read).
type ownerThread interface {
	UserStackRange() (base, size uintptr)
}

// readBytes copies n bytes starting at vaddr out of p's address space,
// failing closed if any page in range is unmapped.
func readBytes(p *proc.Process, vaddr uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := translateChunk(p, vaddr+uintptr(len(out)), n-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// writeBytes copies data into p's address space starting at vaddr.
func writeBytes(p *proc.Process, vaddr uintptr, data []byte) error {
	written := 0
	for written < len(data) {
		phys, err := vmm.Translate(p.PageDirPaddr, vaddr+uintptr(written))
		if err != nil {
			return errno.New(errno.EFAULT, "syscall", "unmapped address %#x: %v", vaddr+uintptr(written), err)
		}
		frame := pmm.FrameFromAddress(phys &^ (uintptr(mem.PageSize) - 1))
		b := frame.Bytes()
		if b == nil {
			return errFault
		}
		off := phys & (uintptr(mem.PageSize) - 1)
		n := copy(b[off:], data[written:])
		written += n
	}
	return nil
}

// translateChunk reads up to the rest of vaddr's page (or n bytes,
// whichever is smaller) out of p's address space.
func translateChunk(p *proc.Process, vaddr uintptr, n int) ([]byte, error) {
	phys, err := vmm.Translate(p.PageDirPaddr, vaddr)
	if err != nil {
		return nil, errno.New(errno.EFAULT, "syscall", "unmapped address %#x: %v", vaddr, err)
	}
	frame := pmm.FrameFromAddress(phys &^ (uintptr(mem.PageSize) - 1))
	b := frame.Bytes()
	if b == nil {
		return nil, errFault
	}
	off := phys & (uintptr(mem.PageSize) - 1)
	end := off + uintptr(n)
	if end > uintptr(mem.PageSize) {
		end = uintptr(mem.PageSize)
	}
	chunk := make([]byte, end-off)
	copy(chunk, b[off:end])
	return chunk, nil
}

// readCString reads a NUL-terminated string of at most maxLen bytes
// (excluding the terminator) starting at vaddr.
func readCString(p *proc.Process, vaddr uintptr, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b, err := readBytes(p, vaddr+uintptr(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", errno.New(errno.EINVAL, "syscall", "string argument exceeds %d bytes unterminated", maxLen)
}
