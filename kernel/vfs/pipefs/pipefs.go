// Package pipefs implements anonymous pipes: a circular byte buffer with
// blocking read/write and FIFO-ordered waiter wake-up, exposed through the
// vfile.FS vtable as a read end and a write end sharing one buffer.
package pipefs

import (
	"sync"

	"bincows/kernel/errno"
	"bincows/kernel/vfs"
)

// defaultCapacity is the pipe's circular-buffer size.
const defaultCapacity = 4096

// pipe is the circular buffer shared by a read end and a write end.
// sync.Cond stands in for an explicit scheduler waiter list: a pipe's
// waiters here are blocked goroutines, not schedulable kernel threads.
type pipe struct {
	mu          sync.Mutex
	notEmpty    *sync.Cond
	notFull     *sync.Cond
	buf         []byte
	head        int
	count       int
	writeClosed bool
	readClosed  bool
}

func newPipe(capacity int) *pipe {
	p := &pipe{buf: make([]byte, capacity)}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// read blocks until at least one byte is available or the write end has
// closed (EOF).
func (p *pipe) read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.count == 0 && !p.writeClosed {
		p.notEmpty.Wait()
	}
	if p.count == 0 {
		return 0, nil // EOF
	}

	n := len(buf)
	if n > p.count {
		n = p.count
	}
	for i := 0; i < n; i++ {
		buf[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	p.head = (p.head + n) % len(p.buf)
	p.count -= n
	p.notFull.Signal()
	return n, nil
}

// write blocks while the buffer is full; returns EPIPE once the read end
// has closed.
func (p *pipe) write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readClosed {
		return 0, errno.New(errno.EPIPE, "pipefs", "write on closed pipe")
	}

	total := 0
	for total < len(buf) {
		for p.count == len(p.buf) && !p.readClosed {
			p.notFull.Wait()
		}
		if p.readClosed {
			return total, errno.New(errno.EPIPE, "pipefs", "write on closed pipe")
		}

		tail := (p.head + p.count) % len(p.buf)
		n := len(p.buf) - p.count
		if rem := len(buf) - total; rem < n {
			n = rem
		}
		for i := 0; i < n; i++ {
			p.buf[(tail+i)%len(p.buf)] = buf[total+i]
		}
		p.count += n
		total += n
		p.notEmpty.Signal()
	}
	return total, nil
}

func (p *pipe) closeRead() {
	p.mu.Lock()
	p.readClosed = true
	p.mu.Unlock()
	p.notFull.Broadcast()
}

func (p *pipe) closeWrite() {
	p.mu.Lock()
	p.writeClosed = true
	p.mu.Unlock()
	p.notEmpty.Broadcast()
}

type end struct {
	p       *pipe
	isWrite bool
}

// Table tracks every open pipe end by address, dispatching vfile's
// ReadFileSectors/WriteFileSectors/CloseFile onto the right end of the
// right pipe.
type Table struct {
	mu      sync.Mutex
	ends    map[uint64]*end
	nextIno uint64
}

// NewTable creates an empty pipe-end registry.
func NewTable() *Table {
	return &Table{ends: make(map[uint64]*end), nextIno: 1}
}

// Create allocates a new pipe and returns its (read_end, write_end)
// addresses; pipes are anonymous and never appear in a directory.
func (t *Table) Create() (readAddr, writeAddr uint64) {
	p := newPipe(defaultCapacity)

	t.mu.Lock()
	defer t.mu.Unlock()
	readAddr = t.nextIno
	t.nextIno++
	writeAddr = t.nextIno
	t.nextIno++

	t.ends[readAddr] = &end{p: p, isWrite: false}
	t.ends[writeAddr] = &end{p: p, isWrite: true}
	return readAddr, writeAddr
}

func (t *Table) lookup(addr uint64) (*end, error) {
	t.mu.Lock()
	e, ok := t.ends[addr]
	t.mu.Unlock()
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return e, nil
}

// ReadDir: pipes are anonymous, never path-resolved, so no inode ever
// names a pipe directory.
func (t *Table) ReadDir(ino uint64) ([]vfs.Dirent, error) { return nil, vfs.ErrNotFound }

// Cacheable is false: pipe content is a one-shot byte stream, never a
// stable file a name-cache entry or sector buffer could safely reuse.
func (t *Table) Cacheable() bool { return false }

// SectorSize is 1: pipes are a byte stream, not sector-addressable.
func (t *Table) SectorSize() uint32 { return 1 }

// ReadFileSectors reads from addr's end, which must be the read end.
func (t *Table) ReadFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	e, err := t.lookup(addr)
	if err != nil {
		return 0, err
	}
	if e.isWrite {
		return 0, errno.New(errno.EBADF, "pipefs", "read on write end")
	}
	return e.p.read(buf)
}

// WriteFileSectors writes to addr's end, which must be the write end.
func (t *Table) WriteFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	e, err := t.lookup(addr)
	if err != nil {
		return 0, err
	}
	if !e.isWrite {
		return 0, errno.New(errno.EBADF, "pipefs", "write on read end")
	}
	return e.p.write(buf)
}

// CloseFile marks the corresponding half of the pipe closed, unblocking
// any waiter on the other end, and drops the address from the registry.
func (t *Table) CloseFile(addr uint64) error {
	e, err := t.lookup(addr)
	if err != nil {
		return err
	}
	if e.isWrite {
		e.p.closeWrite()
	} else {
		e.p.closeRead()
	}

	t.mu.Lock()
	delete(t.ends, addr)
	t.mu.Unlock()
	return nil
}

// Truncate is unsupported on pipes.
func (t *Table) Truncate(addr uint64, size uint64) error {
	return errno.New(errno.ESPIPE, "pipefs", "truncate not supported on pipes")
}

// UpdateDirent is a no-op: pipes are never named in a directory.
func (t *Table) UpdateDirent(parentIno uint64, name string, addr uint64, size uint64) error {
	return nil
}
