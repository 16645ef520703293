// Package vfile implements the open-file table: the source of truth for a
// physical file while it has at least one open handle, shared cursor
// consistency across handles, atomic read/write, and a lazy metadata-flush
// worker pool draining into the owning fs and the VFS name cache.
package vfile

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	ksync "bincows/kernel/sync"
	"bincows/kernel/vfs"
)

// OpenFlags is the per-handle open-mode flag set.
type OpenFlags uint32

const (
	Read OpenFlags = 1 << iota
	Write
	Create
	Trunc
	Append
	Seekable
	Directory
)

// FS is the fs vtable surface vfile needs: sector-granular read/write, file
// close, and the lazy-flush target (update_dirent). SectorSize and
// Cacheable drive whether vfile's handle-local sector buffer is worth
// keeping.
type FS interface {
	SectorSize() uint32
	Cacheable() bool
	ReadFileSectors(addr uint64, buf []byte, startSector uint64) (int, error)
	WriteFileSectors(addr uint64, buf []byte, startSector uint64) (int, error)
	CloseFile(addr uint64) error
	Truncate(addr uint64, size uint64) error
	UpdateDirent(parentIno uint64, name string, addr uint64, size uint64) error
}

type fileKey struct {
	fs   FS
	addr uint64
}

// vfile is the shared cursor-consistency surface for every handle opened
// against the same (fs, addr) pair.
type vfile struct {
	key      fileKey
	lock     ksync.Spinlock
	size     uint64
	modified bool
	refCount int
	handles  map[*Handle]struct{}

	parentIno uint64
	name      string
	path      string
	mountPath string
}

// Handle is a single open(2)-like reference onto a vfile: its own cursor
// and handle-local sector buffer.
type Handle struct {
	vf         *vfile
	flags      OpenFlags
	fileOffset uint64
	bufValid   bool
	bufSector  uint64
	buf        []byte
}

type flushEntry struct {
	fs        FS
	parentIno uint64
	name      string
	path      string
	addr      uint64
	size      uint64
}

// Table is the global open-file table: one spinlock guards insert/remove,
// and a bounded worker pool drains lazy metadata flushes.
type Table struct {
	lock  ksync.Spinlock
	files map[fileKey]*vfile

	tree *vfs.Tree

	flushQueue chan flushEntry
	sem        *semaphore.Weighted
	group      *errgroup.Group
	flushes    sync.WaitGroup
	cancel     context.CancelFunc
}

var (
	errNotOpenForRead  = errno.New(errno.EACCES, "vfile", "handle not opened for read")
	errNotOpenForWrite = errno.New(errno.EACCES, "vfile", "handle not opened for write")
	errNotSeekable     = errno.New(errno.ESPIPE, "vfile", "handle not seekable")
)

// flushQueueDepth bounds how many pending metadata updates the table will
// buffer before Close blocks; flushWorkers bounds how many flush calls run
// concurrently.
const (
	flushQueueDepth = 256
	flushWorkers    = 4
)

// NewTable creates an open-file table whose lazy-flush updates land in
// tree's name cache.
func NewTable(tree *vfs.Tree) *Table {
	return &Table{
		files:      make(map[fileKey]*vfile),
		tree:       tree,
		flushQueue: make(chan flushEntry, flushQueueDepth),
		sem:        semaphore.NewWeighted(flushWorkers),
	}
}

// StartFlusher launches the lazy-flush worker pool. Stop cancels it and
// waits for in-flight flushes to finish.
func (t *Table) StartFlusher(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case entry := <-t.flushQueue:
				if err := t.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				t.flushes.Add(1)
				go func(e flushEntry) {
					defer t.flushes.Done()
					defer t.sem.Release(1)
					t.drain(e)
				}(entry)
			}
		}
	})
}

// Stop cancels the flush worker pool's dispatcher and waits for both it and
// every in-flight flush to finish.
func (t *Table) Stop() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	err := t.group.Wait()
	t.flushes.Wait()
	return err
}

func (t *Table) drain(e flushEntry) {
	if err := e.fs.UpdateDirent(e.parentIno, e.name, e.addr, e.size); err != nil {
		klog.Module("vfile").WithField("path", e.path).WithField("err", err).Warn("lazy flush failed")
		return
	}
	t.tree.Invalidate(e.path)
}

// Open looks up the vfile for (fs, addr), inserting one with refcount=1 if
// absent, and returns a fresh handle with its own cursor.
func (t *Table) Open(fs FS, addr uint64, path string, parentIno, fileSize uint64, flags OpenFlags) (*Handle, error) {
	key := fileKey{fs: fs, addr: addr}

	// Resolved before taking any table lock: an anonymous file (a pipe)
	// has no path and belongs to no mount.
	var mountPath string
	if path != "" {
		mountPath = t.tree.MountPathFor(path)
	}

	t.lock.Acquire()
	vf, ok := t.files[key]
	if !ok {
		vf = &vfile{key: key, size: fileSize, handles: make(map[*Handle]struct{}), parentIno: parentIno, name: direntName(path), path: path, mountPath: mountPath}
		t.files[key] = vf
	}
	vf.refCount++
	metricOpenVfiles.Set(float64(len(t.files)))
	t.lock.Release()

	if vf.mountPath != "" {
		t.tree.TrackOpen(vf.mountPath)
	}

	if flags&Trunc != 0 {
		if err := fs.Truncate(addr, 0); err != nil {
			return nil, err
		}
		vf.lock.Acquire()
		vf.size = 0
		vf.lock.Release()
	}

	h := &Handle{vf: vf, flags: flags}
	if flags&Append != 0 {
		vf.lock.Acquire()
		h.fileOffset = vf.size
		vf.lock.Release()
	}

	vf.lock.Acquire()
	vf.handles[h] = struct{}{}
	vf.lock.Release()

	return h, nil
}

func direntName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// Read serves from the handle's sector
// buffer where possible, otherwise via fs.ReadFileSectors, atomic under the
// vfile's lock.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.flags&Read == 0 {
		return 0, errNotOpenForRead
	}

	h.vf.lock.Acquire()
	defer h.vf.lock.Release()

	sectorSize := uint64(h.vf.key.fs.SectorSize())

	// A stream fs (pipefs, devfs, memfs) has no fixed size: hand it the
	// whole buffer in one call and propagate its short return. Only
	// block-backed cacheable files go through the sector-buffered path
	// below.
	if !h.vf.key.fs.Cacheable() {
		n, err := h.vf.key.fs.ReadFileSectors(h.vf.key.addr, buf, h.fileOffset/sectorSize)
		if err != nil {
			return 0, err
		}
		h.fileOffset += uint64(n)
		return n, nil
	}

	total := 0

	for total < len(buf) {
		if h.fileOffset >= h.vf.size {
			break
		}
		sector := h.fileOffset / sectorSize
		within := h.fileOffset % sectorSize

		if !(h.bufValid && h.bufSector == sector) {
			tmp := make([]byte, sectorSize)
			n, err := h.vf.key.fs.ReadFileSectors(h.vf.key.addr, tmp, sector)
			if err != nil {
				return total, err
			}
			if n == 0 {
				break
			}
			h.buf = tmp
			h.bufSector = sector
			h.bufValid = true
		}

		avail := sectorSize - within
		want := uint64(len(buf) - total)
		if want < avail {
			avail = want
		}
		if remaining := h.vf.size - h.fileOffset; avail > remaining {
			avail = remaining
		}
		copy(buf[total:], h.buf[within:within+avail])
		total += int(avail)
		h.fileOffset += avail

		if within+avail >= sectorSize {
			h.bufValid = false
		}
	}

	return total, nil
}

// Write: unaligned head/tail sectors are
// read-modify-written (reusing the handle's cached sector when valid and
// cacheable), aligned middle goes straight to fs.WriteFileSectors. On a
// size change every other handle's sector buffer is invalidated.
func (h *Handle) Write(buf []byte) (int, error) {
	if h.flags&Write == 0 {
		return 0, errNotOpenForWrite
	}

	h.vf.lock.Acquire()
	defer h.vf.lock.Release()

	if h.flags&Append != 0 {
		h.fileOffset = h.vf.size
	}

	sectorSize := uint64(h.vf.key.fs.SectorSize())

	// Stream fs: one call, short return propagated, no sector caching and
	// no size tracking (a stream has no stable size to update).
	if !h.vf.key.fs.Cacheable() {
		n, err := h.vf.key.fs.WriteFileSectors(h.vf.key.addr, buf, h.fileOffset/sectorSize)
		if n > 0 {
			h.fileOffset += uint64(n)
		}
		return n, err
	}

	total := 0

	for total < len(buf) {
		sector := h.fileOffset / sectorSize
		within := h.fileOffset % sectorSize

		tmp := make([]byte, sectorSize)
		if within != 0 || uint64(len(buf)-total) < sectorSize {
			if h.bufValid && h.bufSector == sector {
				copy(tmp, h.buf)
			} else if h.fileOffset < h.vf.size {
				if _, err := h.vf.key.fs.ReadFileSectors(h.vf.key.addr, tmp, sector); err != nil {
					return total, err
				}
			}
		}

		avail := sectorSize - within
		want := uint64(len(buf) - total)
		if want < avail {
			avail = want
		}
		copy(tmp[within:within+avail], buf[total:total+int(avail)])

		if _, err := h.vf.key.fs.WriteFileSectors(h.vf.key.addr, tmp, sector); err != nil {
			return total, err
		}

		h.buf = tmp
		h.bufSector = sector
		h.bufValid = true

		total += int(avail)
		h.fileOffset += avail
		if h.fileOffset > h.vf.size {
			h.vf.size = h.fileOffset
		}
	}

	if total > 0 {
		h.vf.modified = true
		for other := range h.vf.handles {
			if other != h {
				other.bufValid = false
			}
		}
	}
	return total, nil
}

// Seek repositions the handle's cursor; whence follows io.Seeker's
// semantics (0=start, 1=current, 2=end).
func (h *Handle) Seek(offset int64, whence int) (uint64, error) {
	if h.flags&Seekable == 0 {
		return 0, errNotSeekable
	}

	h.vf.lock.Acquire()
	defer h.vf.lock.Release()

	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = int64(h.fileOffset)
	case 2:
		base = int64(h.vf.size)
	default:
		return 0, errno.New(errno.EINVAL, "vfile", "invalid whence %d", whence)
	}

	newOffset := base + offset
	if newOffset < 0 {
		return 0, errno.New(errno.EINVAL, "vfile", "negative resulting offset")
	}
	h.fileOffset = uint64(newOffset)
	h.bufValid = false
	return h.fileOffset, nil
}

// Truncate resizes the underlying file to size, backing the TRUNCATE
// syscall. Every handle sharing this vfile observes the new
// size on its next Seek(0, SEEK_END) or Read past it.
func (h *Handle) Truncate(size uint64) error {
	h.vf.lock.Acquire()
	fs := h.vf.key.fs
	addr := h.vf.key.addr
	h.vf.lock.Release()

	if err := fs.Truncate(addr, size); err != nil {
		return err
	}

	h.vf.lock.Acquire()
	h.vf.size = size
	h.vf.modified = true
	h.vf.lock.Release()
	return nil
}

// Close drops handle's reference. Once the vfile's handle count reaches
// zero it is removed from the table and, if modified, enqueued onto the
// lazy-flush queue before fs.CloseFile runs.
func (h *Handle) Close(t *Table) error {
	vf := h.vf

	vf.lock.Acquire()
	delete(vf.handles, h)
	vf.refCount--
	last := vf.refCount <= 0
	modified := vf.modified
	size := vf.size
	vf.lock.Release()

	if vf.mountPath != "" {
		t.tree.TrackClose(vf.mountPath)
	}

	if !last {
		return nil
	}

	t.lock.Acquire()
	delete(t.files, vf.key)
	metricOpenVfiles.Set(float64(len(t.files)))
	t.lock.Release()

	if modified {
		select {
		case t.flushQueue <- flushEntry{fs: vf.key.fs, parentIno: vf.parentIno, name: vf.name, path: vf.path, addr: vf.key.addr, size: size}:
		default:
			klog.Module("vfile").WithField("path", vf.path).Warn("flush queue full, update dropped")
		}
	}

	return vf.key.fs.CloseFile(vf.key.addr)
}
