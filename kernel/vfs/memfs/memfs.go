// Package memfs adapts shared memory into the VFS: a flat registry of named
// files where each file represents a shared-memory object. Reading a MEMFS
// file does not return the object's bytes — it opens the shm instance for
// the calling process, maps it into that process's address space, and
// returns a mem_desc{vaddr} struct describing where it landed. A process
// gets at most one mapping per file; repeated reads hand back the same
// vaddr instead of opening a second instance.
package memfs

import (
	"encoding/binary"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/shm"
	"bincows/kernel/mem/vmm"
	ksync "bincows/kernel/sync"
	"bincows/kernel/vfs"
)

// RootIno is the single directory inode memfs exposes, matching devfs's
// flat single-directory layout.
const RootIno = 1

// descSize is sizeof(mem_desc): one mapped virtual address.
const descSize = 8

// mapFlags are the PTE bits every memfs mapping is installed with: present,
// writable, user-accessible, never executable, matching shm.Create's own
// choice of flags for populating an shm object's frames.
const mapFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUser | vmm.FlagNoExecute

// ProcessContext resolves the caller's identity and user address space, the
// dependency memfs needs to know whose page table to map an opened shm
// instance into. Injected the same way devfs takes a ReadFunc/WriteFunc
// pair per device rather than threading a pid through every fs vtable call
// — vfile.FS's ReadFileSectors has no room for one.
type ProcessContext interface {
	// CurrentPID returns the pid of the process issuing the current read.
	CurrentPID() int
	// Root returns pid's user page-table root and the next unused slot in
	// its address space memfs may map a 1 GiB-aligned shm object into.
	Root(pid int) (root pmm.Frame, mmapBase uintptr, err error)
}

type file struct {
	ino   uint64
	name  string
	shmID shm.ID
}

type mapKey struct {
	pid int
	ino uint64
}

// Table is the MEMFS registry: named files backed by shm ids, plus the
// per-(process,file) mapping cache that makes repeated reads idempotent.
type Table struct {
	lock    ksync.Spinlock
	files   map[uint64]*file
	byName  map[string]uint64
	nextIno uint64

	shm     *shm.Table
	ctx     ProcessContext
	allocFn vmm.FrameAllocatorFn

	mapLock ksync.Spinlock
	mapped  map[mapKey]uintptr
	cursor  map[int]uintptr // pid -> next free 1 GiB slot
}

// NewTable creates an empty MEMFS registry backed by shmTable, resolving
// per-process address-space context through ctx. allocFn backs the
// intermediate page-table-level frames MapInto's walk needs while
// projecting an shm object into a process (the object's own data frames
// are already committed by shm.Create).
func NewTable(shmTable *shm.Table, ctx ProcessContext, allocFn vmm.FrameAllocatorFn) *Table {
	return &Table{
		files:   make(map[uint64]*file),
		byName:  make(map[string]uint64),
		nextIno: RootIno + 1,
		shm:     shmTable,
		ctx:     ctx,
		allocFn: allocFn,
		mapped:  make(map[mapKey]uintptr),
		cursor:  make(map[int]uintptr),
	}
}

// Register exposes id as a MEMFS file named name, returning the inode
// future opens/reads address it by.
func (t *Table) Register(name string, id shm.ID) (uint64, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if _, exists := t.byName[name]; exists {
		return 0, errno.New(errno.EEXIST, "memfs", "file %s already registered", name)
	}

	ino := t.nextIno
	t.nextIno++
	t.files[ino] = &file{ino: ino, name: name, shmID: id}
	t.byName[name] = ino
	return ino, nil
}

// Unregister removes a MEMFS file by inode. It does not close or destroy
// the underlying shm object — callers that created it still own it.
func (t *Table) Unregister(ino uint64) {
	t.lock.Acquire()
	defer t.lock.Release()
	if f, ok := t.files[ino]; ok {
		delete(t.byName, f.name)
		delete(t.files, ino)
	}
}

func (t *Table) lookup(ino uint64) (*file, error) {
	t.lock.Acquire()
	f, ok := t.files[ino]
	t.lock.Release()
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return f, nil
}

// ReadDir implements vfs.FS: every registered file as a DT_REG entry
// directly under RootIno.
func (t *Table) ReadDir(ino uint64) ([]vfs.Dirent, error) {
	if ino != RootIno {
		return nil, vfs.ErrNotFound
	}

	t.lock.Acquire()
	defer t.lock.Release()

	out := make([]vfs.Dirent, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, vfs.Dirent{Name: f.name, Ino: f.ino, IsDir: false})
	}
	return out, nil
}

// Cacheable reports false: a MEMFS read is a side-effecting mapping
// operation, never a stable byte range a sector buffer could cache.
func (t *Table) Cacheable() bool { return false }

// SectorSize is sizeof(mem_desc): vfile's handle-local buffer, when used at
// all by a generic caller, degenerates to one mem_desc-sized unit.
func (t *Table) SectorSize() uint32 { return descSize }

// ReadFileSectors opens and maps addr's shm
// object into the calling process exactly once, and always returns that
// mapping's vaddr encoded as a little-endian mem_desc.
func (t *Table) ReadFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	if len(buf) < descSize {
		return 0, errno.New(errno.EINVAL, "memfs", "read buffer smaller than mem_desc")
	}
	// A mem_desc has exactly one "sector": the descriptor itself. Any
	// further read is EOF; the file size never grows.
	if startSector > 0 {
		return 0, nil
	}

	f, err := t.lookup(addr)
	if err != nil {
		return 0, err
	}

	vaddr, err := t.mapForCurrentProcess(f)
	if err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint64(buf, uint64(vaddr))
	return descSize, nil
}

func (t *Table) mapForCurrentProcess(f *file) (uintptr, error) {
	pid := t.ctx.CurrentPID()
	key := mapKey{pid: pid, ino: f.ino}

	t.mapLock.Acquire()
	if vaddr, ok := t.mapped[key]; ok {
		t.mapLock.Release()
		return vaddr, nil
	}
	t.mapLock.Release()

	root, mmapBase, err := t.ctx.Root(pid)
	if err != nil {
		return 0, err
	}

	inst, err := t.shm.Open(f.shmID)
	if err != nil {
		return 0, err
	}

	t.mapLock.Acquire()
	vaddr, ok := t.mapped[key]
	if ok {
		t.mapLock.Release()
		_ = t.shm.Close(inst)
		return vaddr, nil
	}
	if t.cursor[pid] == 0 {
		t.cursor[pid] = mmapBase
	}
	vaddr = t.cursor[pid]
	t.cursor[pid] = vaddr + uintptr(shm.MaxSize)
	t.mapLock.Release()

	if err := t.shm.MapInto(root, inst.Target, vaddr, mapFlags, t.allocFn); err != nil {
		_ = t.shm.Close(inst)
		return 0, err
	}

	t.mapLock.Acquire()
	t.mapped[key] = vaddr
	t.mapLock.Release()

	klog.Module("memfs").
		WithField("pid", pid).
		WithField("file", f.name).
		WithField("vaddr", vaddr).
		Debug("shm mapped for process")

	return vaddr, nil
}

// WriteFileSectors is unsupported: a MEMFS entry is read-only metadata
// (the mem_desc), never a byte stream a caller writes through.
func (t *Table) WriteFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	return 0, errno.New(errno.ENOSYS, "memfs", "memfs files are not writable")
}

// CloseFile is a no-op: the shm instance this process opened stays mapped
// for its lifetime, matching "repeated reads return the same vaddr" — a
// close on the fd does not unmap it.
func (t *Table) CloseFile(addr uint64) error { return nil }

// Truncate delegates to the underlying shm object, letting a process grow
// or shrink the shared region through the same fd it reads mem_desc from.
func (t *Table) Truncate(addr uint64, size uint64) error {
	f, err := t.lookup(addr)
	if err != nil {
		return err
	}
	return t.shm.Truncate(f.shmID, mem.Size(size))
}

// UpdateDirent is a no-op: MEMFS metadata never changes via the lazy-flush
// path (a file's identity is its shm id, fixed at Register time).
func (t *Table) UpdateDirent(parentIno uint64, name string, addr uint64, size uint64) error {
	return nil
}
