// Package devfs implements the device filesystem: a flat registry of
// named devices backed by read/write callbacks, exposed through the same
// vfs.FS/vfile.FS vtables every other adapter uses.
package devfs

import (
	"bincows/kernel/errno"
	ksync "bincows/kernel/sync"
	"bincows/kernel/vfs"
)

// Rights is a device's access-rights bitmask.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
)

// ReadFunc/WriteFunc are a device's IO callbacks; arg is the opaque value
// supplied at registration.
type ReadFunc func(arg interface{}, buf []byte, offset uint64) (int, error)
type WriteFunc func(arg interface{}, buf []byte, offset uint64) (int, error)

type device struct {
	ino     uint64
	name    string
	size    vfs.Size
	rights  Rights
	readFn  ReadFunc
	writeFn WriteFunc
	arg     interface{}
}

// RootIno is the single directory inode devfs exposes; every device hangs
// directly off it.
const RootIno = 1

// Table is the device registry. One spinlock guards it; devices are
// registered once at driver-init time and rarely thereafter, so contention
// is not a concern.
type Table struct {
	lock    ksync.Spinlock
	devices map[uint64]*device
	byName  map[string]uint64
	nextIno uint64
}

// NewTable creates an empty device registry.
func NewTable() *Table {
	return &Table{devices: make(map[uint64]*device), byName: make(map[string]uint64), nextIno: RootIno + 1}
}

// Register adds a device, returning the inode future opens/reads address it
// by.
func (t *Table) Register(name string, rights Rights, size vfs.Size, readFn ReadFunc, writeFn WriteFunc, arg interface{}) (uint64, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if _, exists := t.byName[name]; exists {
		return 0, errno.New(errno.EEXIST, "devfs", "device %s already registered", name)
	}

	ino := t.nextIno
	t.nextIno++
	t.devices[ino] = &device{ino: ino, name: name, size: size, rights: rights, readFn: readFn, writeFn: writeFn, arg: arg}
	t.byName[name] = ino
	return ino, nil
}

// Unregister removes a device by inode.
func (t *Table) Unregister(ino uint64) {
	t.lock.Acquire()
	defer t.lock.Release()
	if d, ok := t.devices[ino]; ok {
		delete(t.byName, d.name)
		delete(t.devices, ino)
	}
}

// ReadDir implements vfs.FS: every registered device as a DT_REG entry
// directly under RootIno.
func (t *Table) ReadDir(ino uint64) ([]vfs.Dirent, error) {
	if ino != RootIno {
		return nil, vfs.ErrNotFound
	}

	t.lock.Acquire()
	defer t.lock.Release()

	out := make([]vfs.Dirent, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, vfs.Dirent{Name: d.name, Ino: d.ino, IsDir: false})
	}
	return out, nil
}

// Cacheable reports false: device content and presence can change outside
// of a mount/unmount (hot-plug), and a byte read from e.g. a random-number
// device must never be served from a stale sector buffer.
func (t *Table) Cacheable() bool { return false }

// SectorSize is 1: devices are byte-addressable, not sector-addressable;
// vfile's "sector" unit degenerates to a single byte offset here.
func (t *Table) SectorSize() uint32 { return 1 }

func (t *Table) lookup(ino uint64) (*device, error) {
	t.lock.Acquire()
	d, ok := t.devices[ino]
	t.lock.Release()
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return d, nil
}

// ReadFileSectors dispatches to the device's read_fn, matching addr to the
// registered device and treating startSector as a byte offset.
func (t *Table) ReadFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	d, err := t.lookup(addr)
	if err != nil {
		return 0, err
	}
	if d.rights&RightRead == 0 {
		return 0, errno.New(errno.EACCES, "devfs", "device %s is not readable", d.name)
	}
	return d.readFn(d.arg, buf, startSector)
}

// WriteFileSectors dispatches to the device's write_fn.
func (t *Table) WriteFileSectors(addr uint64, buf []byte, startSector uint64) (int, error) {
	d, err := t.lookup(addr)
	if err != nil {
		return 0, err
	}
	if d.rights&RightWrite == 0 {
		return 0, errno.New(errno.EACCES, "devfs", "device %s is not writable", d.name)
	}
	return d.writeFn(d.arg, buf, startSector)
}

// CloseFile is a no-op: devices have no per-handle teardown.
func (t *Table) CloseFile(addr uint64) error { return nil }

// Truncate is unsupported on devices.
func (t *Table) Truncate(addr uint64, size uint64) error {
	return errno.New(errno.ENOSYS, "devfs", "truncate not supported on devices")
}

// UpdateDirent is a no-op: device metadata never changes via the lazy-flush
// path (size/rights are fixed at Register time).
func (t *Table) UpdateDirent(parentIno uint64, name string, addr uint64, size uint64) error {
	return nil
}
