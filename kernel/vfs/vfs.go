// Package vfs implements the kernel's virtual filesystem tree: a mount
// table keyed by path, a per-path name cache, and path resolution that
// walks a mounted fs's directory vtable on a cache miss.
package vfs

import (
	"hash/fnv"
	"path"
	"strings"

	radix "github.com/hashicorp/go-immutable-radix"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	ksync "bincows/kernel/sync"
)

// nameCacheSize is the default direct-mapped name cache size,
// power-of-two.
const nameCacheSize = 4096

// FS is the per-filesystem vtable a mount attaches. read_dir is the only
// primitive path resolution needs; fs-specific read/write/truncate live in
// kernel/vfs/vfile and the per-fs adapter packages.
type FS interface {
	ReadDir(ino uint64) ([]Dirent, error)
	Cacheable() bool
}

// Dirent describes a resolved filesystem entity.
type Dirent struct {
	Name  string
	Ino   uint64
	IsDir bool
}

// Size is a file size that is either exactly known or unbounded (a pipe,
// a character device).
type Size struct {
	value   uint64
	known   bool
	unbound bool
}

// KnownSize returns a Size carrying an exact byte count.
func KnownSize(v uint64) Size { return Size{value: v, known: true} }

// UnboundedSize returns a Size for an entity with no fixed length (a pipe,
// a character device).
func UnboundedSize() Size { return Size{unbound: true} }

// Value reports the exact size and whether one exists.
func (s Size) Value() (uint64, bool) { return s.value, s.known }

// ErrNotFound is the `FS_NO` sentinel: the path surely does not exist.
var ErrNotFound = errno.New(errno.ENOENT, "vfs", "path not found")

type mount struct {
	path string
	fs   FS
	root uint64
	// openFiles counts live handles on this mount's fs; vfile bumps and
	// drops it via Tree.TrackOpen/TrackClose as handles come and go.
	openFiles int
}

type cacheEntry struct {
	path      string
	valid     bool
	fs        FS // nil means "virtual directory, no fs-backed entity"
	dirent    Dirent
	mountPath string
}

// Tree is the global VFS tree. Two spinlocks guard it: the mount table's
// own lock and the name cache's.
// mountLock is always acquired before cacheLock when both are needed; the
// two are never held past a single Tree method call.
type Tree struct {
	mountLock ksync.Spinlock
	mounts    *radix.Tree
	children  map[string]map[string]bool

	cacheLock ksync.Spinlock
	cache     []cacheEntry
}

// New creates a VFS tree with a single virtual root and the default name
// cache size.
func New() *Tree {
	return NewSized(nameCacheSize)
}

// NewSized creates a VFS tree whose name cache holds entries slots. The
// cache is direct-mapped, so the size is rounded up to the next power of
// two; non-positive values fall back to the default.
func NewSized(entries int) *Tree {
	if entries <= 0 {
		entries = nameCacheSize
	}
	size := 1
	for size < entries {
		size <<= 1
	}
	return &Tree{
		mounts:   radix.New(),
		children: map[string]map[string]bool{"/": {}},
		cache:    make([]cacheEntry, size),
	}
}

// Simplify collapses `//`, resolves `.`/`..`, and drops any trailing
// slash. Always returns an absolute path.
func Simplify(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func splitParent(p string) (parent, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/", p[idx+1:]
	}
	return p[:idx], p[idx+1:]
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Mount creates a vdir at the simplified path if absent and attaches fs to
// it, rooted at rootIno.
func (t *Tree) Mount(mountPath string, fs FS, rootIno uint64) error {
	p := Simplify(mountPath)

	t.mountLock.Acquire()
	defer t.mountLock.Release()

	if _, ok := t.mounts.Get([]byte(p)); ok {
		return errno.New(errno.EEXIST, "vfs", "mount point %s already exists", p)
	}

	t.ensureVDirLocked(p)

	newTree, _, _ := t.mounts.Insert([]byte(p), &mount{path: p, fs: fs, root: rootIno})
	t.mounts = newTree

	t.invalidateMountLocked(p)

	klog.Module("vfs").WithField("path", p).Debug("mount attached")
	return nil
}

// ensureVDirLocked registers p and every ancestor prefix as a virtual
// directory. Caller must hold mountLock.
func (t *Tree) ensureVDirLocked(p string) {
	if _, ok := t.children[p]; ok {
		return
	}
	parent, name := splitParent(p)
	if parent != p {
		t.ensureVDirLocked(parent)
		t.children[parent][name] = true
	}
	t.children[p] = map[string]bool{}
}

// Unmount refuses if open files remain on the mount's fs or if the vdir
// still has children.
func (t *Tree) Unmount(mountPath string) error {
	p := Simplify(mountPath)

	t.mountLock.Acquire()
	defer t.mountLock.Release()

	v, ok := t.mounts.Get([]byte(p))
	if !ok {
		return errno.New(errno.ENOENT, "vfs", "no mount at %s", p)
	}
	m := v.(*mount)
	if m.openFiles != 0 {
		return errno.New(errno.EBUSY, "vfs", "mount %s has open files", p)
	}
	if len(t.children[p]) != 0 {
		return errno.New(errno.ENOTEMPTY, "vfs", "mount %s has children", p)
	}

	newTree, _, _ := t.mounts.Delete([]byte(p))
	t.mounts = newTree
	delete(t.children, p)
	if parent, name := splitParent(p); parent != p {
		delete(t.children[parent], name)
	}

	t.invalidateMountLocked(p)
	klog.Module("vfs").WithField("path", p).Debug("mount detached")
	return nil
}

// TrackOpen/TrackClose let kernel/vfs/vfile keep a mount's open-file count
// current so Unmount can refuse correctly. An empty or unknown mount path
// is a no-op (anonymous files like pipes belong to no mount).
func (t *Tree) TrackOpen(mountPath string) {
	t.mountLock.Acquire()
	defer t.mountLock.Release()
	if v, ok := t.mounts.Get([]byte(mountPath)); ok {
		v.(*mount).openFiles++
	}
}

func (t *Tree) TrackClose(mountPath string) {
	t.mountLock.Acquire()
	defer t.mountLock.Release()
	if v, ok := t.mounts.Get([]byte(mountPath)); ok {
		v.(*mount).openFiles--
	}
}

// MountPathFor returns the path of the mount owning p, or "" when p is not
// under any mount. vfile uses this at open time to pin the owning mount's
// open-file count for the life of the handle.
func (t *Tree) MountPathFor(p string) string {
	p = Simplify(p)
	t.mountLock.Acquire()
	defer t.mountLock.Release()
	_, mountPath := t.mountForLocked(p)
	return mountPath
}

// mountForLocked finds the mount owning p by longest-prefix match. A raw
// radix LongestPrefix would claim /device for a mount at /dev, so matches
// are only accepted on a path-component boundary; a rejected match retries
// with the offending prefix shortened until the root is reached. Caller
// must hold mountLock.
func (t *Tree) mountForLocked(p string) (*mount, string) {
	search := []byte(p)
	for {
		prefix, v, ok := t.mounts.Root().LongestPrefix(search)
		if !ok {
			return nil, ""
		}
		mp := string(prefix)
		if mp == "/" || p == mp || strings.HasPrefix(p, mp+"/") {
			return v.(*mount), mp
		}
		search = prefix[:len(prefix)-1]
	}
}

// isVDirLocked reports whether p names a registered virtual directory.
// Caller must hold mountLock.
func (t *Tree) isVDirLocked(p string) bool {
	_, ok := t.children[p]
	return ok
}

// Resolve walks a path to its owning fs: simplify, probe the cache,
// and on a miss locate the owning mount by longest-prefix match and walk
// its directory vtable component by component.
func (t *Tree) Resolve(reqPath string) (FS, *Dirent, error) {
	p := Simplify(reqPath)

	if fs, dirent, hit := t.cacheGet(p); hit {
		return fs, dirent, nil
	}

	t.mountLock.Acquire()
	m, mountPath := t.mountForLocked(p)
	isVDir := t.isVDirLocked(p)
	t.mountLock.Release()

	if m == nil {
		if isVDir {
			return nil, nil, nil
		}
		return nil, nil, ErrNotFound
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, mountPath), "/")

	dirent, err := t.walkFS(m, mountPath, rel)
	if err != nil {
		if isVDir {
			return nil, nil, nil
		}
		return nil, nil, ErrNotFound
	}

	t.cacheInsert(p, mountPath, m.fs, *dirent)
	return m.fs, dirent, nil
}

// walkFS descends rel (already stripped of its mount prefix) component by
// component through m's directory vtable, inserting every directory's
// children into the cache predictively as it goes.
func (t *Tree) walkFS(m *mount, mountPath, rel string) (*Dirent, error) {
	if rel == "" {
		return &Dirent{Name: "", Ino: m.root, IsDir: true}, nil
	}

	curIno := m.root
	prefix := mountPath
	var found Dirent

	for _, name := range strings.Split(rel, "/") {
		entries, err := m.fs.ReadDir(curIno)
		if err != nil {
			return nil, err
		}
		if m.fs.Cacheable() {
			t.insertChildren(prefix, mountPath, m.fs, entries)
		}

		var next *Dirent
		for i := range entries {
			if entries[i].Name == name {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			return nil, ErrNotFound
		}

		curIno = next.Ino
		prefix = joinPath(prefix, name)
		found = *next
	}

	return &found, nil
}

func (t *Tree) cacheIndex(p string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p))
	return int(h.Sum32() % uint32(len(t.cache)))
}

func (t *Tree) cacheGet(p string) (FS, *Dirent, bool) {
	t.cacheLock.Acquire()
	defer t.cacheLock.Release()

	e := &t.cache[t.cacheIndex(p)]
	if !e.valid || e.path != p {
		return nil, nil, false
	}
	if e.fs == nil {
		return nil, nil, true
	}
	d := e.dirent
	return e.fs, &d, true
}

func (t *Tree) cacheInsert(p, mountPath string, fs FS, d Dirent) {
	t.cacheLock.Acquire()
	defer t.cacheLock.Release()
	t.cache[t.cacheIndex(p)] = cacheEntry{path: p, valid: true, fs: fs, dirent: d, mountPath: mountPath}
}

func (t *Tree) insertChildren(parentPath, mountPath string, fs FS, entries []Dirent) {
	t.cacheLock.Acquire()
	defer t.cacheLock.Release()
	for _, e := range entries {
		childPath := joinPath(parentPath, e.Name)
		t.cache[t.cacheIndex(childPath)] = cacheEntry{path: childPath, valid: true, fs: fs, dirent: e, mountPath: mountPath}
	}
}

// Invalidate drops the cache entry for path, if any. kernel/vfs/vfile calls
// this once its lazy-flush worker has pushed a metadata update to the
// owning fs: flush queue insertion happens before the name-cache
// update drain" ordering guarantee.
func (t *Tree) Invalidate(p string) {
	p = Simplify(p)
	t.cacheLock.Acquire()
	defer t.cacheLock.Release()
	e := &t.cache[t.cacheIndex(p)]
	if e.valid && e.path == p {
		*e = cacheEntry{}
	}
}

// invalidateMountLocked drops every cache entry belonging to mountPath.
// Caller must hold mountLock; this acquires cacheLock itself (mountLock is
// always taken first, so this never inverts the lock order).
func (t *Tree) invalidateMountLocked(mountPath string) {
	t.cacheLock.Acquire()
	defer t.cacheLock.Release()
	for i := range t.cache {
		if t.cache[i].valid && t.cache[i].mountPath == mountPath {
			t.cache[i] = cacheEntry{}
		}
	}
}
