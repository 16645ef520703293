package pmm

import (
	"github.com/prometheus/client_golang/prometheus"

	"bincows/kernel/errno"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	ksync "bincows/kernel/sync"
)

// Allocator is a worst-fit physical frame allocator built from a set of
// memory regions (MRs), each tracking its own free space with a 4-level
// bitmap (see Region). Four block granularities feed region-level
// worst-fit free lists.
type Allocator struct {
	lock ksync.Spinlock

	regions []*Region
	// freeLists buckets every region by its highest non-empty level
	// (Region.class()); Alloc always pulls from the highest populated
	// list first, which is the worst-fit policy.
	freeLists [numLevels][]*Region

	totalFrames    uint32
	reservedFrames uint32
}

var (
	metricAvailableFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bincows",
		Subsystem: "pmm",
		Name:      "available_frames",
		Help:      "Number of unallocated 4 KiB physical frames.",
	})
	metricTotalFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bincows",
		Subsystem: "pmm",
		Name:      "total_frames",
		Help:      "Total number of 4 KiB physical frames known to the allocator.",
	})
)

func init() {
	prometheus.MustRegister(metricAvailableFrames, metricTotalFrames)
}

// NewAllocator builds an Allocator with no regions registered. Call
// AddRegion for each usable memory-map entry reported by the bootloader
// before the first Alloc.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// AddRegion registers a new, fully-free memory region spanning frameCount
// frames starting at startFrame. frameCount is clamped to FramesPerRegion;
// callers that report a larger free span must call AddRegion once per
// RegionSize-sized chunk, slicing the bootloader memory map along 64 MiB
// region boundaries.
func (a *Allocator) AddRegion(startFrame Frame, frameCount uint32) {
	if frameCount > FramesPerRegion {
		frameCount = FramesPerRegion
	}

	r := NewRegion(startFrame, frameCount)
	a.regions = append(a.regions, r)
	a.totalFrames += frameCount
	ensureArena(startFrame + Frame(frameCount))

	class := r.class()
	if class >= 0 {
		a.freeLists[class] = append(a.freeLists[class], r)
	}

	metricTotalFrames.Set(float64(a.totalFrames))
	metricAvailableFrames.Set(float64(a.TotalFrames() - a.reservedFrames))

	klog.Module("pmm").WithField("frames", frameCount).Debug("registered memory region")
}

// regionOf returns the region containing frame, or nil.
func (a *Allocator) regionOf(frame Frame) *Region {
	for _, r := range a.regions {
		if r.contains(frame) {
			return r
		}
	}
	return nil
}

// relist moves r to the free list matching its current class, if it has
// changed since it was last bucketed.
func (a *Allocator) relist(r *Region, oldClass int) {
	newClass := r.class()
	if newClass == oldClass {
		return
	}
	if oldClass >= 0 {
		list := a.freeLists[oldClass]
		for i, cand := range list {
			if cand == r {
				a.freeLists[oldClass] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	if newClass >= 0 {
		a.freeLists[newClass] = append(a.freeLists[newClass], r)
	}
}

// FrameCallback is invoked once per allocated frame as
// callback(paddr, vaddr_cursor, 1).
// vaddrCursor lets the caller maintain a virtual-address cursor across the
// call sequence; it is otherwise unused by the allocator.
type FrameCallback func(paddr uintptr, vaddrCursor uintptr, count int)

// Alloc reserves n physical frames, invoking cb once per frame in the order
// they were reserved. Frame exhaustion is
// unconditionally fatal: Alloc checks availability up front and panics
// rather than returning a recoverable error, so there is no partial
// allocation to roll back.
func (a *Allocator) Alloc(n int, vaddrCursor uintptr, cb FrameCallback) {
	a.lock.Acquire()
	defer a.lock.Release()

	if uint32(n) > a.totalFrames-a.reservedFrames {
		panic(errno.New(errno.ENOMEM, "pmm", "out of physical memory: requested %d frames, %d available", n, a.totalFrames-a.reservedFrames))
	}

	reserved := make([]Frame, 0, n)
	for len(reserved) < n {
		frame, ok := a.allocOneLocked()
		if !ok {
			panic(errno.New(errno.ENOMEM, "pmm", "out of physical memory"))
		}
		reserved = append(reserved, frame)
	}

	for i, f := range reserved {
		if cb != nil {
			cb(f.Address(), vaddrCursor+uintptr(i)*uintptr(mem.PageSize), 1)
		}
	}
	metricAvailableFrames.Set(float64(a.TotalFrames() - a.reservedFrames))
}

// AllocSingle reserves exactly one physical frame, panicking on
// exhaustion. The allocator has no recoverable-OOM mode.
func (a *Allocator) AllocSingle() Frame {
	a.lock.Acquire()
	defer a.lock.Release()

	frame, ok := a.allocOneLocked()
	if !ok {
		panic(errno.New(errno.ENOMEM, "pmm", "out of physical memory"))
	}
	metricAvailableFrames.Set(float64(a.TotalFrames() - a.reservedFrames))
	return frame
}

func (a *Allocator) allocOneLocked() (Frame, bool) {
	for class := numLevels - 1; class >= 0; class-- {
		list := a.freeLists[class]
		for len(list) > 0 {
			r := list[len(list)-1]
			if r.freeCount() == 0 {
				// Stale entry (emptied since last relist); drop it.
				list = list[:len(list)-1]
				a.freeLists[class] = list
				continue
			}

			frame, ok := r.findFreeFrame()
			if !ok {
				list = list[:len(list)-1]
				a.freeLists[class] = list
				continue
			}

			oldClass := r.class()
			r.mark(frame, true)
			a.reservedFrames++
			a.relist(r, oldClass)
			return frame, true
		}
	}
	return InvalidFrame, false
}

// Free returns the frame at paddr to the free pool. The frame's contents
// are zeroed before it becomes available again.
func (a *Allocator) Free(paddr uintptr) error {
	a.lock.Acquire()
	defer a.lock.Release()

	frame := FrameFromAddress(paddr)
	if !a.freeOneLocked(frame) {
		return errno.New(errno.EINVAL, "pmm", "frame 0x%x is not owned by any region", paddr)
	}
	metricAvailableFrames.Set(float64(a.TotalFrames() - a.reservedFrames))
	return nil
}

func (a *Allocator) freeOneLocked(frame Frame) bool {
	r := a.regionOf(frame)
	if r == nil {
		return false
	}
	zeroFrame(frame)

	oldClass := r.class()
	r.mark(frame, false)
	a.reservedFrames--
	a.relist(r, oldClass)
	return true
}

// AvailableFrames returns the number of frames not currently reserved.
func (a *Allocator) AvailableFrames() uint32 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.totalFrames - a.reservedFrames
}

// TotalFrames returns the total number of frames known to the allocator.
func (a *Allocator) TotalFrames() uint32 {
	return a.totalFrames
}

// Check verifies every region's internal bitmap invariants and that the
// allocator-wide reserved counter matches the sum of per-region reservations.
func (a *Allocator) Check() error {
	a.lock.Acquire()
	defer a.lock.Release()

	var reserved uint32
	for _, r := range a.regions {
		if err := r.Check(); err != nil {
			return err
		}
		reserved += r.frameCount - r.freeCount()
	}
	if reserved != a.reservedFrames {
		return errno.New(errno.EINVAL, "pmm", "allocator reservedFrames=%d but regions sum to %d", a.reservedFrames, reserved)
	}
	return nil
}
