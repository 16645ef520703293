package kmain

import (
	"bincows/kernel"
	"bincows/kernel/config"
	"bincows/kernel/goruntime"
	"bincows/kernel/hal"
	"bincows/kernel/hal/multiboot"
	"bincows/kernel/klog"
	"bincows/kernel/mem"
	"bincows/kernel/mem/pmm"
	"bincows/kernel/mem/vmm"
	"bincows/kernel/vfs"
	"bincows/kernel/vfs/devfs"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// buildAllocator walks the multiboot memory map and registers every
// available region with a, chunking regions larger than a single pmm
// Region (RegionSize) and excluding the frames the kernel image itself
// occupies so they are never handed out.
func buildAllocator(a *pmm.Allocator, kernelStart, kernelEnd uintptr, maxRegionFrames uint32) {
	kernelStartFrame := pmm.FrameFromAddress(kernelStart)
	kernelEndFrame := pmm.FrameFromAddress(kernelEnd + uintptr(mem.PageSize) - 1)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		startFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrame := pmm.Frame((region.PhysAddress + region.Length) >> mem.PageShift)

		registerRange(a, startFrame, endFrame, kernelStartFrame, kernelEndFrame, maxRegionFrames)
		return true
	})
}

// registerRange adds [start, end) to a in maxRegionFrames-sized chunks,
// carving out any overlap with [kernelStart, kernelEnd) so the running
// kernel image is never treated as free memory. maxRegionFrames comes from
// the boot configuration and is capped at a Region's own ceiling.
func registerRange(a *pmm.Allocator, start, end, kernelStart, kernelEnd pmm.Frame, maxRegionFrames uint32) {
	if start >= end {
		return
	}

	if start < kernelEnd && kernelStart < end {
		if start < kernelStart {
			registerRange(a, start, kernelStart, kernelStart, kernelEnd, maxRegionFrames)
		}
		if kernelEnd < end {
			registerRange(a, kernelEnd, end, kernelStart, kernelEnd, maxRegionFrames)
		}
		return
	}

	if maxRegionFrames == 0 || maxRegionFrames > pmm.FramesPerRegion {
		maxRegionFrames = pmm.FramesPerRegion
	}

	for start < end {
		chunk := uint32(end - start)
		if chunk > maxRegionFrames {
			chunk = maxRegionFrames
		}
		a.AddRegion(start, chunk)
		start += pmm.Frame(chunk)
	}
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	cfg, cfgErr := config.Parse(multiboot.GetBootModule())
	if cfgErr != nil {
		// A malformed boot module is not worth refusing to boot over;
		// fall back to the compiled-in defaults and report it once the
		// console is up.
		cfg = config.Default()
	}

	frames := pmm.NewAllocator()
	buildAllocator(frames, kernelStart, kernelEnd, cfg.Mem.RegionSizeMB*uint32(mem.Mb/mem.PageSize))

	allocFn := func() pmm.Frame { return frames.AllocSingle() }

	var err error
	vmm.SetFrameAllocator(allocFn)
	if err = vmm.Init(); err != nil {
		panic(err)
	}

	if err = goruntime.Init(vmm.ActiveRootFrame(), allocFn); err != nil {
		panic(err)
	}

	// The Go allocator is live past this point; route structured logging
	// to the console the boot layer already attached.
	klog.SetOutput(hal.ActiveTerminal)

	core, err := InitCore(cfg, frames, vmm.ActiveRootFrame(), allocFn)
	if err != nil {
		panic(err)
	}
	if cfgErr != nil {
		klog.Module("kmain").WithField("err", cfgErr).Warn("boot config module is not valid TOML, booted with defaults")
	}

	registerConsole(core)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// registerConsole exposes the active terminal as /dev/tty: reads return
// nothing (no keyboard driver is wired yet), writes land on the console.
func registerConsole(core *Core) {
	_, err := core.Devices.Register("tty", devfs.RightRead|devfs.RightWrite, vfs.UnboundedSize(),
		func(interface{}, []byte, uint64) (int, error) { return 0, nil },
		func(_ interface{}, buf []byte, _ uint64) (int, error) { return hal.ActiveTerminal.Write(buf) },
		nil)
	if err != nil {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "cannot register console device"})
	}
}
