// Package config parses the kernel's boot-time tunables: PMM region size,
// scheduler queue count, FD table size, name-cache size and timer tick
// rate live in a single TOML-sourced struct instead of scattered magic
// numbers.
package config

import (
	"github.com/pelletier/go-toml/v2"
)

// Kernel holds every tunable referenced by the core subsystems. Zero values
// are invalid; always obtain a Kernel via Default() or Parse().
type Kernel struct {
	// Mem controls the physical/virtual memory managers.
	Mem struct {
		RegionSizeMB    uint32 `toml:"region_size_mb"`
		HeapMinExpandKB uint32 `toml:"heap_min_expand_kb"`
	} `toml:"mem"`

	// Sched controls the scheduler.
	Sched struct {
		PriorityLevels int `toml:"priority_levels"`
		TickRateHz     int `toml:"tick_rate_hz"`
	} `toml:"sched"`

	// Proc controls per-process resource limits.
	Proc struct {
		MaxFDs int `toml:"max_fds"`
	} `toml:"proc"`

	// VFS controls the virtual filesystem tree.
	VFS struct {
		NameCacheSize int `toml:"name_cache_size"`
	} `toml:"vfs"`
}

// Default returns the boot defaults used absent an explicit boot TOML
// blob.
func Default() Kernel {
	var k Kernel
	k.Mem.RegionSizeMB = 64
	k.Mem.HeapMinExpandKB = 64
	k.Sched.PriorityLevels = 4
	k.Sched.TickRateHz = 1000
	k.Proc.MaxFDs = 32
	k.VFS.NameCacheSize = 4096
	return k
}

// Parse decodes a TOML-encoded configuration blob (e.g. embedded in the
// boot volume or passed by the bootloader as a module), falling back to
// Default() field-by-field for anything the blob does not set.
func Parse(data []byte) (Kernel, error) {
	k := Default()
	if len(data) == 0 {
		return k, nil
	}
	if err := toml.Unmarshal(data, &k); err != nil {
		return Kernel{}, err
	}
	return k, nil
}
