package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	k := Default()
	require.Equal(t, uint32(64), k.Mem.RegionSizeMB)
	require.Equal(t, 4, k.Sched.PriorityLevels)
	require.Equal(t, 1000, k.Sched.TickRateHz)
	require.Equal(t, 32, k.Proc.MaxFDs)
	require.Equal(t, 4096, k.VFS.NameCacheSize)
}

func TestParseEmptyBlobYieldsDefaults(t *testing.T) {
	k, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), k)
}

func TestParseOverridesOnlyNamedFields(t *testing.T) {
	blob := []byte("[sched]\ntick_rate_hz = 250\n\n[vfs]\nname_cache_size = 512\n")
	k, err := Parse(blob)
	require.NoError(t, err)

	require.Equal(t, 250, k.Sched.TickRateHz)
	require.Equal(t, 512, k.VFS.NameCacheSize)

	// Everything the blob does not name keeps its default.
	require.Equal(t, Default().Sched.PriorityLevels, k.Sched.PriorityLevels)
	require.Equal(t, Default().Mem.HeapMinExpandKB, k.Mem.HeapMinExpandKB)
}

func TestParseRejectsMalformedTOML(t *testing.T) {
	_, err := Parse([]byte("[sched\ntick_rate_hz ="))
	require.Error(t, err)
}
