package fs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/fs/fstest"
	"github.com/marmos91/flashfs/pkg/gc"
)

// wearRun rewrites a hot file cycles times next to a cold file and returns
// the largest erase count spread seen after any pass.
func wearRun(t *testing.T, opts gc.Options, cycles int) (maxSpread uint32, relocated int) {
	t.Helper()
	dev := flash.MustMemDevice(flash.Geometry{BlockSize: 1024, BlockCount: 20, ProgramAlign: 8})
	fsys := fstest.Format(t, dev, fs.Options{GC: opts})

	cold := fstest.Pattern(7, 4*fstest.Capacity)
	fstest.WriteFile(t, fsys, "cold", cold)

	for i := 0; i < cycles; i++ {
		fstest.WriteFile(t, fsys, "hot", fstest.Pattern(i, 500))
		stats, err := fsys.Collect(ctx)
		require.NoError(t, err)
		relocated += stats.Relocated
		if stats.SpreadAfter > maxSpread {
			maxSpread = stats.SpreadAfter
		}
	}

	assert.Equal(t, cold, fstest.ReadFile(t, fsys, "cold"))
	_, err := fsys.VerifyFile("cold")
	require.NoError(t, err)
	return maxSpread, relocated
}

func TestStaticWearLevelingBoundsSpread(t *testing.T) {
	t.Parallel()
	const threshold = 8
	opts := gc.Options{LowWater: 2, WearSpreadThreshold: threshold, MaxRelocations: 1}

	spread, relocated := wearRun(t, opts, 1000)
	assert.Greater(t, relocated, 0)
	assert.LessOrEqual(t, spread, uint32(threshold+3))
}

func TestWithoutRelocationColdBlocksFallBehind(t *testing.T) {
	t.Parallel()
	opts := gc.Options{LowWater: 2, WearSpreadThreshold: 8, MaxRelocations: 0}

	spread, relocated := wearRun(t, opts, 300)
	assert.Zero(t, relocated)
	assert.Greater(t, spread, uint32(16))
}
