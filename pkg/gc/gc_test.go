package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/flash"
)

// fakeTarget runs passes against a real allocator over a memory device.
type fakeTarget struct {
	t      *testing.T
	dev    *flash.MemDevice
	alloc  *alloc.Allocator
	refs   map[uint64]int
	files  map[uint64]Candidate
	moved  []string
}

func (f *fakeTarget) Refs(owner uint64) int { return f.refs[owner] }

func (f *fakeTarget) ReclaimableBlocks() []uint32 { return f.alloc.Reclaimable(f) }

func (f *fakeTarget) Reclaim(block uint32) error { return f.alloc.Reclaim(block, f) }

func (f *fakeTarget) WearStats() alloc.Stats { return f.alloc.Stats() }

func (f *fakeTarget) RelocationCandidates() []Candidate {
	var out []Candidate
	for gen, c := range f.files {
		if f.refs[gen] > 0 {
			continue
		}
		c.MinEraseCount = ^uint32(0)
		for _, b := range c.Blocks {
			info, err := f.alloc.Info(b)
			require.NoError(f.t, err)
			if info.EraseCount < c.MinEraseCount {
				c.MinEraseCount = info.EraseCount
			}
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeTarget) Relocate(_ context.Context, c Candidate) error {
	gen := c.Generation + 1000
	blocks, err := f.alloc.AllocateWorn(len(c.Blocks), gen)
	if err != nil {
		return err
	}
	require.NoError(f.t, f.alloc.MarkStale(c.Blocks...))
	delete(f.files, c.Generation)
	f.files[gen] = Candidate{Name: c.Name, Generation: gen, Blocks: blocks}
	f.moved = append(f.moved, c.Name)
	return nil
}

// newFakeTarget returns a target over 16 blocks with the given erase counts,
// every block free.
func newFakeTarget(t *testing.T, counts []uint32) *fakeTarget {
	t.Helper()
	dev := flash.MustMemDevice(flash.Geometry{BlockSize: 256, BlockCount: uint32(len(counts)), ProgramAlign: 4})
	for i, c := range counts {
		dev.SetEraseCount(uint32(i), c)
	}
	a, err := alloc.New(dev)
	require.NoError(t, err)
	for i := range counts {
		require.NoError(t, a.MarkFree(uint32(i)))
	}
	return &fakeTarget{t: t, dev: dev, alloc: a, refs: map[uint64]int{}, files: map[uint64]Candidate{}}
}

// store allocates a file of n blocks for gen and returns its blocks.
func (f *fakeTarget) store(name string, gen uint64, n int) []uint32 {
	blocks, err := f.alloc.Allocate(n, gen)
	require.NoError(f.t, err)
	f.files[gen] = Candidate{Name: name, Generation: gen, Blocks: blocks}
	return blocks
}

// ============================================================================
// Reclaim phase
// ============================================================================

func TestCollectReclaimsUnreferencedStale(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, make([]uint32, 8))

	old := f.store("a", 1, 2)
	pinned := f.store("b", 2, 2)
	require.NoError(t, f.alloc.MarkStale(old...))
	require.NoError(t, f.alloc.MarkStale(pinned...))
	f.refs[2] = 1

	stats := Collect(context.Background(), f, nil)
	assert.Equal(t, 2, stats.Reclaimed)
	assert.Equal(t, 4, stats.FreeBefore)
	assert.Equal(t, 6, stats.FreeAfter)

	for _, b := range pinned {
		info, err := f.alloc.Info(b)
		require.NoError(t, err)
		assert.Equal(t, alloc.StateStale, info.State, "pinned block %d", b)
	}

	// Releasing the last reference makes the pinned blocks reclaimable.
	f.refs[2] = 0
	stats = Collect(context.Background(), f, nil)
	assert.Equal(t, 2, stats.Reclaimed)
	assert.Equal(t, 8, f.alloc.Free())
}

func TestCollectDryRunChangesNothing(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, make([]uint32, 8))
	old := f.store("a", 1, 3)
	require.NoError(t, f.alloc.MarkStale(old...))

	stats := Collect(context.Background(), f, &Options{DryRun: true})
	assert.Equal(t, 3, stats.Reclaimed)
	assert.Equal(t, 5, f.alloc.Free())
	for _, b := range old {
		n, err := f.dev.EraseCount(b)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestCollectCountsEraseFailures(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, make([]uint32, 8))
	old := f.store("a", 1, 2)
	require.NoError(t, f.alloc.MarkStale(old...))
	f.dev.FailBlock(old[0], flash.OpErase)

	stats := Collect(context.Background(), f, nil)
	assert.Equal(t, 1, stats.Reclaimed)
	assert.Equal(t, 1, stats.Errors)

	info, err := f.alloc.Info(old[0])
	require.NoError(t, err)
	assert.Equal(t, alloc.StateBad, info.State)
}

func TestCollectHonorsCancellation(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, make([]uint32, 8))
	old := f.store("a", 1, 4)
	require.NoError(t, f.alloc.MarkStale(old...))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := Collect(ctx, f, nil)
	assert.Zero(t, stats.Reclaimed)
}

// ============================================================================
// Relocation phase
// ============================================================================

func TestCollectRelocatesColdFile(t *testing.T) {
	t.Parallel()
	// Blocks 0-1 are fresh, the rest heavily worn.
	f := newFakeTarget(t, []uint32{0, 0, 20, 20, 20, 20, 20, 20})
	cold := f.store("cold", 1, 2)
	require.Equal(t, []uint32{0, 1}, cold)

	stats := Collect(context.Background(), f, &Options{WearSpreadThreshold: 8, MaxRelocations: 1})
	assert.Equal(t, 1, stats.Relocated)
	assert.Equal(t, 2, stats.BlocksRelocated)
	assert.Equal(t, []string{"cold"}, f.moved)

	// The vacated fresh blocks were reclaimed and rejoin the pool.
	for _, b := range cold {
		info, err := f.alloc.Info(b)
		require.NoError(t, err)
		assert.Equal(t, alloc.StateFree, info.State)
		assert.Equal(t, uint32(1), info.EraseCount)
	}
	assert.Equal(t, uint32(20), stats.SpreadBefore)
}

func TestCollectSkipsReferencedAndWarmFiles(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, []uint32{0, 15, 20, 20, 20, 20, 20, 20})
	f.store("pinned", 1, 1)
	f.store("warm", 2, 1)
	f.refs[1] = 1

	stats := Collect(context.Background(), f, &Options{WearSpreadThreshold: 8, MaxRelocations: 4})
	assert.Zero(t, stats.Relocated)
	assert.Empty(t, f.moved)
}

func TestCollectRelocationDisabled(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, []uint32{0, 0, 30, 30})
	f.store("cold", 1, 2)

	stats := Collect(context.Background(), f, &Options{WearSpreadThreshold: 0, MaxRelocations: 3})
	assert.Zero(t, stats.Relocated)
	stats = Collect(context.Background(), f, &Options{WearSpreadThreshold: 4, MaxRelocations: 0})
	assert.Zero(t, stats.Relocated)
}

func TestCollectRelocationOutOfSpace(t *testing.T) {
	t.Parallel()
	f := newFakeTarget(t, []uint32{0, 0, 0, 30})
	f.store("cold", 1, 3)

	stats := Collect(context.Background(), f, &Options{WearSpreadThreshold: 4, MaxRelocations: 2})
	assert.Zero(t, stats.Relocated)
	assert.Equal(t, 1, stats.Errors)
}

func TestNeedsCollection(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	assert.True(t, NeedsCollection(opts.LowWater-1, opts))
	assert.False(t, NeedsCollection(opts.LowWater, opts))
}
