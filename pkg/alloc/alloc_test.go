package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

type refMap map[uint64]int

func (m refMap) Refs(owner uint64) int { return m[owner] }

func newAllocator(t *testing.T, blocks uint32) (*Allocator, *flash.MemDevice) {
	t.Helper()
	dev := flash.MustMemDevice(flash.Geometry{BlockSize: 512, BlockCount: blocks, ProgramAlign: 4})
	a, err := New(dev)
	require.NoError(t, err)
	for b := uint32(0); b < blocks; b++ {
		require.NoError(t, a.MarkFree(b))
	}
	return a, dev
}

// ============================================================================
// Allocation order
// ============================================================================

func TestAllocateLeastWornFirst(t *testing.T) {
	t.Parallel()
	dev := flash.MustMemDevice(flash.Geometry{BlockSize: 512, BlockCount: 6, ProgramAlign: 4})
	for b, count := range []uint32{5, 1, 3, 1, 0, 9} {
		dev.SetEraseCount(uint32(b), count)
	}
	a, err := New(dev)
	require.NoError(t, err)
	for b := uint32(0); b < 6; b++ {
		require.NoError(t, a.MarkFree(b))
	}

	blocks, err := a.Allocate(4, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 1, 3, 2}, blocks)

	for _, b := range blocks {
		info, err := a.Info(b)
		require.NoError(t, err)
		assert.Equal(t, StateLive, info.State)
		assert.Equal(t, uint64(7), info.Owner)
	}
	assert.Equal(t, 2, a.Free())

	worn, err := a.AllocateWorn(1, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, worn)
}

func TestAllocateOutOfSpaceChangesNothing(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 3)

	_, err := a.Allocate(4, 1)
	assert.True(t, fserrors.IsOutOfSpace(err))
	assert.Equal(t, 3, a.Free())

	blocks, err := a.Allocate(0, 1)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestReservedAndBadNeverAllocated(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 4)
	require.NoError(t, a.Reserve(0))
	require.NoError(t, a.MarkBad(2))

	blocks, err := a.Allocate(2, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{1, 3}, blocks)

	_, err = a.Allocate(1, 1)
	assert.True(t, fserrors.IsOutOfSpace(err))
}

// ============================================================================
// Reclaim
// ============================================================================

func TestReclaimRequiresZeroRefs(t *testing.T) {
	t.Parallel()
	a, dev := newAllocator(t, 4)

	blocks, err := a.Allocate(1, 42)
	require.NoError(t, err)
	b := blocks[0]
	require.NoError(t, dev.Program(b, 0, []byte("data")))

	// Live blocks are never reclaimable.
	assert.True(t, fserrors.Is(a.Reclaim(b, refMap{}), fserrors.ErrInvalidArgument))

	require.NoError(t, a.MarkStale(b))
	refs := refMap{42: 1}
	assert.Empty(t, a.Reclaimable(refs))

	err = a.Reclaim(b, refs)
	assert.True(t, fserrors.Is(err, fserrors.ErrStillReferenced))
	info, _ := a.Info(b)
	assert.Equal(t, StateStale, info.State)
	assert.Equal(t, uint32(0), info.EraseCount)

	refs[42] = 0
	assert.Equal(t, []uint32{b}, a.Reclaimable(refs))
	require.NoError(t, a.Reclaim(b, refs))

	info, _ = a.Info(b)
	assert.Equal(t, StateFree, info.State)
	assert.Equal(t, uint32(1), info.EraseCount)
	assert.Equal(t, NoOwner, info.Owner)

	data, err := dev.Read(b, 0, 4)
	require.NoError(t, err)
	assert.True(t, flash.IsErased(data))
}

func TestReclaimEraseFailureMarksBad(t *testing.T) {
	t.Parallel()
	a, dev := newAllocator(t, 4)

	blocks, err := a.Allocate(1, 1)
	require.NoError(t, err)
	require.NoError(t, a.MarkStale(blocks[0]))
	dev.FailBlock(blocks[0], flash.OpErase)

	err = a.Reclaim(blocks[0], refMap{})
	assert.True(t, fserrors.IsIoFault(err))

	info, _ := a.Info(blocks[0])
	assert.Equal(t, StateBad, info.State)
	assert.Equal(t, 3, a.Free())
}

func TestReclaimWithoutProof(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 2)
	blocks, err := a.Allocate(1, 1)
	require.NoError(t, err)
	require.NoError(t, a.MarkStale(blocks...))

	assert.True(t, fserrors.Is(a.Reclaim(blocks[0], nil), fserrors.ErrInvalidArgument))
}

func TestMarkStaleRejectsFree(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 2)
	assert.True(t, fserrors.Is(a.MarkStale(0), fserrors.ErrInvalidArgument))
}

// ============================================================================
// Stats
// ============================================================================

func TestStats(t *testing.T) {
	t.Parallel()
	dev := flash.MustMemDevice(flash.Geometry{BlockSize: 512, BlockCount: 6, ProgramAlign: 4})
	for b, count := range []uint32{100, 2, 4, 6, 8, 0} {
		dev.SetEraseCount(uint32(b), count)
	}
	a, err := New(dev)
	require.NoError(t, err)

	require.NoError(t, a.Reserve(0))
	require.NoError(t, a.MarkFree(1))
	require.NoError(t, a.MarkLive(2, 5))
	require.NoError(t, a.MarkLive(3, 5))
	require.NoError(t, a.MarkStale(3))
	require.NoError(t, a.MarkFree(4))
	require.NoError(t, a.MarkBad(5))

	s := a.Stats()
	assert.Equal(t, Stats{Free: 2, Live: 1, Stale: 1, Reserved: 1, Bad: 1, MinErase: 2, MaxErase: 8}, s)
	assert.Equal(t, uint32(6), s.Spread())
	assert.Len(t, a.Blocks(), 6)
}

func TestStateNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "reserved", StateReserved.String())
	assert.Equal(t, "state(9)", State(9).String())

	text, err := StateBad.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "bad", string(text))
}
