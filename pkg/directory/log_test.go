package directory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

const testLogBlocks = 3

var testGeometry = flash.Geometry{BlockSize: 512, BlockCount: 16, ProgramAlign: 4}

func newFormatted(t *testing.T) (*Log, *flash.MemDevice) {
	t.Helper()
	dev := flash.MustMemDevice(testGeometry)
	l, err := Format(dev, testLogBlocks)
	require.NoError(t, err)
	return l, dev
}

func rec(name string, gen uint64, blocks ...uint32) Record {
	r := Record{Name: name, Generation: gen, Length: uint64(len(blocks)) * 100, Blocks: blocks}
	for i := range r.Hash {
		r.Hash[i] = byte(gen) + byte(i)
	}
	return r
}

func reopen(t *testing.T, dev *flash.MemDevice) *Log {
	t.Helper()
	l, err := Open(dev.Clone(), testLogBlocks)
	require.NoError(t, err)
	return l
}

// ============================================================================
// Basic operations
// ============================================================================

func TestFormatAndOpenEmpty(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)
	assert.Zero(t, l.Len())
	assert.Equal(t, uint64(1), l.Sequence())

	got := reopen(t, dev)
	assert.Equal(t, l.Volume(), got.Volume())
	assert.Empty(t, got.List())
	assert.Equal(t, uint64(1), got.ReserveGeneration())
}

func TestOpenBlankDeviceIsNotFormatted(t *testing.T) {
	t.Parallel()
	_, err := Open(flash.MustMemDevice(testGeometry), testLogBlocks)
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFormatted))
}

func TestRingSizeValidation(t *testing.T) {
	t.Parallel()
	dev := flash.MustMemDevice(testGeometry)

	_, err := Format(dev, 1)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
	_, err = Format(dev, testGeometry.BlockCount)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
}

func TestCommitLookupSupersede(t *testing.T) {
	t.Parallel()
	l, _ := newFormatted(t)

	prev, err := l.Commit(rec("app", 1, 5, 6))
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := l.Lookup("app")
	require.NoError(t, err)
	assert.Equal(t, rec("app", 1, 5, 6), got)

	prev, err = l.Commit(rec("app", 2, 7))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, uint64(1), prev.Generation)
	assert.Equal(t, []uint32{5, 6}, prev.Blocks)

	got, err = l.Lookup("app")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)

	_, err = l.Lookup("missing")
	assert.True(t, fserrors.IsNotFound(err))
}

func TestCommitRejectsOlderGeneration(t *testing.T) {
	t.Parallel()
	l, _ := newFormatted(t)

	_, err := l.Commit(rec("app", 5, 3))
	require.NoError(t, err)
	_, err = l.Commit(rec("app", 5, 4))
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
	_, err = l.Commit(rec("app", 0, 4))
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
}

func TestNameValidation(t *testing.T) {
	t.Parallel()
	l, _ := newFormatted(t)

	_, err := l.Commit(rec("", 1))
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))

	long := "0123456789abcdef0123456789abcdefX"
	_, err = l.Commit(rec(long, 1))
	assert.True(t, fserrors.Is(err, fserrors.ErrNameTooLong))

	_, err = l.Commit(rec(long[:MaxNameLen], 1))
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	_, err := l.Commit(rec("a", 1, 4))
	require.NoError(t, err)
	_, err = l.Commit(rec("b", 2, 5))
	require.NoError(t, err)

	prev, err := l.Delete("a")
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, prev.Blocks)

	_, err = l.Delete("a")
	assert.True(t, fserrors.IsNotFound(err))

	got := reopen(t, dev)
	names := []string{}
	for _, r := range got.List() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"b"}, names)
}

func TestMarkBadPersists(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	require.NoError(t, l.MarkBad(9))
	require.NoError(t, l.MarkBad(4))
	require.NoError(t, l.MarkBad(9))

	assert.Equal(t, []uint32{4, 9}, reopen(t, dev).BadBlocks())
}

// ============================================================================
// Replay
// ============================================================================

func TestReplayRestoresGenerationCounter(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	_, err := l.Commit(rec("a", l.ReserveGeneration(), 4))
	require.NoError(t, err)
	g := l.ReserveGeneration()
	_, err = l.Commit(rec("b", g, 5))
	require.NoError(t, err)

	got := reopen(t, dev)
	assert.Greater(t, got.ReserveGeneration(), g)
}

func TestReplayIsIdempotentAndReadOnly(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)
	for i := 0; i < 4; i++ {
		_, err := l.Commit(rec(fmt.Sprintf("f%d", i), uint64(i+1), uint32(4+i)))
		require.NoError(t, err)
	}

	snapshot := dev.Clone()
	recorder := flash.NewRecorder(snapshot)

	first, err := Open(recorder, testLogBlocks)
	require.NoError(t, err)
	second, err := Open(recorder, testLogBlocks)
	require.NoError(t, err)

	assert.Equal(t, first.List(), second.List())
	assert.Equal(t, l.List(), first.List())
	assert.Empty(t, recorder.Events())
}

func TestCompactionWrapsRing(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	var gen uint64
	for i := 0; i < 60; i++ {
		gen++
		_, err := l.Commit(rec(fmt.Sprintf("f%d", i%4), gen, uint32(4+i%8), uint32(5+i%8)))
		require.NoError(t, err)
		if i%7 == 6 {
			_, err := l.Delete(fmt.Sprintf("f%d", i%4))
			require.NoError(t, err)
		}
	}
	assert.Greater(t, l.Compactions(), uint64(testLogBlocks))

	got := reopen(t, dev)
	assert.Equal(t, l.List(), got.List())
	assert.Equal(t, l.Sequence(), got.Sequence())
}

func TestCheckpointTooLarge(t *testing.T) {
	t.Parallel()
	l, _ := newFormatted(t)

	// Fill the mapping until a single segment can no longer hold its checkpoint.
	var err error
	for i := 0; i < 64 && err == nil; i++ {
		_, err = l.Commit(rec(fmt.Sprintf("file-with-a-long-name-%02d", i), uint64(i+1), 4, 5, 6, 7))
	}
	assert.True(t, fserrors.IsOutOfSpace(err), "got %v", err)
}

func TestTornTrailingEntryIgnored(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	_, err := l.Commit(rec("kept", 1, 4))
	require.NoError(t, err)

	dev.CutPowerAfter(20)
	_, err = l.Commit(rec("torn", 2, 5))
	require.True(t, fserrors.IsIoFault(err))

	rebooted := dev.Clone()
	got, err := Open(rebooted, testLogBlocks)
	require.NoError(t, err)
	records := got.List()
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].Name)

	// The next append starts a new segment and survives another reboot.
	_, err = got.Commit(rec("after", 3, 6))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Sequence())

	again, err := Open(rebooted.Clone(), testLogBlocks)
	require.NoError(t, err)
	assert.Len(t, again.List(), 2)
	_, err = again.Lookup("after")
	assert.NoError(t, err)
}

func TestTornCheckpointFallsBack(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	_, err := l.Commit(rec("a", 1, 4))
	require.NoError(t, err)
	_, err = l.Commit(rec("b", 2, 5))
	require.NoError(t, err)

	// Power fails halfway through the checkpoint of the next segment.
	dev.CutPowerAfter(60)
	require.Error(t, l.Compact())

	rebooted := dev.Clone()
	got, err := Open(rebooted, testLogBlocks)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Sequence())
	assert.Len(t, got.List(), 2)

	// Appending after the fallback eventually compacts over the torn segment.
	for i := 0; i < 10; i++ {
		_, err = got.Commit(rec("c", uint64(10+i), 6))
		require.NoError(t, err)
	}
	assert.Greater(t, got.Sequence(), uint64(1))

	again, err := Open(rebooted.Clone(), testLogBlocks)
	require.NoError(t, err)
	assert.Equal(t, got.List(), again.List())
	assert.Len(t, again.List(), 3)
}

func TestCorruptHistoryIsIoFault(t *testing.T) {
	t.Parallel()
	l, dev := newFormatted(t)

	_, err := l.Commit(rec("a", 1, 4))
	require.NoError(t, err)
	_, err = l.Commit(rec("b", 2, 5))
	require.NoError(t, err)

	// Flip a byte inside the first delta entry; the second one follows it.
	used, _ := l.Usage()
	require.NotZero(t, used)
	dev.Corrupt(0, l.offset-2*commitEntryLen(t, "b", 1)+12)

	_, err = Open(dev.Clone(), testLogBlocks)
	assert.True(t, fserrors.IsIoFault(err), "got %v", err)
	assert.True(t, fserrors.IsCorruptEntry(err))
}

func commitEntryLen(t *testing.T, name string, blocks int) uint32 {
	t.Helper()
	return uint32(len(encodeCommit(Record{Name: name, Blocks: make([]uint32, blocks)}, testGeometry.ProgramAlign)))
}

func TestMaxBlocksPerRecord(t *testing.T) {
	t.Parallel()
	l, _ := newFormatted(t)

	max := l.MaxBlocksPerRecord()
	require.Greater(t, max, 0)

	blocks := make([]uint32, max+1)
	for i := range blocks {
		blocks[i] = uint32(i)
	}
	_, err := l.Commit(Record{Name: "big", Generation: 1, Blocks: blocks})
	assert.True(t, fserrors.IsOutOfSpace(err))

	_, err = l.Commit(Record{Name: "big-but-fits", Generation: 1, Blocks: blocks[:max]})
	assert.NoError(t, err)
}
