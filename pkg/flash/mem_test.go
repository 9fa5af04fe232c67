package flash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

var testGeometry = Geometry{BlockSize: 512, BlockCount: 8, ProgramAlign: 4}

// ============================================================================
// Geometry
// ============================================================================

func TestGeometryValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		geo  Geometry
		ok   bool
	}{
		{"valid", testGeometry, true},
		{"byte aligned", Geometry{BlockSize: 256, BlockCount: 1, ProgramAlign: 1}, true},
		{"zero align", Geometry{BlockSize: 512, BlockCount: 8}, false},
		{"align not power of two", Geometry{BlockSize: 512, BlockCount: 8, ProgramAlign: 3}, false},
		{"align too large", Geometry{BlockSize: 4096, BlockCount: 8, ProgramAlign: 128}, false},
		{"block too small", Geometry{BlockSize: 128, BlockCount: 8, ProgramAlign: 4}, false},
		{"block not multiple of align", Geometry{BlockSize: 260, BlockCount: 8, ProgramAlign: 8}, false},
		{"no blocks", Geometry{BlockSize: 512, ProgramAlign: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.geo.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
			}
		})
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(0), AlignUp(0, 4))
	assert.Equal(t, uint32(4), AlignUp(1, 4))
	assert.Equal(t, uint32(32), AlignUp(32, 8))
	assert.Equal(t, uint32(33), AlignUp(33, 1))
}

// ============================================================================
// NOR semantics
// ============================================================================

func TestMemDeviceStartsErased(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)

	for b := uint32(0); b < d.BlockCount(); b++ {
		data, err := d.Read(b, 0, d.BlockSize())
		require.NoError(t, err)
		assert.True(t, IsErased(data))
		count, err := d.EraseCount(b)
		require.NoError(t, err)
		assert.Zero(t, count)
	}
}

func TestMemDeviceProgramRead(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)

	require.NoError(t, d.Program(2, 8, []byte("abcdefgh")))
	got, err := d.Read(2, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), got)

	// Reads alias the medium.
	alias, err := d.Read(2, 0, 16)
	require.NoError(t, err)
	require.NoError(t, d.Program(2, 0, []byte("wxyz")))
	assert.Equal(t, []byte("wxyz"), alias[:4])
}

func TestMemDeviceProgramOncePerErase(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)

	require.NoError(t, d.Program(1, 0, []byte{1, 2, 3, 4}))
	err := d.Program(1, 0, []byte{0, 0, 0, 0})
	assert.True(t, fserrors.IsIoFault(err))

	require.NoError(t, d.Erase(1))
	require.NoError(t, d.Program(1, 0, []byte{0, 0, 0, 0}))

	count, err := d.EraseCount(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}

func TestMemDeviceAlignment(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)

	tests := []struct {
		name   string
		block  uint32
		offset uint32
		data   []byte
	}{
		{"unaligned offset", 0, 2, []byte{1, 2, 3, 4}},
		{"unaligned length", 0, 0, []byte{1, 2, 3}},
		{"past block end", 0, 510, []byte{1, 2, 3, 4}},
		{"block out of range", 8, 0, []byte{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Program(tt.block, tt.offset, tt.data)
			assert.True(t, fserrors.Is(err, fserrors.ErrAlignment), "got %v", err)
		})
	}

	_, err := d.Read(0, 500, 20)
	assert.True(t, fserrors.Is(err, fserrors.ErrAlignment))
	assert.True(t, fserrors.Is(d.Erase(9), fserrors.ErrAlignment))
}

// ============================================================================
// Fault injection
// ============================================================================

func TestMemDeviceFailBlock(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)

	d.FailBlock(3, OpErase)
	assert.True(t, fserrors.IsIoFault(d.Erase(3)))
	assert.NoError(t, d.Erase(4))

	d.FailBlock(5, OpProgram)
	assert.True(t, fserrors.IsIoFault(d.Program(5, 0, []byte{1, 2, 3, 4})))

	d.ClearFaults()
	assert.NoError(t, d.Erase(3))
}

func TestMemDeviceCutPower(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)
	d.CutPowerAfter(6)

	require.NoError(t, d.Program(0, 0, []byte{1, 2, 3, 4}))
	err := d.Program(0, 4, []byte{5, 6, 7, 8})
	assert.True(t, fserrors.IsIoFault(err))
	assert.True(t, d.PowerLost())

	got, err := d.Read(0, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0xFF, 0xFF}, got)

	assert.True(t, fserrors.IsIoFault(d.Erase(1)))
	assert.Equal(t, int64(6), d.Programmed())

	rebooted := d.Clone()
	assert.False(t, rebooted.PowerLost())
	got, err = rebooted.Read(0, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0xFF, 0xFF}, got)
	assert.NoError(t, rebooted.Erase(0))
}

func TestMemDeviceCloneIsIndependent(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)
	require.NoError(t, d.Erase(7))

	c := d.Clone()
	require.NoError(t, c.Program(0, 0, []byte("copy")))

	orig, err := d.Read(0, 0, 4)
	require.NoError(t, err)
	assert.True(t, IsErased(orig))

	count, err := c.EraseCount(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
}

func TestMemDeviceClosed(t *testing.T) {
	t.Parallel()
	d := MustMemDevice(testGeometry)
	require.NoError(t, d.Close())

	_, err := d.Read(0, 0, 4)
	assert.True(t, fserrors.Is(err, fserrors.ErrClosed))
	assert.True(t, fserrors.Is(d.Erase(0), fserrors.ErrClosed))
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := NewRecorder(MustMemDevice(testGeometry))

	var seen []uint32
	r.OnErase = func(block uint32) { seen = append(seen, block) }

	require.NoError(t, r.Program(0, 0, bytes.Repeat([]byte{0}, 8)))
	require.NoError(t, r.Erase(0))
	require.NoError(t, r.Erase(3))

	assert.Equal(t, []uint32{0, 3}, r.Erases())
	assert.Equal(t, []uint32{0, 3}, seen)
	assert.Len(t, r.Events(), 3)

	r.Reset()
	assert.Empty(t, r.Events())
}
