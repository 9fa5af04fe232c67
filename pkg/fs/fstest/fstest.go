// Package fstest provides helpers for tests that run against a filesystem
// on a memory device.
package fstest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashfs/pkg/directory"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/fs"
)

// Geometry is a small medium with room for a few dozen files.
var Geometry = flash.Geometry{BlockSize: 1024, BlockCount: 32, ProgramAlign: 8}

// LogBlocks is the directory ring size used by the helpers.
const LogBlocks = 3

// PayloadOffset is where file data starts in a block of Geometry.
const PayloadOffset = 40

// Capacity is the payload a block of Geometry holds.
const Capacity = 1024 - PayloadOffset

// NewMem formats a memory device of Geometry and mounts it.
func NewMem(t testing.TB, opts fs.Options) (*fs.FS, *flash.MemDevice) {
	t.Helper()
	dev := flash.MustMemDevice(Geometry)
	return Format(t, dev, opts), dev
}

// Format formats dev and mounts it.
func Format(t testing.TB, dev flash.Device, opts fs.Options) *fs.FS {
	t.Helper()
	if opts.LogBlocks == 0 {
		opts.LogBlocks = LogBlocks
	}
	fsys, err := fs.Format(dev, opts)
	require.NoError(t, err)
	return fsys
}

// Remount mounts a snapshot of dev, as after a reset.
func Remount(t testing.TB, dev *flash.MemDevice, opts fs.Options) (*fs.FS, *flash.MemDevice) {
	t.Helper()
	if opts.LogBlocks == 0 {
		opts.LogBlocks = LogBlocks
	}
	snapshot := dev.Clone()
	fsys, err := fs.Mount(snapshot, opts)
	require.NoError(t, err)
	return fsys, snapshot
}

// Pattern returns n deterministic bytes derived from seed.
func Pattern(seed, n int) []byte {
	p := make([]byte, n)
	x := uint32(seed)*2654435761 + 1
	for i := range p {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		p[i] = byte(x)
	}
	return p
}

// WriteFile writes data to name in odd-sized chunks and finalizes it.
func WriteFile(t testing.TB, fsys *fs.FS, name string, data []byte) directory.Record {
	t.Helper()
	rec, err := TryWriteFile(fsys, name, data)
	require.NoError(t, err)
	return rec
}

// TryWriteFile is WriteFile returning the error instead of failing.
func TryWriteFile(fsys *fs.FS, name string, data []byte) (directory.Record, error) {
	w, err := fsys.BeginWrite(name)
	if err != nil {
		return directory.Record{}, err
	}
	for chunk := 13; len(data) > 0; chunk = chunk*3 + 1 {
		n := min(chunk, len(data))
		if _, err := w.Write(data[:n]); err != nil {
			_ = w.Abort()
			return directory.Record{}, err
		}
		data = data[n:]
	}
	return w.Finalize()
}

// ReadFile opens name and returns a copy of its content.
func ReadFile(t testing.TB, fsys *fs.FS, name string) []byte {
	t.Helper()
	r, err := fsys.Open(name)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	v, err := r.View()
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = v.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}
