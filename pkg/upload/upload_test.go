package upload_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/fs"
	"github.com/marmos91/flashfs/pkg/fs/fstest"
	"github.com/marmos91/flashfs/pkg/upload"
)

// ============================================================================
// Manifest
// ============================================================================

func TestManifestChunking(t *testing.T) {
	t.Parallel()

	data := fstest.Pattern(1, 1300)
	m := upload.NewManifest("app.wasm", data, 512)

	require.NoError(t, m.Validate())
	assert.Equal(t, 3, m.ChunkCount())
	assert.Len(t, m.Checksums, 3)
	assert.Equal(t, 512, m.ChunkLen(0))
	assert.Equal(t, 276, m.ChunkLen(2))
	assert.Equal(t, data[1024:], m.Chunk(data, 2))

	exact := upload.NewManifest("exact", data[:1024], 512)
	assert.Equal(t, 2, exact.ChunkCount())
	assert.Equal(t, 512, exact.ChunkLen(1))

	empty := upload.NewManifest("empty", nil, 512)
	assert.Zero(t, empty.ChunkCount())
	assert.NoError(t, empty.Validate())
}

func TestManifestValidate(t *testing.T) {
	t.Parallel()

	data := fstest.Pattern(2, 100)

	m := upload.NewManifest("a", data, 0)
	assert.True(t, fserrors.Is(m.Validate(), fserrors.ErrInvalidArgument))

	m = upload.NewManifest("a", data, 40)
	m.Checksums = m.Checksums[:2]
	assert.True(t, fserrors.Is(m.Validate(), fserrors.ErrInvalidArgument))

	m = upload.NewManifest("", data, 40)
	assert.True(t, fserrors.Is(m.Validate(), fserrors.ErrInvalidArgument))
}

func TestManifestCBOR(t *testing.T) {
	t.Parallel()

	m := upload.NewManifest("app.wasm", fstest.Pattern(3, 2000), 256)
	encoded, err := m.Marshal()
	require.NoError(t, err)

	again, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, encoded, again, "encoding must be deterministic")

	decoded, err := upload.UnmarshalManifest(encoded)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	_, err = upload.UnmarshalManifest([]byte{0xff, 0x00})
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))

	bad := m
	bad.Checksums = nil
	encoded, err = bad.Marshal()
	require.NoError(t, err)
	_, err = upload.UnmarshalManifest(encoded)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument))
}

// ============================================================================
// Session
// ============================================================================

func TestUploadInOrder(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	data := fstest.Pattern(4, 3000)
	m := upload.NewManifest("app.wasm", data, 700)
	s, err := upload.Begin(fsys, m)
	require.NoError(t, err)

	for i := range m.ChunkCount() {
		require.NoError(t, s.ReceiveChunk(i, m.Chunk(data, i)))
	}
	assert.Empty(t, s.Missing())
	assert.Equal(t, 1.0, s.Status().Progress())

	rec, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), rec.Length)
	assert.Equal(t, m.Hash, rec.Hash)
	assert.Equal(t, data, fstest.ReadFile(t, fsys, "app.wasm"))
}

func TestUploadEmptyFile(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	s, err := upload.Begin(fsys, upload.NewManifest("empty", nil, 64))
	require.NoError(t, err)
	rec, err := s.Finish()
	require.NoError(t, err)
	assert.Zero(t, rec.Length)
}

func TestUploadRecoversFromLostChunk(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	data := fstest.Pattern(5, 1000)
	m := upload.NewManifest("fw", data, 100)
	s, err := upload.Begin(fsys, m)
	require.NoError(t, err)

	require.NoError(t, s.ReceiveChunk(0, m.Chunk(data, 0)))
	require.NoError(t, s.ReceiveChunk(1, m.Chunk(data, 1)))

	// Chunk 2 is lost on the way.
	err = s.ReceiveChunk(3, m.Chunk(data, 3))
	assert.True(t, errors.Is(err, upload.ErrOutOfOrder))

	status := s.Status()
	assert.Equal(t, 2, status.Received)
	assert.Equal(t, 10, status.Total)
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, status.Missing)
	assert.InDelta(t, 0.2, status.Progress(), 1e-9)

	_, err = s.Finish()
	assert.True(t, errors.Is(err, upload.ErrIncomplete))

	// A retransmitted chunk is harmless.
	require.NoError(t, s.ReceiveChunk(1, m.Chunk(data, 1)))

	for _, i := range s.Missing() {
		require.NoError(t, s.ReceiveChunk(i, m.Chunk(data, i)))
	}
	_, err = s.Finish()
	require.NoError(t, err)
	assert.Equal(t, data, fstest.ReadFile(t, fsys, "fw"))
}

func TestUploadRejectsBadChunks(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	data := fstest.Pattern(6, 250)
	m := upload.NewManifest("fw", data, 100)
	s, err := upload.Begin(fsys, m)
	require.NoError(t, err)

	err = s.ReceiveChunk(3, make([]byte, 50))
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument), "index out of range")

	err = s.ReceiveChunk(0, data[:99])
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidArgument), "short chunk")

	err = s.ReceiveChunk(2, data[200:])
	assert.True(t, errors.Is(err, upload.ErrOutOfOrder))

	corrupt := append([]byte(nil), m.Chunk(data, 0)...)
	corrupt[10] ^= 0x40
	err = s.ReceiveChunk(0, corrupt)
	assert.True(t, fserrors.Is(err, fserrors.ErrChecksumMismatch))
	assert.Equal(t, 0, s.Status().Received)

	require.NoError(t, s.ReceiveChunk(0, m.Chunk(data, 0)))
	assert.Equal(t, 1, s.Status().Received)
}

func TestUploadHashMismatchAborts(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	data := fstest.Pattern(7, 600)
	m := upload.NewManifest("fw", data, 200)
	m.Hash[0] ^= 1
	s, err := upload.Begin(fsys, m)
	require.NoError(t, err)

	for i := range m.ChunkCount() {
		require.NoError(t, s.ReceiveChunk(i, m.Chunk(data, i)))
	}
	_, err = s.Finish()
	assert.True(t, fserrors.Is(err, fserrors.ErrChecksumMismatch))

	_, err = fsys.Lookup("fw")
	assert.True(t, fserrors.IsNotFound(err))

	// The writer was released.
	w, err := fsys.BeginWrite("fw")
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = s.Finish()
	assert.True(t, fserrors.IsDoubleRelease(err))
}

func TestUploadHoldsWriter(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	m := upload.NewManifest("fw", fstest.Pattern(8, 10), 4)
	s, err := upload.Begin(fsys, m)
	require.NoError(t, err)

	_, err = upload.Begin(fsys, m)
	assert.True(t, fserrors.IsWriterConflict(err))

	require.NoError(t, s.Abort())
	assert.True(t, fserrors.IsDoubleRelease(s.Abort()))
	assert.True(t, fserrors.IsDoubleRelease(s.ReceiveChunk(0, nil)))

	s, err = upload.Begin(fsys, m)
	require.NoError(t, err)
	require.NoError(t, s.Abort())
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	fsys, _ := fstest.NewMem(t, fs.Options{})

	m := upload.Manifest{Name: "huge", Length: fsys.MaxFileSize() + 1, ChunkLength: 1 << 20}
	m.Checksums = make([]uint32, m.ChunkCount())
	_, err := upload.Begin(fsys, m)
	assert.True(t, fserrors.IsOutOfSpace(err))
}
