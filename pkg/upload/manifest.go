// Package upload receives a file in independently checksummed chunks and
// commits it as a single generation once the whole content has arrived and
// its hash matches.
//
// A sender describes the file with a Manifest, transmits the chunks, and
// asks for the missing ones when the link drops data:
//
//	m := upload.NewManifest("app.wasm", data, 512)
//	s, err := upload.Begin(fsys, m)
//	for i := range m.ChunkCount() {
//	    err = s.ReceiveChunk(i, m.Chunk(data, i))
//	}
//	rec, err := s.Finish()
package upload

import (
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// MaxChunks bounds the checksum list of a manifest.
const MaxChunks = 1 << 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("upload: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: MaxChunks,
	}.DecMode()
	if err != nil {
		panic("upload: CBOR decoder initialization failed: " + err.Error())
	}
}

// Manifest describes a file before any of its content is sent.
type Manifest struct {
	Name        string                   `cbor:"name"`
	Length      uint64                   `cbor:"length"`
	Hash        [directory.HashSize]byte `cbor:"hash"`
	ChunkLength uint32                   `cbor:"chunk_length"`

	// Checksums holds the CRC-32C of every chunk in order.
	Checksums []uint32 `cbor:"checksums"`
}

// NewManifest describes data split into chunks of chunkLength bytes.
func NewManifest(name string, data []byte, chunkLength uint32) Manifest {
	m := Manifest{
		Name:        name,
		Length:      uint64(len(data)),
		Hash:        blake3.Sum256(data),
		ChunkLength: chunkLength,
	}
	if chunkLength == 0 {
		return m
	}
	for i := range m.ChunkCount() {
		m.Checksums = append(m.Checksums, crc32.Checksum(m.Chunk(data, i), castagnoli))
	}
	return m
}

// ChunkCount returns the number of chunks the content is split into.
func (m Manifest) ChunkCount() int {
	if m.ChunkLength == 0 {
		return 0
	}
	return int((m.Length + uint64(m.ChunkLength) - 1) / uint64(m.ChunkLength))
}

// ChunkLen returns the expected length of chunk index. Only the last chunk
// may be short.
func (m Manifest) ChunkLen(index int) int {
	start := uint64(index) * uint64(m.ChunkLength)
	return int(min(uint64(m.ChunkLength), m.Length-start))
}

// Chunk slices chunk index out of the complete content.
func (m Manifest) Chunk(data []byte, index int) []byte {
	start := index * int(m.ChunkLength)
	return data[start : start+m.ChunkLen(index)]
}

// Validate checks that the manifest is self-consistent.
func (m Manifest) Validate() error {
	if err := directory.ValidateName(m.Name); err != nil {
		return err
	}
	if m.ChunkLength == 0 {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "chunk length must be positive")
	}
	if n := m.ChunkCount(); n != len(m.Checksums) {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "%d checksums for %d chunks", len(m.Checksums), n)
	}
	if len(m.Checksums) > MaxChunks {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "%d chunks exceeds limit of %d", len(m.Checksums), MaxChunks)
	}
	return nil
}

// Marshal encodes the manifest as deterministic CBOR.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest decodes and validates a CBOR manifest.
func UnmarshalManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Manifest{}, fserrors.Newf(fserrors.ErrInvalidArgument, "decode manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
