// entry.go defines the on-flash encoding of directory log entries.
//
// Segment Header (at offset 0 of every log block, 36 bytes):
//   - Magic: "FLDL" (4 bytes)
//   - Version: uint16 (2 bytes)
//   - Reserved: uint16 (2 bytes)
//   - Sequence: uint64 (8 bytes)
//   - Volume UUID: 16 bytes
//   - CRC-32C of the preceding 32 bytes: uint32 (4 bytes)
//
// Entry (starting at the next aligned offset):
//   - Magic: uint16 (2 bytes)
//   - Type: uint8 (1 byte)
//   - Reserved: uint8 (1 byte)
//   - Body length: uint32 (4 bytes)
//   - Body: variable
//   - CRC-32C of header and body: uint32 (4 bytes)
//   - Padding to the program alignment (0xFF)
//
// Bodies:
//   - commit:         name length u8, name, generation u64, length u64,
//     hash [32], block count u32, blocks u32 each
//   - tombstone:      name length u8, name, generation u64
//   - checkpoint:     next generation u64, record count u32, bad count u32
//   - checkpoint end: entry count u32
//   - bad block:      block u32
//
// All integers are little endian.

package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/marmos91/flashfs/pkg/flash"
)

// layout constants
const (
	segmentMagic     = "FLDL"
	segmentVersion   = uint16(1)
	segmentHeaderLen = 36

	entryMagic      = uint16(0xD1E7)
	entryHeaderLen  = 8
	entryTrailerLen = 4

	// commitFixedLen is the size of a commit body without name and blocks.
	commitFixedLen = 1 + 8 + 8 + HashSize + 4
)

type entryType uint8

const (
	entryCommit entryType = iota + 1
	entryTombstone
	entryCheckpoint
	entryCheckpointEnd
	entryBadBlock
)

func (t entryType) String() string {
	switch t {
	case entryCommit:
		return "commit"
	case entryTombstone:
		return "tombstone"
	case entryCheckpoint:
		return "checkpoint"
	case entryCheckpointEnd:
		return "checkpoint-end"
	case entryBadBlock:
		return "bad-block"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// entry is a decoded log entry.
type entry struct {
	typ    entryType
	record Record // commit, tombstone (name and generation only)

	nextGen     uint64 // checkpoint
	recordCount uint32 // checkpoint
	badCount    uint32 // checkpoint
	entryCount  uint32 // checkpoint end
	block       uint32 // bad block
}

// ============================================================================
// Segment header
// ============================================================================

type segmentHeader struct {
	seq    uint64
	volume uuid.UUID
}

func encodeSegmentHeader(h segmentHeader, align uint32) []byte {
	buf := make([]byte, flash.AlignUp(segmentHeaderLen, align))
	for i := range buf {
		buf[i] = flash.Erased
	}
	copy(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(buf[4:6], segmentVersion)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], h.seq)
	copy(buf[16:32], h.volume[:])
	binary.LittleEndian.PutUint32(buf[32:36], crc32.Checksum(buf[0:32], castagnoli))
	return buf
}

func decodeSegmentHeader(buf []byte) (segmentHeader, bool) {
	if len(buf) < segmentHeaderLen || !bytes.Equal(buf[0:4], []byte(segmentMagic)) {
		return segmentHeader{}, false
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != segmentVersion {
		return segmentHeader{}, false
	}
	if crc32.Checksum(buf[0:32], castagnoli) != binary.LittleEndian.Uint32(buf[32:36]) {
		return segmentHeader{}, false
	}
	var h segmentHeader
	h.seq = binary.LittleEndian.Uint64(buf[8:16])
	copy(h.volume[:], buf[16:32])
	return h, true
}

// ============================================================================
// Entries
// ============================================================================

// encodeEntry frames body as an entry of typ, padded to align.
func encodeEntry(typ entryType, body []byte, align uint32) []byte {
	raw := entryHeaderLen + len(body) + entryTrailerLen
	buf := make([]byte, flash.AlignUp(uint32(raw), align))
	binary.LittleEndian.PutUint16(buf[0:2], entryMagic)
	buf[2] = byte(typ)
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[entryHeaderLen:], body)
	sum := crc32.Checksum(buf[:entryHeaderLen+len(body)], castagnoli)
	binary.LittleEndian.PutUint32(buf[entryHeaderLen+len(body):], sum)
	for i := raw; i < len(buf); i++ {
		buf[i] = flash.Erased
	}
	return buf
}

func encodeCommit(rec Record, align uint32) []byte {
	body := make([]byte, 0, commitFixedLen+len(rec.Name)+4*len(rec.Blocks))
	body = append(body, byte(len(rec.Name)))
	body = append(body, rec.Name...)
	body = binary.LittleEndian.AppendUint64(body, rec.Generation)
	body = binary.LittleEndian.AppendUint64(body, rec.Length)
	body = append(body, rec.Hash[:]...)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(rec.Blocks)))
	for _, b := range rec.Blocks {
		body = binary.LittleEndian.AppendUint32(body, b)
	}
	return encodeEntry(entryCommit, body, align)
}

func encodeTombstone(name string, gen uint64, align uint32) []byte {
	body := make([]byte, 0, 1+len(name)+8)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	body = binary.LittleEndian.AppendUint64(body, gen)
	return encodeEntry(entryTombstone, body, align)
}

func encodeCheckpoint(nextGen uint64, records, bad int, align uint32) []byte {
	body := make([]byte, 0, 16)
	body = binary.LittleEndian.AppendUint64(body, nextGen)
	body = binary.LittleEndian.AppendUint32(body, uint32(records))
	body = binary.LittleEndian.AppendUint32(body, uint32(bad))
	return encodeEntry(entryCheckpoint, body, align)
}

func encodeCheckpointEnd(entries int, align uint32) []byte {
	return encodeEntry(entryCheckpointEnd, binary.LittleEndian.AppendUint32(nil, uint32(entries)), align)
}

func encodeBadBlock(block uint32, align uint32) []byte {
	return encodeEntry(entryBadBlock, binary.LittleEndian.AppendUint32(nil, block), align)
}

// decodeEntry decodes the entry at the start of buf. extent is the aligned
// size the entry claims, or 0 when its header is unreadable.
func decodeEntry(buf []byte, align uint32) (e entry, extent uint32, err error) {
	if len(buf) < entryHeaderLen+entryTrailerLen {
		return e, 0, fmt.Errorf("truncated header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != entryMagic {
		return e, 0, fmt.Errorf("bad magic")
	}
	bodyLen := binary.LittleEndian.Uint32(buf[4:8])
	if uint64(bodyLen)+entryHeaderLen+entryTrailerLen > uint64(len(buf)) {
		return e, 0, fmt.Errorf("body length %d exceeds segment", bodyLen)
	}
	raw := entryHeaderLen + bodyLen + entryTrailerLen
	extent = flash.AlignUp(raw, align)
	if uint64(extent) > uint64(len(buf)) {
		extent = uint32(len(buf))
	}

	framed := buf[:entryHeaderLen+bodyLen]
	want := binary.LittleEndian.Uint32(buf[entryHeaderLen+bodyLen : raw])
	if crc32.Checksum(framed, castagnoli) != want {
		return e, extent, fmt.Errorf("crc mismatch")
	}

	e.typ = entryType(buf[2])
	body := buf[entryHeaderLen : entryHeaderLen+bodyLen]
	if err := decodeBody(&e, body); err != nil {
		return e, extent, err
	}
	return e, extent, nil
}

func decodeBody(e *entry, body []byte) error {
	r := bodyReader{buf: body}
	switch e.typ {
	case entryCommit:
		e.record.Name = r.name()
		e.record.Generation = r.u64()
		e.record.Length = r.u64()
		copy(e.record.Hash[:], r.bytes(HashSize))
		n := r.u32()
		if r.err == nil && uint64(n)*4 != uint64(len(r.buf)-r.off) {
			return fmt.Errorf("block count %d does not match body", n)
		}
		if n > 0 && r.err == nil {
			e.record.Blocks = make([]uint32, 0, n)
		}
		for i := uint32(0); i < n && r.err == nil; i++ {
			e.record.Blocks = append(e.record.Blocks, r.u32())
		}
	case entryTombstone:
		e.record.Name = r.name()
		e.record.Generation = r.u64()
	case entryCheckpoint:
		e.nextGen = r.u64()
		e.recordCount = r.u32()
		e.badCount = r.u32()
	case entryCheckpointEnd:
		e.entryCount = r.u32()
	case entryBadBlock:
		e.block = r.u32()
	default:
		return fmt.Errorf("unknown entry type %d", uint8(e.typ))
	}
	if r.err != nil {
		return fmt.Errorf("%s entry: %w", e.typ, r.err)
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%s entry: %d trailing bytes", e.typ, len(r.buf)-r.off)
	}
	return nil
}

// bodyReader reads little endian fields, latching the first error.
type bodyReader struct {
	buf []byte
	off int
	err error
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("short body")
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *bodyReader) u32() uint32 {
	p := r.bytes(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *bodyReader) u64() uint64 {
	p := r.bytes(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (r *bodyReader) name() string {
	n := r.bytes(1)
	if n == nil {
		return ""
	}
	return string(r.bytes(int(n[0])))
}
