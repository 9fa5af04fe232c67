package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/marmos91/flashfs/pkg/flash"
)

// Data Block Header (at offset 0 of every pool block holding file data):
//   - Magic: "FLDB" (4 bytes)
//   - Kind: uint8 (1 byte), always blockKindData
//   - Version: uint8 (1 byte)
//   - Reserved: uint16 (2 bytes)
//   - Owner generation: uint64 (8 bytes)
//   - Chain index: uint32 (4 bytes), position of the block in its file
//   - Payload length: uint32 (4 bytes)
//   - Erase count at program time: uint32 (4 bytes)
//   - Payload CRC-32C: uint32 (4 bytes)
//   - CRC-32C of the preceding 32 bytes: uint32 (4 bytes)
//
// The payload starts at the next aligned offset. The header is programmed
// last, once the payload of the block is complete.
const (
	blockMagic     = "FLDB"
	blockKindData  = uint8(1)
	blockVersion   = uint8(1)
	blockHeaderLen = 36
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type blockHeader struct {
	owner      uint64
	index      uint32
	length     uint32
	eraseCount uint32
	payloadCRC uint32
}

// payloadOffset returns where the payload of a data block starts.
func payloadOffset(align uint32) uint32 {
	return flash.AlignUp(blockHeaderLen, align)
}

func (h blockHeader) encode(align uint32) []byte {
	buf := make([]byte, payloadOffset(align))
	for i := range buf {
		buf[i] = flash.Erased
	}
	copy(buf[0:4], blockMagic)
	buf[4] = blockKindData
	buf[5] = blockVersion
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], h.owner)
	binary.LittleEndian.PutUint32(buf[16:20], h.index)
	binary.LittleEndian.PutUint32(buf[20:24], h.length)
	binary.LittleEndian.PutUint32(buf[24:28], h.eraseCount)
	binary.LittleEndian.PutUint32(buf[28:32], h.payloadCRC)
	binary.LittleEndian.PutUint32(buf[32:36], crc32.Checksum(buf[0:32], castagnoli))
	return buf
}

func decodeBlockHeader(buf []byte) (blockHeader, error) {
	var h blockHeader
	if len(buf) < blockHeaderLen {
		return h, fmt.Errorf("short block header")
	}
	if !bytes.Equal(buf[0:4], []byte(blockMagic)) {
		return h, fmt.Errorf("bad block magic")
	}
	if buf[4] != blockKindData || buf[5] != blockVersion {
		return h, fmt.Errorf("unsupported block kind %d version %d", buf[4], buf[5])
	}
	if crc32.Checksum(buf[0:32], castagnoli) != binary.LittleEndian.Uint32(buf[32:36]) {
		return h, fmt.Errorf("block header crc mismatch")
	}
	h.owner = binary.LittleEndian.Uint64(buf[8:16])
	h.index = binary.LittleEndian.Uint32(buf[16:20])
	h.length = binary.LittleEndian.Uint32(buf[20:24])
	h.eraseCount = binary.LittleEndian.Uint32(buf[24:28])
	h.payloadCRC = binary.LittleEndian.Uint32(buf[28:32])
	return h, nil
}
