// Package flash provides the raw block device beneath the filesystem.
//
// A Device models NOR-style flash: bytes read back directly from the mapped
// medium, a program operation may only clear bits of erased (0xFF) bytes and
// is allowed once per erase cycle, and erase resets a whole block while
// incrementing its persistent erase counter.
//
// Reads are zero-copy: the returned slice aliases the medium and stays valid
// (and unchanged) until the block is erased. Callers must never write into it.
package flash

import (
	"fmt"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// Erased is the value of every byte of a freshly erased block.
const Erased byte = 0xFF

// MaxProgramAlign is the largest program alignment supported.
const MaxProgramAlign = 64

// MinBlockSize is the smallest supported block size.
const MinBlockSize = 256

// Device is a block-addressed flash medium.
type Device interface {
	// BlockSize returns the size of an erase block in bytes.
	BlockSize() uint32

	// BlockCount returns the number of erase blocks.
	BlockCount() uint32

	// ProgramAlign returns the required alignment of program offsets and lengths.
	ProgramAlign() uint32

	// Read returns length bytes at offset of block. The slice aliases the medium.
	Read(block, offset, length uint32) ([]byte, error)

	// Program writes data at offset of block. The target bytes must be erased.
	Program(block, offset uint32, data []byte) error

	// Erase resets block to Erased and increments its erase count.
	Erase(block uint32) error

	// EraseCount returns how many times block has been erased.
	EraseCount(block uint32) (uint32, error)

	// Sync flushes programmed data to stable storage.
	Sync() error

	// Close releases the medium. Slices returned by Read become invalid.
	Close() error
}

// Geometry describes the shape of a medium.
type Geometry struct {
	BlockSize    uint32 `json:"block_size" yaml:"block_size"`
	BlockCount   uint32 `json:"block_count" yaml:"block_count"`
	ProgramAlign uint32 `json:"program_align" yaml:"program_align"`
}

// GeometryOf returns the geometry of a device.
func GeometryOf(d Device) Geometry {
	return Geometry{
		BlockSize:    d.BlockSize(),
		BlockCount:   d.BlockCount(),
		ProgramAlign: d.ProgramAlign(),
	}
}

// Size returns the total size of the block area in bytes.
func (g Geometry) Size() int64 {
	return int64(g.BlockSize) * int64(g.BlockCount)
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.ProgramAlign == 0 || g.ProgramAlign&(g.ProgramAlign-1) != 0 {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("program alignment %d is not a power of two", g.ProgramAlign))
	}
	if g.ProgramAlign > MaxProgramAlign {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("program alignment %d exceeds %d", g.ProgramAlign, MaxProgramAlign))
	}
	if g.BlockSize < MinBlockSize {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("block size %d below minimum %d", g.BlockSize, MinBlockSize))
	}
	if g.BlockSize%g.ProgramAlign != 0 {
		return fserrors.NewInvalidArgumentError(fmt.Sprintf("block size %d is not a multiple of alignment %d", g.BlockSize, g.ProgramAlign))
	}
	if g.BlockCount == 0 {
		return fserrors.NewInvalidArgumentError("block count is zero")
	}
	return nil
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// IsErased reports whether every byte of p is Erased.
func IsErased(p []byte) bool {
	for _, b := range p {
		if b != Erased {
			return false
		}
	}
	return true
}

// checkRead validates a read range against the geometry.
func checkRead(g Geometry, block, offset, length uint32) error {
	if block >= g.BlockCount {
		return fserrors.NewAlignmentError(block, offset, length, "block out of range")
	}
	if uint64(offset)+uint64(length) > uint64(g.BlockSize) {
		return fserrors.NewAlignmentError(block, offset, length, "range exceeds block")
	}
	return nil
}

// checkProgram validates a program range against the geometry and alignment.
func checkProgram(g Geometry, block, offset, length uint32) error {
	if err := checkRead(g, block, offset, length); err != nil {
		return err
	}
	if offset%g.ProgramAlign != 0 || length%g.ProgramAlign != 0 {
		return fserrors.NewAlignmentError(block, offset, length,
			fmt.Sprintf("not aligned to %d bytes", g.ProgramAlign))
	}
	return nil
}

// checkErase validates an erase target.
func checkErase(g Geometry, block uint32) error {
	if block >= g.BlockCount {
		return fserrors.NewAlignmentError(block, 0, 0, "block out of range")
	}
	return nil
}
