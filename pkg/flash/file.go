// file.go provides a memory-mapped image file backing for a Device.
//
// The image survives process restarts, so it stands in for a real flash part
// on a development host. Reads return slices of the mapping; programs copy
// into it and the OS flushes dirty pages, with Sync forcing them out.
//
// File Format:
//
//	Header (64 bytes):
//	  - Magic: "FLSH" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Reserved: uint16 (2 bytes)
//	  - Block size: uint32 (4 bytes)
//	  - Block count: uint32 (4 bytes)
//	  - Program alignment: uint32 (4 bytes)
//	  - Reserved: 44 bytes
//
//	Erase counter table (4 bytes per block, little endian)
//
//	Block area (block count x block size), starting at the next page boundary

package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// image file constants
const (
	imageMagic      = "FLSH"
	imageVersion    = uint16(1)
	imageHeaderSize = 64
	imagePageSize   = 4096
)

var (
	// ErrImageCorrupted is returned when an image file header is invalid.
	ErrImageCorrupted = errors.New("flash image corrupted")

	// ErrImageVersion is returned when an image has an unsupported version.
	ErrImageVersion = errors.New("flash image version mismatch")

	// ErrGeometryMismatch is returned when an image does not match the requested geometry.
	ErrGeometryMismatch = errors.New("flash image geometry mismatch")
)

// FileDevice is a Device backed by a memory-mapped image file.
type FileDevice struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	data   []byte // whole mapped file
	geo    Geometry
	blocks []byte // block area within data
	counts []byte // erase counter table within data
	closed bool
}

// OpenFileDevice opens the image at path. A missing image is created with
// the given geometry and fully erased. For an existing image a zero geometry
// adopts the stored one; any other geometry must match it.
func OpenFileDevice(path string, geo Geometry) (*FileDevice, error) {
	d := &FileDevice{path: path}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err := d.openExisting(geo); err != nil {
			return nil, fmt.Errorf("open image: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := d.createNew(geo); err != nil {
			return nil, fmt.Errorf("create image: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return d, nil
}

// imageLayout returns the counter table offset and block area offset.
func imageLayout(geo Geometry) (countsOff, blocksOff int64) {
	countsOff = imageHeaderSize
	end := countsOff + 4*int64(geo.BlockCount)
	blocksOff = (end + imagePageSize - 1) / imagePageSize * imagePageSize
	return countsOff, blocksOff
}

// createNew creates an erased image file.
func (d *FileDevice) createNew(geo Geometry) error {
	if err := geo.Validate(); err != nil {
		return err
	}
	_, blocksOff := imageLayout(geo)
	size := blocksOff + geo.Size()

	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate file: %w", err)
	}
	if err := d.mapFile(f, geo, size); err != nil {
		_ = f.Close()
		return err
	}

	copy(d.data[0:4], imageMagic)
	binary.LittleEndian.PutUint16(d.data[4:6], imageVersion)
	binary.LittleEndian.PutUint32(d.data[8:12], geo.BlockSize)
	binary.LittleEndian.PutUint32(d.data[12:16], geo.BlockCount)
	binary.LittleEndian.PutUint32(d.data[16:20], geo.ProgramAlign)
	fill(d.blocks)

	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		_ = d.closeLocked()
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// openExisting maps an existing image file and validates its header.
func (d *FileDevice) openExisting(want Geometry) error {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	header := make([]byte, imageHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		_ = f.Close()
		return ErrImageCorrupted
	}
	if !bytes.Equal(header[0:4], []byte(imageMagic)) {
		_ = f.Close()
		return ErrImageCorrupted
	}
	if binary.LittleEndian.Uint16(header[4:6]) != imageVersion {
		_ = f.Close()
		return ErrImageVersion
	}
	geo := Geometry{
		BlockSize:    binary.LittleEndian.Uint32(header[8:12]),
		BlockCount:   binary.LittleEndian.Uint32(header[12:16]),
		ProgramAlign: binary.LittleEndian.Uint32(header[16:20]),
	}
	if err := geo.Validate(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrImageCorrupted, err)
	}
	if want != (Geometry{}) && want != geo {
		_ = f.Close()
		return fmt.Errorf("%w: image has %+v", ErrGeometryMismatch, geo)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat file: %w", err)
	}
	_, blocksOff := imageLayout(geo)
	size := blocksOff + geo.Size()
	if info.Size() < size {
		_ = f.Close()
		return ErrImageCorrupted
	}
	if err := d.mapFile(f, geo, size); err != nil {
		_ = f.Close()
		return err
	}
	return nil
}

func (d *FileDevice) mapFile(f *os.File, geo Geometry, size int64) error {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	countsOff, blocksOff := imageLayout(geo)
	d.file = f
	d.data = data
	d.geo = geo
	d.counts = data[countsOff : countsOff+4*int64(geo.BlockCount)]
	d.blocks = data[blocksOff:size]
	return nil
}

// Path returns the image file path.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) BlockSize() uint32    { return d.geo.BlockSize }
func (d *FileDevice) BlockCount() uint32   { return d.geo.BlockCount }
func (d *FileDevice) ProgramAlign() uint32 { return d.geo.ProgramAlign }

// Read returns a slice of the mapping.
func (d *FileDevice) Read(block, offset, length uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fserrors.NewClosedError("device")
	}
	if err := checkRead(d.geo, block, offset, length); err != nil {
		return nil, err
	}
	start := int64(block)*int64(d.geo.BlockSize) + int64(offset)
	end := start + int64(length)
	return d.blocks[start:end:end], nil
}

// Program copies data into erased bytes of the mapping.
func (d *FileDevice) Program(block, offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fserrors.NewClosedError("device")
	}
	if err := checkProgram(d.geo, block, offset, uint32(len(data))); err != nil {
		return err
	}
	start := int64(block)*int64(d.geo.BlockSize) + int64(offset)
	target := d.blocks[start : start+int64(len(data))]
	if !IsErased(target) {
		return fserrors.NewIoFaultError(block, "program", errNotErased)
	}
	copy(target, data)
	return nil
}

// Erase resets block and bumps its counter in the table.
func (d *FileDevice) Erase(block uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fserrors.NewClosedError("device")
	}
	if err := checkErase(d.geo, block); err != nil {
		return err
	}
	start := int64(block) * int64(d.geo.BlockSize)
	fill(d.blocks[start : start+int64(d.geo.BlockSize)])
	counter := d.counts[4*block : 4*block+4]
	binary.LittleEndian.PutUint32(counter, binary.LittleEndian.Uint32(counter)+1)
	return nil
}

// EraseCount returns the counter of block from the table.
func (d *FileDevice) EraseCount(block uint32) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, fserrors.NewClosedError("device")
	}
	if err := checkErase(d.geo, block); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.counts[4*block : 4*block+4]), nil
}

// Sync forces dirty pages of the mapping to disk.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fserrors.NewClosedError("device")
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return &fserrors.FSError{Code: fserrors.ErrIoFault, Message: "sync failed", Block: fserrors.NoBlock, Err: err}
	}
	return nil
}

// Close syncs and unmaps the image.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closeLocked()
}

// closeLocked closes the device (caller must hold lock).
func (d *FileDevice) closeLocked() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.data != nil {
		_ = unix.Msync(d.data, unix.MS_SYNC)
		if err := unix.Munmap(d.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		d.data = nil
		d.blocks = nil
		d.counts = nil
	}

	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		d.file = nil
	}
	return nil
}
