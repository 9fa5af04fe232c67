package fs

import (
	"fmt"
	"sync/atomic"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// Reader is an open read handle on one generation of a file. It holds one
// reference on the generation's allocation until Close.
type Reader struct {
	fs       *FS
	rec      directory.Record
	segments [][]byte
	crcs     []uint32
	closed   atomic.Bool
}

// Open resolves name and pins its current generation.
func (fsys *FS) Open(name string) (*Reader, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := fsys.log.Lookup(name)
	if err != nil {
		if fsys.metrics != nil {
			fsys.metrics.ObserveOpen(false)
		}
		return nil, err
	}
	segments, crcs, err := fsys.segmentsLocked(rec)
	if err != nil {
		return nil, err
	}

	a := fsys.refs.acquire(rec.Generation, rec.Name)
	if fsys.metrics != nil {
		fsys.metrics.ObserveOpen(true)
		fsys.metrics.RecordHandles(fsys.refs.readers(), len(fsys.writers))
	}
	logger.Debug("File opened",
		logger.KeyFilename, name,
		logger.KeyGeneration, rec.Generation,
		logger.KeyRefs, a.refs)
	return &Reader{fs: fsys, rec: rec, segments: segments, crcs: crcs}, nil
}

// segmentsLocked maps the payload of every block of rec, checking the block
// headers against the record.
func (fsys *FS) segmentsLocked(rec directory.Record) ([][]byte, []uint32, error) {
	segments := make([][]byte, 0, len(rec.Blocks))
	crcs := make([]uint32, 0, len(rec.Blocks))
	var total uint64
	for i, b := range rec.Blocks {
		h, err := fsys.readHeader(b)
		if err != nil {
			return nil, nil, err
		}
		if h.owner != rec.Generation || h.index != uint32(i) || h.length > fsys.capacity {
			return nil, nil, fserrors.NewIoFaultError(b, "read",
				fmt.Errorf("header (generation %d, index %d, length %d) does not match %s generation %d block %d",
					h.owner, h.index, h.length, rec.Name, rec.Generation, i))
		}
		payload, err := fsys.dev.Read(b, fsys.dataOff, h.length)
		if err != nil {
			return nil, nil, err
		}
		segments = append(segments, payload)
		crcs = append(crcs, h.payloadCRC)
		total += uint64(h.length)
	}
	if total != rec.Length {
		return nil, nil, fserrors.Newf(fserrors.ErrIoFault,
			"%s generation %d: blocks hold %d bytes, record says %d", rec.Name, rec.Generation, total, rec.Length)
	}
	return segments, crcs, nil
}

func (fsys *FS) readHeader(block uint32) (blockHeader, error) {
	buf, err := fsys.dev.Read(block, 0, blockHeaderLen)
	if err != nil {
		return blockHeader{}, err
	}
	h, err := decodeBlockHeader(buf)
	if err != nil {
		return blockHeader{}, fserrors.NewIoFaultError(block, "read header", err)
	}
	return h, nil
}

// Name returns the file name.
func (r *Reader) Name() string { return r.rec.Name }

// Generation returns the pinned generation.
func (r *Reader) Generation() uint64 { return r.rec.Generation }

// Len returns the content length in bytes.
func (r *Reader) Len() int64 { return int64(r.rec.Length) }

// Record returns the pinned record.
func (r *Reader) Record() directory.Record { return r.rec }

// View returns a zero-copy view of the content, valid until Close.
func (r *Reader) View() (*View, error) {
	if r.closed.Load() {
		return nil, fserrors.NewDoubleReleaseError(r.rec.Name, "reader")
	}
	return &View{r: r}, nil
}

// Close releases the reference. A second Close returns DoubleRelease and
// changes nothing.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return fserrors.NewDoubleReleaseError(r.rec.Name, "reader")
	}

	fsys := r.fs
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fsys.refs.release(r.rec.Generation) {
		logger.Debug("Stale allocation released",
			logger.KeyFilename, r.rec.Name,
			logger.KeyGeneration, r.rec.Generation,
			logger.KeyBlocks, len(r.rec.Blocks))
		fsys.kickCollector()
	}
	if fsys.metrics != nil {
		fsys.metrics.RecordHandles(fsys.refs.readers(), len(fsys.writers))
	}
	return nil
}
