package fs

import (
	"hash/crc32"
	"time"

	"github.com/zeebo/blake3"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

// Writer builds a new generation of a file in freshly allocated blocks.
// Nothing is visible until Finalize. A Writer is not safe for concurrent
// use.
type Writer struct {
	fs    *FS
	name  string
	gen   uint64
	align uint32
	start time.Time

	blocks   []uint32
	filled   uint32 // payload bytes programmed into the current block
	tail     []byte // unaligned bytes not yet programmed
	blockCRC uint32
	length   uint64
	hash     *blake3.Hasher

	done     bool  // Finalize or Abort was called
	released bool  // blocks handed back, writer unregistered
	err      error // failure that released the writer
}

// BeginWrite opens the single writer of name. The new generation number is
// reserved now, so it orders after every commit already made.
func (fsys *FS) BeginWrite(name string) (*Writer, error) {
	if err := directory.ValidateName(name); err != nil {
		return nil, err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return nil, err
	}
	if _, busy := fsys.writers[name]; busy {
		return nil, fserrors.NewWriterConflictError(name)
	}

	align := fsys.dev.ProgramAlign()
	w := &Writer{
		fs:    fsys,
		name:  name,
		gen:   fsys.log.ReserveGeneration(),
		align: align,
		start: time.Now(),
		tail:  make([]byte, 0, align),
		hash:  blake3.New(),
	}
	fsys.writers[name] = w
	if fsys.metrics != nil {
		fsys.metrics.RecordHandles(fsys.refs.readers(), len(fsys.writers))
	}
	logger.Debug("Writer opened", logger.KeyFilename, name, logger.KeyGeneration, w.gen)
	return w, nil
}

// Name returns the file name.
func (w *Writer) Name() string { return w.name }

// Generation returns the generation being written.
func (w *Writer) Generation() uint64 { return w.gen }

// Len returns the bytes written so far.
func (w *Writer) Len() int64 { return int64(w.length) }

// Sum returns the BLAKE3 hash of the bytes written so far.
func (w *Writer) Sum() [directory.HashSize]byte {
	var sum [directory.HashSize]byte
	copy(sum[:], w.hash.Sum(nil))
	return sum
}

// Write appends p. Blocks are allocated one at a time as they fill up. Any
// failure aborts the write; later calls return the same error.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fserrors.NewDoubleReleaseError(w.name, "writer")
	}
	if err := w.status(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		if len(w.blocks) == 0 || w.used() == w.fs.capacity {
			if err := w.nextBlock(); err != nil {
				return written, w.fail(err)
			}
		}
		n := min(int(w.fs.capacity-w.used()), len(p))
		chunk := p[:n]
		_, _ = w.hash.Write(chunk)
		w.blockCRC = crc32.Update(w.blockCRC, castagnoli, chunk)
		if err := w.program(chunk); err != nil {
			return written, w.fail(err)
		}
		w.length += uint64(n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// status returns the error that released the writer, if any.
func (w *Writer) status() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	if w.released {
		return w.err
	}
	return nil
}

// used returns the payload bytes held by the current block.
func (w *Writer) used() uint32 {
	return w.filled + uint32(len(w.tail))
}

func (w *Writer) current() uint32 {
	return w.blocks[len(w.blocks)-1]
}

// program writes chunk after the current payload, keeping the unaligned
// remainder in the tail buffer.
func (w *Writer) program(chunk []byte) error {
	if len(w.tail) > 0 {
		need := int(w.align) - len(w.tail)
		if len(chunk) < need {
			w.tail = append(w.tail, chunk...)
			return nil
		}
		w.tail = append(w.tail, chunk[:need]...)
		chunk = chunk[need:]
		if err := w.programAt(w.tail); err != nil {
			return err
		}
		w.tail = w.tail[:0]
	}
	aligned := len(chunk) &^ (int(w.align) - 1)
	if aligned > 0 {
		if err := w.programAt(chunk[:aligned]); err != nil {
			return err
		}
	}
	w.tail = append(w.tail, chunk[aligned:]...)
	return nil
}

func (w *Writer) programAt(data []byte) error {
	if err := w.fs.dev.Program(w.current(), w.fs.dataOff+w.filled, data); err != nil {
		return err
	}
	w.filled += uint32(len(data))
	return nil
}

// nextBlock seals the current block and allocates the next one.
func (w *Writer) nextBlock() error {
	if len(w.blocks) > 0 {
		if err := w.seal(); err != nil {
			return err
		}
	}

	fsys := w.fs
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if w.released {
		return w.err
	}
	if limit := fsys.log.MaxBlocksPerRecord(); len(w.blocks) >= limit {
		return fserrors.NewOutOfSpaceError(len(w.blocks)+1, limit)
	}
	b, err := fsys.allocateLocked(w.gen)
	if err != nil {
		return err
	}
	w.blocks = append(w.blocks, b)
	w.filled = 0
	w.blockCRC = 0
	return nil
}

// seal pads and flushes the tail, then programs the header of the current
// block.
func (w *Writer) seal() error {
	length := w.used()
	if len(w.tail) > 0 {
		for uint32(len(w.tail)) < w.align {
			w.tail = append(w.tail, flash.Erased)
		}
		if err := w.programAt(w.tail); err != nil {
			return err
		}
		w.tail = w.tail[:0]
	}

	block := w.current()
	count, err := w.fs.dev.EraseCount(block)
	if err != nil {
		return err
	}
	h := blockHeader{
		owner:      w.gen,
		index:      uint32(len(w.blocks) - 1),
		length:     length,
		eraseCount: count,
		payloadCRC: w.blockCRC,
	}
	return w.fs.dev.Program(block, 0, h.encode(w.align))
}

// fail releases the writer after an error. A program fault marks the
// block bad.
func (w *Writer) fail(err error) error {
	fsys := w.fs
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fserrors.IsIoFault(err) && len(w.blocks) > 0 {
		fsys.markBadLocked(w.current())
	}
	fsys.releaseWriterLocked(w, err)
	logger.Warn("Write aborted",
		logger.KeyFilename, w.name,
		logger.KeyGeneration, w.gen,
		logger.KeyError, err)
	return err
}

// Finalize commits the new generation and returns its record. Readers that
// open the name afterwards see it; readers already open keep theirs.
func (w *Writer) Finalize() (directory.Record, error) {
	if w.done {
		return directory.Record{}, fserrors.NewDoubleReleaseError(w.name, "writer")
	}
	w.done = true
	if err := w.status(); err != nil {
		return directory.Record{}, err
	}

	if len(w.blocks) > 0 {
		if err := w.seal(); err != nil {
			return directory.Record{}, w.fail(err)
		}
	}
	rec := directory.Record{
		Name:       w.name,
		Generation: w.gen,
		Length:     w.length,
		Hash:       w.Sum(),
		Blocks:     append([]uint32(nil), w.blocks...),
	}

	fsys := w.fs
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if w.released {
		return directory.Record{}, w.err
	}
	prev, err := fsys.log.Commit(rec)
	if err != nil {
		fsys.releaseWriterLocked(w, err)
		logger.Warn("Commit failed",
			logger.KeyFilename, w.name,
			logger.KeyGeneration, w.gen,
			logger.KeyError, err)
		return directory.Record{}, err
	}
	w.released = true
	delete(fsys.writers, w.name)
	if prev != nil {
		fsys.retireLocked(*prev)
	}

	if fsys.metrics != nil {
		fsys.metrics.ObserveCommit(int64(w.length), len(w.blocks), time.Since(w.start))
	}
	fsys.recordBlocks()
	logger.Info("File committed",
		logger.KeyFilename, w.name,
		logger.KeyGeneration, w.gen,
		logger.KeySize, w.length,
		logger.KeyBlocks, len(w.blocks),
		logger.KeyHash, rec.HashString())
	return rec, nil
}

// Abort drops the write. Its blocks become stale and are reclaimed by the
// collector.
func (w *Writer) Abort() error {
	if w.done {
		return fserrors.NewDoubleReleaseError(w.name, "writer")
	}
	w.done = true

	fsys := w.fs
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if !w.released {
		fsys.releaseWriterLocked(w, nil)
	}
	logger.Debug("Writer aborted", logger.KeyFilename, w.name, logger.KeyGeneration, w.gen)
	return nil
}

// releaseWriterLocked unregisters w and hands its staging blocks to the
// collector. cause, if set, is returned by later calls.
func (fsys *FS) releaseWriterLocked(w *Writer, cause error) {
	if w.released {
		return
	}
	w.released = true
	if cause != nil {
		w.err = cause
	}
	if err := fsys.alloc.MarkStale(w.blocks...); err != nil {
		logger.Warn("Failed to mark staging blocks stale",
			logger.KeyFilename, w.name, logger.KeyError, err)
	}
	if fsys.writers[w.name] == w {
		delete(fsys.writers, w.name)
	}
	if fsys.metrics != nil {
		fsys.metrics.ObserveAbort()
	}
	fsys.recordBlocks()
}
