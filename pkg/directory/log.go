// Package directory implements the log-structured file directory.
//
// The directory maps names to records. It lives in the first LogBlocks
// blocks of the device, used as a ring of segments. Each segment starts with
// a checkpoint of the complete mapping followed by delta entries (commits,
// tombstones, bad blocks). When the active segment fills up, the next block
// of the ring is erased and a fresh checkpoint is written into it, so the
// previous segment stays intact until the new checkpoint is complete.
//
// An entry becomes visible only once all of its bytes, including the CRC,
// are on flash. Replay picks the newest segment with a complete checkpoint
// and applies its deltas in order, ignoring a torn trailing entry. The log
// append order is the total order of commits.
package directory

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/marmos91/flashfs/internal/logger"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

// MinLogBlocks is the smallest usable ring.
const MinLogBlocks = 2

// Log is the directory. It is not safe for concurrent use; the filesystem
// serializes access under its own lock.
type Log struct {
	dev    flash.Device
	blocks uint32
	align  uint32

	volume uuid.UUID
	active uint32 // ring block holding the current segment
	seq    uint64 // sequence of the current segment
	offset uint32 // next append offset in the active block

	records map[string]Record
	bad     map[uint32]struct{}
	nextGen uint64

	compactions uint64
}

// Format erases the ring and writes an empty first segment.
func Format(dev flash.Device, logBlocks uint32) (*Log, error) {
	l, err := newLog(dev, logBlocks)
	if err != nil {
		return nil, err
	}
	// Block 0 is erased by the first compaction.
	for b := uint32(1); b < logBlocks; b++ {
		if err := dev.Erase(b); err != nil {
			return nil, fmt.Errorf("erase log block %d: %w", b, err)
		}
	}
	l.volume = uuid.New()
	l.nextGen = 1
	l.active = logBlocks - 1
	if err := l.compact(); err != nil {
		return nil, fmt.Errorf("write first segment: %w", err)
	}
	logger.Info("Directory formatted",
		logger.KeyVolume, l.volume.String(),
		logger.KeyLogBlocks, logBlocks)
	return l, nil
}

// Open replays the ring of an existing volume. It never writes.
func Open(dev flash.Device, logBlocks uint32) (*Log, error) {
	l, err := newLog(dev, logBlocks)
	if err != nil {
		return nil, err
	}
	st, err := replay(dev, logBlocks)
	if err != nil {
		return nil, err
	}
	l.volume = st.volume
	l.active = st.block
	l.seq = st.seq
	l.offset = st.end
	l.records = st.records
	l.bad = st.bad
	l.nextGen = st.nextGen
	if st.torn {
		// Never append behind torn bytes; the next entry starts a new segment.
		l.offset = dev.BlockSize()
	}

	logger.Debug("Directory replayed",
		logger.KeyVolume, l.volume.String(),
		logger.KeySequence, l.seq,
		logger.KeyBlock, l.active,
		logger.KeyOffset, l.offset,
		logger.KeyFiles, len(l.records),
		"torn_tail", st.torn,
		"fallback", st.fallback)
	return l, nil
}

func newLog(dev flash.Device, logBlocks uint32) (*Log, error) {
	if logBlocks < MinLogBlocks {
		return nil, fserrors.NewInvalidArgumentError(fmt.Sprintf("log needs at least %d blocks", MinLogBlocks))
	}
	if logBlocks >= dev.BlockCount() {
		return nil, fserrors.NewInvalidArgumentError(fmt.Sprintf("log of %d blocks leaves no pool on a %d block device", logBlocks, dev.BlockCount()))
	}
	return &Log{
		dev:     dev,
		blocks:  logBlocks,
		align:   dev.ProgramAlign(),
		records: make(map[string]Record),
		bad:     make(map[uint32]struct{}),
	}, nil
}

// ============================================================================
// Queries
// ============================================================================

// Lookup returns the live record of name.
func (l *Log) Lookup(name string) (Record, error) {
	rec, ok := l.records[name]
	if !ok {
		return Record{}, fserrors.NewNotFoundError(name)
	}
	return rec.clone(), nil
}

// List returns all live records sorted by name.
func (l *Log) List() []Record {
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of live records.
func (l *Log) Len() int {
	return len(l.records)
}

// BadBlocks returns the persisted bad block list in ascending order.
func (l *Log) BadBlocks() []uint32 {
	out := make([]uint32, 0, len(l.bad))
	for b := range l.bad {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LogBlocks returns the size of the ring.
func (l *Log) LogBlocks() uint32 { return l.blocks }

// Volume returns the volume ID written at format time.
func (l *Log) Volume() uuid.UUID { return l.volume }

// Sequence returns the sequence number of the active segment.
func (l *Log) Sequence() uint64 { return l.seq }

// Compactions returns how many segments were started since open.
func (l *Log) Compactions() uint64 { return l.compactions }

// Usage returns the bytes used in the active segment and its capacity.
func (l *Log) Usage() (used, capacity uint32) {
	return l.offset, l.dev.BlockSize()
}

// MaxBlocksPerRecord returns how many blocks a single record may reference
// so that its commit entry still fits into a fresh segment.
func (l *Log) MaxBlocksPerRecord() int {
	room := l.dev.BlockSize() - l.segmentOverhead()
	fixed := entryHeaderLen + commitFixedLen + MaxNameLen + entryTrailerLen + int(l.align)
	if int(room) <= fixed {
		return 0
	}
	return (int(room) - fixed) / 4
}

// ReserveGeneration hands out the next generation number. Unused numbers
// leave gaps, which is harmless.
func (l *Log) ReserveGeneration() uint64 {
	g := l.nextGen
	l.nextGen++
	return g
}

// ============================================================================
// Mutations
// ============================================================================

// Commit appends rec and makes it the live record of its name. The previous
// record, now stale, is returned when there was one.
func (l *Log) Commit(rec Record) (*Record, error) {
	if err := ValidateName(rec.Name); err != nil {
		return nil, err
	}
	if rec.Generation == 0 {
		return nil, fserrors.NewInvalidArgumentError("generation must be nonzero")
	}
	prev, hadPrev := l.records[rec.Name]
	if hadPrev && rec.Generation <= prev.Generation {
		return nil, fserrors.NewInvalidArgumentError(
			fmt.Sprintf("generation %d does not supersede %d", rec.Generation, prev.Generation))
	}
	if len(rec.Blocks) > l.MaxBlocksPerRecord() {
		return nil, fserrors.NewOutOfSpaceError(len(rec.Blocks), l.MaxBlocksPerRecord())
	}

	rec = rec.clone()
	if err := l.append(encodeCommit(rec, l.align)); err != nil {
		return nil, err
	}
	l.records[rec.Name] = rec
	if rec.Generation >= l.nextGen {
		l.nextGen = rec.Generation + 1
	}
	if !hadPrev {
		return nil, nil
	}
	return &prev, nil
}

// Delete appends a tombstone for name and returns the record it removed.
func (l *Log) Delete(name string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}
	prev, ok := l.records[name]
	if !ok {
		return Record{}, fserrors.NewNotFoundError(name)
	}
	if err := l.append(encodeTombstone(name, prev.Generation, l.align)); err != nil {
		return Record{}, err
	}
	delete(l.records, name)
	return prev, nil
}

// MarkBad persists that block must never be used again.
func (l *Log) MarkBad(block uint32) error {
	if _, ok := l.bad[block]; ok {
		return nil
	}
	if err := l.append(encodeBadBlock(block, l.align)); err != nil {
		return err
	}
	l.bad[block] = struct{}{}
	return nil
}

// Compact starts a new segment now.
func (l *Log) Compact() error {
	return l.compact()
}

// append programs an encoded entry, starting a new segment when the active
// one has no room left.
func (l *Log) append(buf []byte) error {
	if l.offset+uint32(len(buf)) > l.dev.BlockSize() {
		if err := l.compact(); err != nil {
			return err
		}
		if l.offset+uint32(len(buf)) > l.dev.BlockSize() {
			return fserrors.NewOutOfSpaceError(1, 0)
		}
	}
	if err := l.dev.Program(l.active, l.offset, buf); err != nil {
		// The bytes may be partly programmed; never write over them.
		l.offset = l.dev.BlockSize()
		return fmt.Errorf("append log entry: %w", err)
	}
	l.offset += uint32(len(buf))
	return nil
}

// segmentOverhead is the size of a segment header plus an empty checkpoint.
func (l *Log) segmentOverhead() uint32 {
	return flash.AlignUp(segmentHeaderLen, l.align) +
		uint32(len(encodeCheckpoint(0, 0, 0, l.align))) +
		uint32(len(encodeCheckpointEnd(0, l.align)))
}

// compact erases the next ring block and writes a new segment holding a
// checkpoint of the current state. The state is left untouched on failure.
func (l *Log) compact() error {
	buf := l.encodeSegment(l.seq + 1)
	if uint32(len(buf)) > l.dev.BlockSize() {
		return fserrors.NewOutOfSpaceError(len(buf), int(l.dev.BlockSize()))
	}

	next := (l.active + 1) % l.blocks
	if err := l.dev.Erase(next); err != nil {
		return fmt.Errorf("erase log block %d: %w", next, err)
	}
	if err := l.dev.Program(next, 0, buf); err != nil {
		return fmt.Errorf("write checkpoint to log block %d: %w", next, err)
	}

	l.active = next
	l.seq++
	l.offset = uint32(len(buf))
	l.compactions++

	logger.Debug("Directory segment started",
		logger.KeyBlock, next,
		logger.KeySequence, l.seq,
		logger.KeyFiles, len(l.records),
		logger.KeyOffset, l.offset)
	return nil
}

// encodeSegment builds the header and checkpoint of a segment.
func (l *Log) encodeSegment(seq uint64) []byte {
	buf := encodeSegmentHeader(segmentHeader{seq: seq, volume: l.volume}, l.align)
	bad := l.BadBlocks()
	buf = append(buf, encodeCheckpoint(l.nextGen, len(l.records), len(bad), l.align)...)
	for _, rec := range l.List() {
		buf = append(buf, encodeCommit(rec, l.align)...)
	}
	for _, b := range bad {
		buf = append(buf, encodeBadBlock(b, l.align)...)
	}
	buf = append(buf, encodeCheckpointEnd(len(l.records)+len(bad), l.align)...)
	return buf
}
