package directory

import (
	"sort"

	"github.com/google/uuid"

	"github.com/marmos91/flashfs/internal/logger"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

// replayState is the directory rebuilt from one segment.
type replayState struct {
	volume  uuid.UUID
	block   uint32
	seq     uint64
	end     uint32 // first offset after every programmed byte
	records map[string]Record
	bad     map[uint32]struct{}
	nextGen uint64

	complete bool // checkpoint-end was reached
	torn     bool // a torn trailing entry was ignored
	fallback bool // a newer segment with a torn checkpoint was skipped
}

type segmentRef struct {
	block  uint32
	header segmentHeader
}

// replay rebuilds the directory from the ring.
func replay(dev flash.Device, logBlocks uint32) (*replayState, error) {
	var segments []segmentRef
	for b := uint32(0); b < logBlocks; b++ {
		buf, err := dev.Read(b, 0, segmentHeaderLen)
		if err != nil {
			return nil, fserrors.NewIoFaultError(b, "read log segment header", err)
		}
		if h, ok := decodeSegmentHeader(buf); ok {
			segments = append(segments, segmentRef{block: b, header: h})
		}
	}
	if len(segments) == 0 {
		return nil, fserrors.NewNotFormattedError("no directory segment found")
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].header.seq > segments[j].header.seq })

	volume := segments[0].header.volume
	skipped := false
	for _, seg := range segments {
		if seg.header.volume != volume {
			continue
		}
		st, err := scanSegment(dev, seg.block, seg.header)
		if err != nil {
			return nil, err
		}
		if st.complete {
			st.fallback = skipped
			return st, nil
		}
		logger.Warn("Directory segment has a torn checkpoint, falling back",
			logger.KeyBlock, seg.block,
			logger.KeySequence, seg.header.seq)
		skipped = true
	}
	return nil, fserrors.NewNotFormattedError("no directory segment with a complete checkpoint")
}

// scanSegment decodes the entries of one segment. Corruption that is
// followed by further programmed bytes cannot be a torn append and is
// reported as an IoFault.
func scanSegment(dev flash.Device, block uint32, h segmentHeader) (*replayState, error) {
	size := dev.BlockSize()
	align := dev.ProgramAlign()
	buf, err := dev.Read(block, 0, size)
	if err != nil {
		return nil, fserrors.NewIoFaultError(block, "read log segment", err)
	}

	st := &replayState{
		volume:  h.volume,
		block:   block,
		seq:     h.seq,
		records: make(map[string]Record),
		bad:     make(map[uint32]struct{}),
	}
	lastDirty := lastProgrammed(buf)

	var (
		off          = flash.AlignUp(segmentHeaderLen, align)
		inCheckpoint = false
		started      = false
		entries      uint32
		maxGen       uint64
	)

	for int(off) <= lastDirty {
		e, extent, err := decodeEntry(buf[off:], align)
		if err != nil {
			bound := int(off) + entryHeaderLen
			if extent > 0 {
				bound = int(off + extent)
			}
			if lastDirty < bound {
				st.torn = true
				logger.Debug("Directory ignoring torn trailing entry",
					logger.KeyBlock, block,
					logger.KeyOffset, off,
					logger.KeyError, err)
				break
			}
			return nil, corrupt(block, off, err.Error())
		}

		switch {
		case !started:
			if e.typ != entryCheckpoint {
				return nil, corrupt(block, off, "segment does not start with a checkpoint")
			}
			started = true
			inCheckpoint = true
			st.nextGen = e.nextGen

		case inCheckpoint:
			switch e.typ {
			case entryCommit:
				st.records[e.record.Name] = e.record
			case entryBadBlock:
				st.bad[e.block] = struct{}{}
			case entryCheckpointEnd:
				if e.entryCount != entries {
					return nil, corrupt(block, off, "checkpoint entry count mismatch")
				}
				inCheckpoint = false
				st.complete = true
			default:
				return nil, corrupt(block, off, e.typ.String()+" entry inside checkpoint")
			}
			if e.typ != entryCheckpointEnd {
				entries++
			}

		default:
			switch e.typ {
			case entryCommit:
				st.records[e.record.Name] = e.record
			case entryTombstone:
				delete(st.records, e.record.Name)
			case entryBadBlock:
				st.bad[e.block] = struct{}{}
			default:
				return nil, corrupt(block, off, e.typ.String()+" entry after checkpoint")
			}
		}
		if e.record.Generation > maxGen {
			maxGen = e.record.Generation
		}
		off += extent
	}

	st.end = off
	if dirtyEnd := flash.AlignUp(uint32(lastDirty+1), align); dirtyEnd > st.end {
		st.end = dirtyEnd
	}
	if maxGen >= st.nextGen {
		st.nextGen = maxGen + 1
	}
	if st.nextGen == 0 {
		st.nextGen = 1
	}
	return st, nil
}

// corrupt reports a CorruptEntry in validated history as an IoFault.
func corrupt(block, offset uint32, reason string) error {
	return &fserrors.FSError{
		Code:    fserrors.ErrIoFault,
		Message: "directory log corrupted",
		Block:   int64(block),
		Err:     fserrors.NewCorruptEntryError(block, offset, reason),
	}
}

// lastProgrammed returns the index of the last non-erased byte, or -1.
func lastProgrammed(buf []byte) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != flash.Erased {
			return i
		}
	}
	return -1
}
