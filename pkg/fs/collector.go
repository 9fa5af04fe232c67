package fs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/gc"
)

// Collect runs a collection pass with the configured thresholds.
func (fsys *FS) Collect(ctx context.Context) (*gc.Stats, error) {
	return fsys.CollectWith(ctx, nil)
}

// CollectWith runs a collection pass with explicit options. A nil options
// uses the configured thresholds.
func (fsys *FS) CollectWith(ctx context.Context, options *gc.Options) (*gc.Stats, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return nil, err
	}
	if options == nil {
		return fsys.collectLocked(ctx), nil
	}
	return fsys.collectWithLocked(ctx, options), nil
}

// RunCollector runs a pass every interval, and whenever the free pool drops
// below the low water mark or a stale allocation is released, until ctx is
// done or the filesystem is closed.
func (fsys *FS) RunCollector(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fserrors.NewInvalidArgumentError("collector interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lc := logger.NewLogContext("gc").WithVolume(fsys.log.Volume().String())
	ctx = logger.WithContext(ctx, lc)
	logger.InfoCtx(ctx, "Collector started", "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Collector stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-fsys.kick:
		}
		if _, err := fsys.Collect(ctx); err != nil {
			if fserrors.Is(err, fserrors.ErrClosed) {
				return nil
			}
			logger.WarnCtx(ctx, "Collector pass failed", logger.KeyError, err)
		}
	}
}

func (fsys *FS) collectLocked(ctx context.Context) *gc.Stats {
	opts := fsys.opts.GC
	return fsys.collectWithLocked(ctx, &opts)
}

func (fsys *FS) collectWithLocked(ctx context.Context, options *gc.Options) *gc.Stats {
	start := time.Now()
	stats := gc.Collect(ctx, collectTarget{fsys}, options)
	if fsys.metrics != nil {
		fsys.metrics.ObserveCollect(stats, time.Since(start))
	}
	fsys.recordBlocks()
	return stats
}

// ============================================================================
// gc.Target
// ============================================================================

// collectTarget exposes the filesystem to the collector. It is only used
// with the filesystem lock held.
type collectTarget struct {
	fs *FS
}

var _ gc.Target = collectTarget{}

func (t collectTarget) ReclaimableBlocks() []uint32 {
	return t.fs.alloc.Reclaimable(t.fs.refs)
}

func (t collectTarget) Reclaim(block uint32) error {
	err := t.fs.alloc.Reclaim(block, t.fs.refs)
	if fserrors.IsIoFault(err) {
		// The allocator already marked it bad; persist that.
		if perr := t.fs.log.MarkBad(block); perr != nil {
			logger.Warn("Failed to persist bad block", logger.KeyBlock, block, logger.KeyError, perr)
		}
	}
	return err
}

func (t collectTarget) WearStats() alloc.Stats {
	return t.fs.alloc.Stats()
}

func (t collectTarget) RelocationCandidates() []gc.Candidate {
	fsys := t.fs
	var out []gc.Candidate
	for _, rec := range fsys.log.List() {
		if len(rec.Blocks) == 0 || fsys.refs.Refs(rec.Generation) > 0 {
			continue
		}
		if _, busy := fsys.writers[rec.Name]; busy {
			continue
		}
		c := gc.Candidate{Name: rec.Name, Generation: rec.Generation, Blocks: rec.Blocks, MinEraseCount: ^uint32(0)}
		for _, b := range rec.Blocks {
			info, err := fsys.alloc.Info(b)
			if err != nil {
				continue
			}
			if info.EraseCount < c.MinEraseCount {
				c.MinEraseCount = info.EraseCount
			}
		}
		out = append(out, c)
	}
	return out
}

// Relocate copies a cold file onto the most-worn free blocks and commits
// the copy as a new generation. On failure the copy is dropped and the
// original stays live.
func (t collectTarget) Relocate(ctx context.Context, c gc.Candidate) error {
	fsys := t.fs
	rec, err := fsys.log.Lookup(c.Name)
	if err != nil {
		return err
	}
	if rec.Generation != c.Generation {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "%s moved on to generation %d", c.Name, rec.Generation)
	}

	gen := fsys.log.ReserveGeneration()
	blocks, err := fsys.alloc.AllocateWorn(len(rec.Blocks), gen)
	if err != nil {
		return err
	}
	drop := func(cause error) error {
		if block, ok := faultBlock(cause); ok && slices.Contains(blocks, block) {
			fsys.markBadLocked(block)
		}
		if err := fsys.alloc.MarkStale(blocks...); err != nil {
			logger.Warn("Failed to drop relocation copy", logger.KeyFilename, c.Name, logger.KeyError, err)
		}
		return cause
	}

	for i, src := range rec.Blocks {
		if err := ctx.Err(); err != nil {
			return drop(err)
		}
		if err := fsys.copyBlock(src, blocks[i], gen); err != nil {
			return drop(fmt.Errorf("copy block %d of %s: %w", i, c.Name, err))
		}
	}

	moved := rec
	moved.Generation = gen
	moved.Blocks = blocks
	prev, err := fsys.log.Commit(moved)
	if err != nil {
		return drop(err)
	}
	if prev != nil {
		fsys.retireLocked(*prev)
	}
	logger.Debug("File relocated",
		logger.KeyFilename, rec.Name,
		logger.KeyGeneration, gen,
		"from_generation", rec.Generation)
	return nil
}

// copyBlock copies the payload of src into the erased block dst and
// programs a header for gen.
func (fsys *FS) copyBlock(src, dst uint32, gen uint64) error {
	h, err := fsys.readHeader(src)
	if err != nil {
		return err
	}
	if h.length > fsys.capacity {
		return fserrors.NewIoFaultError(src, "read header", fmt.Errorf("payload length %d exceeds block", h.length))
	}
	if h.length > 0 {
		// The padding after the payload is erased and copies as such.
		payload, err := fsys.dev.Read(src, fsys.dataOff, flash.AlignUp(h.length, fsys.dev.ProgramAlign()))
		if err != nil {
			return err
		}
		if err := fsys.dev.Program(dst, fsys.dataOff, payload); err != nil {
			return err
		}
	}
	count, err := fsys.dev.EraseCount(dst)
	if err != nil {
		return err
	}
	h.owner = gen
	h.eraseCount = count
	return fsys.dev.Program(dst, 0, h.encode(fsys.dev.ProgramAlign()))
}

// faultBlock returns the block of an IoFault.
func faultBlock(err error) (uint32, bool) {
	var fsErr *fserrors.FSError
	if !errors.As(err, &fsErr) || fsErr.Code != fserrors.ErrIoFault || fsErr.Block < 0 {
		return 0, false
	}
	return uint32(fsErr.Block), true
}

// ============================================================================
// Inspection
// ============================================================================

// VolumeStats summarizes a mounted volume.
type VolumeStats struct {
	Volume      string         `json:"volume" yaml:"volume"`
	Geometry    flash.Geometry `json:"geometry" yaml:"geometry"`
	LogBlocks   uint32         `json:"log_blocks" yaml:"log_blocks"`
	Sequence    uint64         `json:"sequence" yaml:"sequence"`
	LogUsed     uint32         `json:"log_used" yaml:"log_used"`
	Files       int            `json:"files" yaml:"files"`
	Blocks      alloc.Stats    `json:"blocks" yaml:"blocks"`
	OpenReaders int            `json:"open_readers" yaml:"open_readers"`
	OpenWriters int            `json:"open_writers" yaml:"open_writers"`
	MaxFileSize uint64         `json:"max_file_size" yaml:"max_file_size"`
}

// Stat returns a summary of the volume.
func (fsys *FS) Stat() VolumeStats {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	used, _ := fsys.log.Usage()
	return VolumeStats{
		Volume:      fsys.log.Volume().String(),
		Geometry:    flash.GeometryOf(fsys.dev),
		LogBlocks:   fsys.log.LogBlocks(),
		Sequence:    fsys.log.Sequence(),
		LogUsed:     used,
		Files:       fsys.log.Len(),
		Blocks:      fsys.alloc.Stats(),
		OpenReaders: fsys.refs.readers(),
		OpenWriters: len(fsys.writers),
		MaxFileSize: fsys.maxFileSizeLocked(),
	}
}

// VerifyFile opens name and checks its content against the stored
// checksums.
func (fsys *FS) VerifyFile(name string) (directory.Record, error) {
	r, err := fsys.Open(name)
	if err != nil {
		return directory.Record{}, err
	}
	defer func() { _ = r.Close() }()

	v, err := r.View()
	if err != nil {
		return directory.Record{}, err
	}
	return r.Record(), v.Verify()
}
