// Package fs is the flash filesystem: a flat namespace of immutable,
// generation-versioned files stored directly in flash blocks and served
// without copying.
//
// Readers pin the allocation (generation) they opened. Writers build a new
// generation in freshly allocated blocks and make it visible with a single
// directory commit, so already-open readers keep seeing the previous
// content. Superseded and deleted allocations become reclaimable only once
// their last reader is closed; the garbage collector then erases them.
//
// All bookkeeping (directory, allocator, reference table) is guarded by one
// mutex. Reads through a View take no lock.
package fs

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
	"github.com/marmos91/flashfs/pkg/gc"
)

// DefaultLogBlocks is the size of the directory ring used when Options
// leaves it zero.
const DefaultLogBlocks = 4

// Options configures a filesystem.
type Options struct {
	// LogBlocks is the number of leading blocks used by the directory ring.
	// It must match the value used at format time.
	LogBlocks uint32

	// GC holds the collector thresholds. A zero value uses gc.DefaultOptions.
	GC gc.Options

	// Metrics receives instrumentation. May be nil.
	Metrics Metrics
}

func (o Options) withDefaults() Options {
	if o.LogBlocks == 0 {
		o.LogBlocks = DefaultLogBlocks
	}
	if o.GC == (gc.Options{}) {
		o.GC = gc.DefaultOptions()
	}
	return o
}

// FS is a mounted flash filesystem. The caller owns the device and closes
// it after FS.Close.
type FS struct {
	mu sync.Mutex

	dev      flash.Device
	opts     Options
	log      *directory.Log
	alloc    *alloc.Allocator
	refs     refTable
	writers  map[string]*Writer
	metrics  Metrics
	kick     chan struct{}
	closed   bool
	dataOff  uint32
	capacity uint32
}

// Format writes an empty directory to dev and mounts it. Existing pool
// content becomes stale and is erased by the first collection.
func Format(dev flash.Device, opts Options) (*FS, error) {
	opts = opts.withDefaults()
	if err := flash.GeometryOf(dev).Validate(); err != nil {
		return nil, err
	}
	log, err := directory.Format(dev, opts.LogBlocks)
	if err != nil {
		return nil, fmt.Errorf("format directory: %w", err)
	}
	return mount(dev, log, opts)
}

// Mount replays the directory of dev and rebuilds the block table.
func Mount(dev flash.Device, opts Options) (*FS, error) {
	opts = opts.withDefaults()
	if err := flash.GeometryOf(dev).Validate(); err != nil {
		return nil, err
	}
	log, err := directory.Open(dev, opts.LogBlocks)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	return mount(dev, log, opts)
}

func mount(dev flash.Device, log *directory.Log, opts Options) (*FS, error) {
	a, err := alloc.New(dev)
	if err != nil {
		return nil, err
	}
	fsys := &FS{
		dev:     dev,
		opts:    opts,
		log:     log,
		alloc:   a,
		refs:    make(refTable),
		writers: make(map[string]*Writer),
		metrics: opts.Metrics,
		kick:    make(chan struct{}, 1),
		dataOff: payloadOffset(dev.ProgramAlign()),
	}
	fsys.capacity = dev.BlockSize() - fsys.dataOff

	scrubbed, err := fsys.classify()
	if err != nil {
		return nil, err
	}
	stats := a.Stats()
	fsys.recordBlocks()

	logger.Info("Volume mounted",
		logger.KeyVolume, log.Volume().String(),
		logger.KeyFiles, log.Len(),
		logger.KeyFree, stats.Free,
		"stale", stats.Stale,
		"bad", stats.Bad,
		"scrubbed", scrubbed)
	return fsys, nil
}

// Close aborts open writers and syncs the device. Open readers stay valid
// until closed, as long as the device is.
func (fsys *FS) Close() error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if fsys.closed {
		return fserrors.NewClosedError("filesystem")
	}
	for _, w := range fsys.writers {
		fsys.releaseWriterLocked(w, fserrors.NewClosedError("filesystem"))
	}
	fsys.closed = true

	if err := fsys.dev.Sync(); err != nil {
		return fmt.Errorf("sync device: %w", err)
	}
	logger.Debug("Volume unmounted", logger.KeyVolume, fsys.log.Volume().String())
	return nil
}

func (fsys *FS) checkOpen() error {
	if fsys.closed {
		return fserrors.NewClosedError("filesystem")
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Lookup returns the live record of name.
func (fsys *FS) Lookup(name string) (directory.Record, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return directory.Record{}, err
	}
	return fsys.log.Lookup(name)
}

// List returns every live record sorted by name.
func (fsys *FS) List() ([]directory.Record, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return nil, err
	}
	return fsys.log.List(), nil
}

// Blocks returns the block table.
func (fsys *FS) Blocks() []alloc.BlockInfo {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.alloc.Blocks()
}

// MaxFileSize returns the largest file the directory can describe.
func (fsys *FS) MaxFileSize() uint64 {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.maxFileSizeLocked()
}

func (fsys *FS) maxFileSizeLocked() uint64 {
	return uint64(fsys.log.MaxBlocksPerRecord()) * uint64(fsys.capacity)
}

// ============================================================================
// Mutations
// ============================================================================

// Delete removes name. Open readers keep their content; the blocks are
// reclaimed once the last of them closes.
func (fsys *FS) Delete(name string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if err := fsys.checkOpen(); err != nil {
		return err
	}
	prev, err := fsys.log.Delete(name)
	if err != nil {
		return err
	}
	fsys.retireLocked(prev)
	if fsys.metrics != nil {
		fsys.metrics.ObserveDelete()
	}
	logger.Info("File deleted",
		logger.KeyFilename, name,
		logger.KeyGeneration, prev.Generation,
		logger.KeyRefs, fsys.refs.Refs(prev.Generation))
	return nil
}

// retireLocked marks a superseded or deleted record stale.
func (fsys *FS) retireLocked(prev directory.Record) {
	if err := fsys.alloc.MarkStale(prev.Blocks...); err != nil {
		logger.Warn("Failed to mark blocks stale",
			logger.KeyFilename, prev.Name,
			logger.KeyGeneration, prev.Generation,
			logger.KeyError, err)
	}
	fsys.refs.retire(prev.Generation)
	fsys.recordBlocks()
}

// markBadLocked excludes block from use and persists it in the directory.
func (fsys *FS) markBadLocked(block uint32) {
	if err := fsys.alloc.MarkBad(block); err != nil {
		logger.Warn("Failed to mark block bad", logger.KeyBlock, block, logger.KeyError, err)
		return
	}
	if err := fsys.log.MarkBad(block); err != nil {
		logger.Warn("Failed to persist bad block", logger.KeyBlock, block, logger.KeyError, err)
	}
	logger.Warn("Block marked bad", logger.KeyBlock, block)
}

// allocateLocked hands out one block for gen. When the pool is empty it
// runs a collection and retries once.
func (fsys *FS) allocateLocked(gen uint64) (uint32, error) {
	blocks, err := fsys.alloc.Allocate(1, gen)
	if fserrors.IsOutOfSpace(err) {
		logger.Debug("Pool exhausted, collecting", logger.KeyGeneration, gen)
		fsys.collectLocked(context.Background())
		blocks, err = fsys.alloc.Allocate(1, gen)
	}
	if err != nil {
		return 0, err
	}
	if gc.NeedsCollection(fsys.alloc.Free(), fsys.opts.GC) {
		fsys.kickCollector()
	}
	return blocks[0], nil
}

func (fsys *FS) kickCollector() {
	select {
	case fsys.kick <- struct{}{}:
	default:
	}
}

func (fsys *FS) recordBlocks() {
	if fsys.metrics == nil {
		return
	}
	fsys.metrics.RecordBlocks(fsys.alloc.Stats())
	fsys.metrics.RecordHandles(fsys.refs.readers(), len(fsys.writers))
}
