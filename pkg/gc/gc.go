package gc

import (
	"context"
	"sort"
	"time"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/alloc"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// Default thresholds.
const (
	DefaultLowWater            = 2
	DefaultWearSpreadThreshold = 8
	DefaultMaxRelocations      = 1
)

// ============================================================================
// Types
// ============================================================================

// Options configures a collection pass.
type Options struct {
	// LowWater is the free block count below which the filesystem triggers
	// a pass on its own.
	LowWater int

	// WearSpreadThreshold is the erase count spread above which static wear
	// leveling relocates cold files. 0 disables relocation.
	WearSpreadThreshold uint32

	// MaxRelocations bounds the files relocated per pass. 0 disables
	// relocation.
	MaxRelocations int

	// DryRun reports what would be done without erasing or relocating.
	DryRun bool
}

// DefaultOptions returns the default thresholds.
func DefaultOptions() Options {
	return Options{
		LowWater:            DefaultLowWater,
		WearSpreadThreshold: DefaultWearSpreadThreshold,
		MaxRelocations:      DefaultMaxRelocations,
	}
}

// Stats holds statistics about a collection pass.
type Stats struct {
	Reclaimed       int    `json:"reclaimed" yaml:"reclaimed"`               // Blocks erased and freed
	Relocated       int    `json:"relocated" yaml:"relocated"`               // Files moved by wear leveling
	BlocksRelocated int    `json:"blocks_relocated" yaml:"blocks_relocated"` // Blocks those files occupied
	StillReferenced int    `json:"still_referenced" yaml:"still_referenced"` // Reclaims refused because of open references
	Errors          int    `json:"errors" yaml:"errors"`                     // Non-fatal errors encountered
	FreeBefore      int    `json:"free_before" yaml:"free_before"`
	FreeAfter       int    `json:"free_after" yaml:"free_after"`
	SpreadBefore    uint32 `json:"spread_before" yaml:"spread_before"`
	SpreadAfter     uint32 `json:"spread_after" yaml:"spread_after"`
}

// Candidate is a live file that wear leveling may relocate.
type Candidate struct {
	Name       string
	Generation uint64
	Blocks     []uint32

	// MinEraseCount is the erase count of the least-worn block of the file.
	MinEraseCount uint32
}

// Target is the view of the filesystem a pass works on. All methods are
// called with the filesystem lock held.
type Target interface {
	// ReclaimableBlocks returns the stale blocks with no open reference,
	// least worn first.
	ReclaimableBlocks() []uint32

	// Reclaim erases a reclaimable block and returns it to the free pool.
	Reclaim(block uint32) error

	// WearStats returns the current block table summary.
	WearStats() alloc.Stats

	// RelocationCandidates returns the files with no open reference and no
	// open writer, least worn first.
	RelocationCandidates() []Candidate

	// Relocate copies c onto the most-worn free blocks and commits it under
	// a new generation. The old blocks become stale.
	Relocate(ctx context.Context, c Candidate) error
}

// ============================================================================
// Main GC Function
// ============================================================================

// Collect runs one pass over t. A nil options uses DefaultOptions.
func Collect(ctx context.Context, t Target, options *Options) *Stats {
	if options == nil {
		o := DefaultOptions()
		options = &o
	}

	start := time.Now()
	before := t.WearStats()
	stats := &Stats{
		FreeBefore:   before.Free,
		SpreadBefore: before.Spread(),
	}

	reclaim(ctx, t, options, stats)
	if ctx.Err() == nil {
		relocate(ctx, t, options, stats)
	}

	after := t.WearStats()
	stats.FreeAfter = after.Free
	stats.SpreadAfter = after.Spread()

	if stats.Reclaimed > 0 || stats.Relocated > 0 || stats.Errors > 0 {
		logger.Info("GC: pass complete",
			logger.KeyReclaimed, stats.Reclaimed,
			logger.KeyRelocated, stats.Relocated,
			logger.KeyFree, stats.FreeAfter,
			logger.KeyWearSpread, stats.SpreadAfter,
			"errors", stats.Errors,
			logger.KeyDryRun, options.DryRun,
			logger.DurationMs(start))
	} else {
		logger.Debug("GC: nothing to do", logger.KeyFree, stats.FreeAfter)
	}
	return stats
}

// reclaim erases every reclaimable block.
func reclaim(ctx context.Context, t Target, options *Options, stats *Stats) {
	for _, block := range t.ReclaimableBlocks() {
		if ctx.Err() != nil {
			logger.Info("GC: cancelled", logger.KeyReclaimed, stats.Reclaimed)
			return
		}
		if options.DryRun {
			stats.Reclaimed++
			continue
		}
		err := t.Reclaim(block)
		switch {
		case err == nil:
			stats.Reclaimed++
		case fserrors.Is(err, fserrors.ErrStillReferenced):
			stats.StillReferenced++
		default:
			logger.Warn("GC: reclaim failed", logger.KeyBlock, block, logger.KeyError, err)
			stats.Errors++
		}
	}
}

// relocate moves cold files off the least-worn blocks while the spread
// stays above the threshold.
func relocate(ctx context.Context, t Target, options *Options, stats *Stats) {
	if options.WearSpreadThreshold == 0 || options.MaxRelocations <= 0 {
		return
	}

	tried := make(map[uint64]bool)
	for stats.Relocated < options.MaxRelocations && ctx.Err() == nil {
		wear := t.WearStats()
		if wear.Spread() <= options.WearSpreadThreshold {
			return
		}

		c, ok := pickCandidate(t.RelocationCandidates(), wear.MaxErase, options.WearSpreadThreshold, tried)
		if !ok {
			logger.Debug("GC: no cold file to relocate", logger.KeyWearSpread, wear.Spread())
			return
		}
		tried[c.Generation] = true

		if options.DryRun {
			stats.Relocated++
			stats.BlocksRelocated += len(c.Blocks)
			continue
		}
		if err := t.Relocate(ctx, c); err != nil {
			logger.Warn("GC: relocation failed",
				logger.KeyFilename, c.Name,
				logger.KeyGeneration, c.Generation,
				logger.KeyError, err)
			stats.Errors++
			if fserrors.IsOutOfSpace(err) {
				return
			}
			continue
		}
		stats.Relocated++
		stats.BlocksRelocated += len(c.Blocks)
		logger.Debug("GC: relocated cold file",
			logger.KeyFilename, c.Name,
			logger.KeyBlocks, len(c.Blocks),
			logger.KeyEraseCount, c.MinEraseCount)

		reclaim(ctx, t, options, stats)
	}
}

// pickCandidate returns the least-worn candidate that is cold enough to be
// worth moving.
func pickCandidate(candidates []Candidate, maxErase, threshold uint32, tried map[uint64]bool) (Candidate, bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].MinEraseCount < candidates[j].MinEraseCount
	})
	for _, c := range candidates {
		if tried[c.Generation] || len(c.Blocks) == 0 {
			continue
		}
		if maxErase-c.MinEraseCount > threshold {
			return c, true
		}
	}
	return Candidate{}, false
}

// NeedsCollection reports whether free has dropped below the low water mark.
func NeedsCollection(free int, options Options) bool {
	return free < options.LowWater
}
