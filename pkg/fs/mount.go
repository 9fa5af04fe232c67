package fs

import (
	"github.com/marmos91/flashfs/internal/logger"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/flash"
)

// classify rebuilds the block table from the directory:
//
//   - log blocks are reserved
//   - blocks on the persisted bad list are bad
//   - blocks of live records are live, owned by the record's generation
//   - erased pool blocks are free
//   - every other pool block holds leftovers of an interrupted write or an
//     unreclaimed deletion and is stale with no owner
//
// It returns the number of leftover blocks found.
func (fsys *FS) classify() (int, error) {
	count := fsys.dev.BlockCount()
	logBlocks := fsys.log.LogBlocks()

	for b := uint32(0); b < logBlocks; b++ {
		if err := fsys.alloc.Reserve(b); err != nil {
			return 0, err
		}
	}

	bad := make(map[uint32]bool)
	for _, b := range fsys.log.BadBlocks() {
		if b < logBlocks || b >= count {
			logger.Warn("Ignoring bad block outside the pool", logger.KeyBlock, b)
			continue
		}
		bad[b] = true
		if err := fsys.alloc.MarkBad(b); err != nil {
			return 0, err
		}
	}

	claimed := make(map[uint32]uint64)
	for _, rec := range fsys.log.List() {
		for _, b := range rec.Blocks {
			if b < logBlocks || b >= count {
				return 0, fserrors.Newf(fserrors.ErrIoFault,
					"record %q references block %d outside the pool", rec.Name, b)
			}
			if owner, dup := claimed[b]; dup {
				return 0, fserrors.Newf(fserrors.ErrIoFault,
					"block %d claimed by generations %d and %d", b, owner, rec.Generation)
			}
			claimed[b] = rec.Generation
			if bad[b] {
				logger.Warn("Live record uses a bad block",
					logger.KeyFilename, rec.Name, logger.KeyBlock, b)
				continue
			}
			if err := fsys.alloc.MarkLive(b, rec.Generation); err != nil {
				return 0, err
			}
		}
	}

	leftovers := 0
	for b := logBlocks; b < count; b++ {
		if _, ok := claimed[b]; ok || bad[b] {
			continue
		}
		data, err := fsys.dev.Read(b, 0, fsys.dev.BlockSize())
		if err != nil {
			logger.Warn("Unreadable pool block", logger.KeyBlock, b, logger.KeyError, err)
			if err := fsys.alloc.MarkBad(b); err != nil {
				return 0, err
			}
			continue
		}
		if flash.IsErased(data) {
			if err := fsys.alloc.MarkFree(b); err != nil {
				return 0, err
			}
			continue
		}
		// Left stale with no owner, as alloc.New created it.
		leftovers++
	}
	return leftovers, nil
}
