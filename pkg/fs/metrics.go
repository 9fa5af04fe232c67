package fs

import (
	"time"

	"github.com/marmos91/flashfs/pkg/alloc"
	"github.com/marmos91/flashfs/pkg/gc"
)

// Metrics receives filesystem instrumentation. A nil Metrics disables it.
// Implementations must be safe for concurrent use; the filesystem calls
// them with its lock held.
type Metrics interface {
	// ObserveOpen records an Open call and whether the name resolved.
	ObserveOpen(found bool)

	// ObserveCommit records a finalized write.
	ObserveCommit(bytes int64, blocks int, duration time.Duration)

	// ObserveAbort records an aborted or failed write.
	ObserveAbort()

	// ObserveDelete records a deletion.
	ObserveDelete()

	// ObserveCollect records a collection pass.
	ObserveCollect(stats *gc.Stats, duration time.Duration)

	// RecordBlocks records the block table summary.
	RecordBlocks(stats alloc.Stats)

	// RecordHandles records the number of open readers and writers.
	RecordHandles(readers, writers int)
}
