package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that device,
// directory and collector logs can be correlated.
const (
	// ========================================================================
	// Operation
	// ========================================================================
	KeyOperation  = "operation"   // open, write, finalize, abort, delete, gc
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // FSError code name

	// ========================================================================
	// Files
	// ========================================================================
	KeyFilename   = "filename"   // File name
	KeyGeneration = "generation" // Record generation
	KeySize       = "size"       // Content length in bytes
	KeyHash       = "hash"       // Content hash (hex)
	KeyRefs       = "refs"       // Open reference count of an allocation
	KeyFiles      = "files"      // Number of live records

	// ========================================================================
	// Blocks & Device
	// ========================================================================
	KeyBlock      = "block"       // Physical block index
	KeyBlocks     = "blocks"      // Number of blocks
	KeyOffset     = "offset"      // Byte offset within a block
	KeyEraseCount = "erase_count" // Erase cycle count
	KeyState      = "state"       // Block state
	KeyDevice     = "device"      // Device path or kind

	// ========================================================================
	// Directory Log
	// ========================================================================
	KeyVolume    = "volume"     // Volume UUID
	KeySequence  = "sequence"   // Segment sequence number
	KeyLogBlocks = "log_blocks" // Size of the log ring

	// ========================================================================
	// Garbage Collection
	// ========================================================================
	KeyReclaimed  = "reclaimed"   // Blocks erased and returned to the pool
	KeyRelocated  = "relocated"   // Files moved by static wear leveling
	KeyFree       = "free"        // Free block count
	KeyWearSpread = "wear_spread" // Max minus min erase count
	KeyDryRun     = "dry_run"     // Dry run indicator

	// ========================================================================
	// Upload
	// ========================================================================
	KeyChunk   = "chunk"   // Chunk index
	KeyChunks  = "chunks"  // Total number of chunks
	KeyMissing = "missing" // Number of chunks still missing
)

// ============================================================================
// Attribute helpers
// ============================================================================

// Filename returns a filename attribute.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// Generation returns a generation attribute.
func Generation(gen uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, gen)
}

// Block returns a block attribute.
func Block(block uint32) slog.Attr {
	return slog.Uint64(KeyBlock, uint64(block))
}

// EraseCount returns an erase count attribute.
func EraseCount(count uint32) slog.Attr {
	return slog.Uint64(KeyEraseCount, uint64(count))
}

// Size returns a size attribute.
func Size(n uint64) slog.Attr {
	return slog.Uint64(KeySize, n)
}

// DurationMs returns a duration attribute measured from start.
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(time.Since(start).Microseconds())/1000)
}

// Err returns an error attribute, or an empty attribute for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
