// Package gc implements the garbage collector and static wear leveler.
//
// A collection pass has two phases:
//
//  1. Reclaim: every stale block whose allocation has no open reference is
//     erased and returned to the free pool, least worn first.
//  2. Relocate: while the erase count spread exceeds the configured
//     threshold, cold unreferenced files are copied out of the least-worn
//     blocks onto the most-worn free ones through the normal
//     write-then-commit path. The vacated blocks are reclaimed so their
//     low wear rejoins the pool.
//
// Collect is best-effort: failures are logged and counted in Stats, never
// returned. It only needs a Target, which the filesystem implements while
// holding its lock.
//
// Usage:
//
//	// Dry run first
//	dry := gc.Collect(ctx, target, &gc.Options{DryRun: true})
//	logger.Info("Would reclaim", "blocks", dry.Reclaimed)
//
//	// Then for real, with the defaults
//	stats := gc.Collect(ctx, target, nil)
package gc
