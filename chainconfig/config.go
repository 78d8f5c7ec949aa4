// Package chainconfig holds the tunables shared by the chaintree engine,
// its storage adapter and the daemon, mirroring the package-level var
// knobs the teacher codebase exposes for epoch length, batch size and
// prune depth.
package chainconfig

const (
	// BlockCacheSize bounds the Ref read-through LRU cache (C4).
	BlockCacheSize = 20

	// MaxOrphans bounds the total number of blocks the orphan pool (C2)
	// may hold before AppendBlock starts rejecting new orphans.
	MaxOrphans = 100

	// MinHeightDelta is how far behind the current canonical height an
	// appended block's height may fall before it is rejected as stale.
	MinHeightDelta = 10

	// MaxHeightDelta is how far ahead of the current canonical height an
	// appended block's height may sit before it is rejected as
	// implausibly far in the future.
	MaxHeightDelta = 10
)

// PruneDepth controls how many of the newest canonical blocks
// chaintree.Engine.Prune keeps on disk when the daemon calls it (at
// startup and after every new canonical tip); 0 disables pruning
// entirely. It is a var, not a const, so the daemon can set it from a
// flag at startup the way the teacher's config.PruneDepth is set from
// -prune-depth.
var PruneDepth uint64 = 0
