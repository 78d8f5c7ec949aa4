// Package chainstore is the persistence adapter the chaintree engine (C1)
// writes through. It mirrors the teacher's BadgerStore: a thin adapter
// over a key/value store keyed by block hash, with an atomic batch API so
// the engine can make multi-key updates (block + tip pointer + height
// counter + derived height key) durable in one write.
package chainstore

// BlockStore is the capability surface the chaintree engine needs from
// persistent storage. It is intentionally narrow (get/put/delete plus a
// batch) so alternative backends can be swapped in without touching the
// engine.
type BlockStore interface {
	// Get returns the value for key, or ok=false if it is absent.
	Get(key []byte) (value []byte, ok bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// WriteBatch runs fn with a batch that commits atomically if fn
	// returns nil, or is discarded entirely if fn returns an error.
	WriteBatch(fn func(b Batch) error) error

	// Prune deletes every key in keys in a single atomic commit. It is
	// adapted from the teacher's BadgerStore.PruneBlocks, generalized from
	// that store's height-keyed layout ("block:<height>", deleting a
	// contiguous height range directly) to this store's hash-keyed one:
	// the caller (chaintree.Engine, which alone knows the hash<->height
	// mapping via its parent-pointer chain) resolves which keys fall below
	// its retention floor and Prune just makes their removal atomic.
	Prune(keys [][]byte) error

	Close() error
}

// Batch accumulates writes for a single atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}
