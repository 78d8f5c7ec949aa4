package chaintree

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chaintree/chainconfig"
)

// Ref is the shared handle callers actually hold (C4): an RwLock-guarded
// Engine plus a small bounded read-through cache, mirroring the Rust
// engine's ChainRef<B>(Arc<RwLock<Chain<B>>>, Arc<Mutex<LruCache<...>>>).
// All mutating calls take the engine's write lock for their whole
// duration (single-writer); Query takes only a short read lock after a
// cache miss.
type Ref struct {
	mu     sync.RWMutex
	engine *Engine

	cache *lru.Cache[Hash, Block]

	subMu       sync.Mutex
	subscribers []chan Block
}

// NewRef wraps engine in a Ref with a BlockCacheSize-bounded LRU cache.
func NewRef(engine *Engine) (*Ref, error) {
	cache, err := lru.New[Hash, Block](chainconfig.BlockCacheSize)
	if err != nil {
		return nil, err
	}
	return &Ref{engine: engine, cache: cache}, nil
}

// AppendBlock forwards to the engine under the write lock, and notifies
// subscribers if it resulted in a new canonical tip.
func (r *Ref) AppendBlock(block Block) error {
	r.mu.Lock()
	prevTip := r.engine.CanonicalTip().Hash()
	err := r.engine.AppendBlock(block)
	var newTip Block
	if err == nil {
		newTip = r.engine.CanonicalTip()
	}
	r.mu.Unlock()

	if err == nil && newTip.Hash() != prevTip {
		r.cachePut(newTip)
		r.notify(newTip)
	}
	return err
}

// Rewind forwards to the engine under the write lock.
func (r *Ref) Rewind(targetHash Hash) error {
	r.mu.Lock()
	err := r.engine.Rewind(targetHash)
	var newTip Block
	if err == nil {
		newTip = r.engine.CanonicalTip()
	}
	r.mu.Unlock()

	if err == nil {
		r.cachePut(newTip)
		r.notify(newTip)
	}
	return err
}

// Query looks up a block by hash, consulting the cache first and only
// taking the engine's read lock on a miss. A query that resolves against
// the engine re-checks the cache and does not replace an entry already
// there. Entries are not evicted when Rewind demotes a block, so a cache
// hit may return a block that is no longer canonical.
func (r *Ref) Query(hash Hash) (Block, bool) {
	if b, ok := r.cache.Get(hash); ok {
		return b, true
	}

	r.mu.RLock()
	b, ok := r.engine.Query(hash)
	r.mu.RUnlock()

	if ok {
		r.cachePut(b)
	}
	return b, ok
}

func (r *Ref) cachePut(b Block) {
	if _, ok := r.cache.Get(b.Hash()); !ok {
		r.cache.Add(b.Hash(), b)
	}
}

func (r *Ref) QueryByHeight(height uint64) (Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.QueryByHeight(height)
}

func (r *Ref) BlockHeight(hash Hash) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.BlockHeight(hash)
}

func (r *Ref) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Height()
}

func (r *Ref) CanonicalTip() Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.CanonicalTip()
}

// Prune forwards to the engine under the write lock, dropping canonical
// blocks older than the keepN-block retention window. It takes the write
// lock (not just a read lock) because it deletes store entries that a
// concurrent Query/QueryByHeight/Rewind ancestor walk might otherwise be
// mid-traversal through.
func (r *Ref) Prune(keepN uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Prune(keepN)
}

// SetMissingParentHandler installs fn as the engine's missing-parent
// callback under the write lock.
func (r *Ref) SetMissingParentHandler(fn func(Hash)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.SetMissingParentHandler(fn)
}

// SetRewindHandler installs fn as the engine's demoted-blocks callback
// under the write lock. Typical callers wire this to an external mempool
// so a reorg re-admits the payloads of blocks it demotes rather than
// losing them.
func (r *Ref) SetRewindHandler(fn func([]Block)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.SetRewindHandler(fn)
}

// Subscribe returns a channel that receives every new canonical tip. The
// channel is buffered by one and never closed by Ref; callers that stop
// reading simply stop receiving (sends are non-blocking and drop on a
// full channel, the same head-change fan-out shape as the teacher's
// Chain.subscribers).
func (r *Ref) Subscribe() <-chan Block {
	ch := make(chan Block, 1)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Ref) notify(tip Block) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- tip:
		default:
		}
	}
}

// StartOrphanSweeper periodically logs the orphan pool's size via report,
// so a long-lived daemon has visibility into stuck disconnected sub-trees
// without needing a deeper orphan-request protocol. It mirrors the
// teacher's periodic orphan pool scanner, scaled down to the read-only
// diagnostic this engine needs (active orphan resolution already happens
// inline inside AppendBlock).
func (r *Ref) StartOrphanSweeper(ctx context.Context, interval time.Duration, report func(orphanCount int)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.RLock()
				n := r.engine.idx.len()
				r.mu.RUnlock()
				report(n)
			}
		}
	}()
}
