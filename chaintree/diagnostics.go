package chaintree

// Stats is a snapshot of the engine's bookkeeping, grounded on the
// teacher's Chain.LogDiagnostics: cheap enough to log periodically from a
// daemon, and detailed enough for tests to assert on without reaching into
// unexported fields.
type Stats struct {
	Height            uint64
	CanonicalTipHash  Hash
	OrphanCount       int
	DisconnectedHeads int
	ValidTips         int
	MaxOrphanHeight   *uint64
}

// Stats returns a snapshot of the engine's current state. Callers normally
// reach this through Ref, which takes the read lock first.
func (e *Engine) Stats() Stats {
	var maxHeight *uint64
	if e.idx.maxHeight != nil {
		h := *e.idx.maxHeight
		maxHeight = &h
	}
	return Stats{
		Height:            e.height,
		CanonicalTipHash:  e.canonicalTip.Hash(),
		OrphanCount:       e.idx.len(),
		DisconnectedHeads: len(e.idx.disconnectedHeads),
		ValidTips:         len(e.idx.validTips),
		MaxOrphanHeight:   maxHeight,
	}
}

// OrphanStatus reports the classification of hash within the orphan pool.
// The second return value is false if hash is not currently an orphan.
func (e *Engine) OrphanStatus(hash Hash) (OrphanType, bool) {
	_, ok := e.idx.get(hash)
	if !ok {
		return 0, false
	}
	return e.idx.status(hash), true
}

// IsOrphan reports whether hash currently sits in the orphan pool.
func (e *Engine) IsOrphan(hash Hash) bool {
	_, ok := e.idx.get(hash)
	return ok
}

// ValidTipHashes returns the current valid-tip set (spec invariant 4: this
// must always equal the set of orphans classified ValidChainTip). Diagnostic
// surface only, grounded alongside Stats/OrphanStatus/IsOrphan to give
// tests and callers a read-only window into the orphan index without
// exposing its internal maps.
func (e *Engine) ValidTipHashes() []Hash {
	hashes := make([]Hash, 0, len(e.idx.validTips))
	for h := range e.idx.validTips {
		hashes = append(hashes, h)
	}
	return hashes
}

// Stats, OrphanStatus and IsOrphan on Ref mirror the Engine versions,
// taking the read lock first.

func (r *Ref) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Stats()
}

func (r *Ref) OrphanStatus(hash Hash) (OrphanType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.OrphanStatus(hash)
}

func (r *Ref) IsOrphan(hash Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.IsOrphan(hash)
}

func (r *Ref) ValidTipHashes() []Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.ValidTipHashes()
}
