package chaintree

// OrphanType classifies a block sitting in the orphan pool. It is a closed
// sum type: every orphan is in exactly one of these four states.
type OrphanType int

const (
	// DisconnectedTip is the tip of a sub-tree that is not connected,
	// directly or transitively, to the canonical chain.
	DisconnectedTip OrphanType = iota
	// BelongsToDisconnected is an ancestor, within the orphan pool, of a
	// DisconnectedTip.
	BelongsToDisconnected
	// ValidChainTip is the tip of a sub-tree whose root is known to
	// attach to the canonical chain, but which is not itself canonical
	// (it did not become the heaviest tip).
	ValidChainTip
	// BelongsToValidChain is an ancestor, within the orphan pool, of a
	// ValidChainTip.
	BelongsToValidChain
)

func (t OrphanType) String() string {
	switch t {
	case DisconnectedTip:
		return "DisconnectedTip"
	case BelongsToDisconnected:
		return "BelongsToDisconnected"
	case ValidChainTip:
		return "ValidChainTip"
	case BelongsToValidChain:
		return "BelongsToValidChain"
	default:
		return "unknown"
	}
}

// tipRecord tracks, for a disconnected sub-tree head, which of its tips
// currently sits at the greatest height (the one attempt_attach_valid will
// promote first if the sub-tree ever attaches to the valid chain).
type tipRecord struct {
	height uint64
	hash   Hash
}

// orphanIndex is the in-memory bookkeeping for every block that isn't yet
// (or no longer) on the canonical chain: the orphan pool itself, the
// per-height inverse-height map used for deepest-wins fork choice, the
// classification of every orphan, and the indexes that track disconnected
// sub-trees and valid (non-canonical) chain tips.
type orphanIndex struct {
	pool map[Hash]Block

	// heights maps a height to the set of orphan hashes at that height,
	// each with its inverse height (distance, in blocks, from its
	// deepest descendant tip).
	heights map[uint64]map[Hash]uint64

	validations map[Hash]OrphanType

	// disconnectedHeads maps a disconnected sub-tree's root hash to the
	// set of its tip hashes.
	disconnectedHeads map[Hash]map[Hash]struct{}

	// disconnectedHeadsHeights records, per disconnected sub-tree head,
	// which tip sits at the greatest height.
	disconnectedHeadsHeights map[Hash]tipRecord

	// disconnectedTips maps a disconnected tip hash back to its
	// sub-tree's head hash.
	disconnectedTips map[Hash]Hash

	// validTips is the set of hashes that are ValidChainTip.
	validTips map[Hash]struct{}

	// maxHeight is the greatest height at which any orphan sits, or nil
	// if the pool is empty.
	maxHeight *uint64
}

func newOrphanIndex() *orphanIndex {
	return &orphanIndex{
		pool:                     make(map[Hash]Block),
		heights:                  make(map[uint64]map[Hash]uint64),
		validations:              make(map[Hash]OrphanType),
		disconnectedHeads:        make(map[Hash]map[Hash]struct{}),
		disconnectedHeadsHeights: make(map[Hash]tipRecord),
		disconnectedTips:         make(map[Hash]Hash),
		validTips:                make(map[Hash]struct{}),
	}
}

func (o *orphanIndex) len() int { return len(o.pool) }

func (o *orphanIndex) get(h Hash) (Block, bool) {
	b, ok := o.pool[h]
	return b, ok
}

func (o *orphanIndex) status(h Hash) OrphanType {
	return o.validations[h]
}

// updateMaxHeight raises maxHeight to h if h is greater, leaving it
// untouched otherwise. Removal of the current max is handled separately in
// engine.go's writeBlock, which must walk back through the heights map.
func (o *orphanIndex) updateMaxHeight(h uint64) {
	if o.maxHeight == nil || h > *o.maxHeight {
		nh := h
		o.maxHeight = &nh
	}
}

// writeOrphan records a block in the pool at the given classification and
// inverse height, creating the per-height bucket if necessary. It also
// adds the block to validTips when its status is ValidChainTip.
func (o *orphanIndex) writeOrphan(b Block, status OrphanType, inverseHeight uint64) {
	hash := b.Hash()
	o.pool[hash] = b
	o.validations[hash] = status

	bucket, ok := o.heights[b.Height()]
	if !ok {
		bucket = make(map[Hash]uint64)
		o.heights[b.Height()] = bucket
	}
	if _, exists := bucket[hash]; !exists {
		bucket[hash] = inverseHeight
	}

	if status == ValidChainTip {
		o.validTips[hash] = struct{}{}
	}
	o.updateMaxHeight(b.Height())
}

// removeOrphan drops a block from the pool, its height bucket, validTips
// and validations. It does not touch the disconnected-head indexes; those
// are managed by the Engine call sites that know the context of the
// removal (attach, promotion, or canonical write).
func (o *orphanIndex) removeOrphan(hash Hash, height uint64) {
	delete(o.pool, hash)
	delete(o.validations, hash)
	delete(o.validTips, hash)
	if bucket, ok := o.heights[height]; ok {
		delete(bucket, hash)
		if len(bucket) == 0 {
			delete(o.heights, height)
		}
	}
}

// recomputeMaxHeightAfterRemoval is called after a block at removedHeight
// has been written to the canonical chain. If removedHeight was maxHeight
// and no other orphan remains at that height, it walks downward from
// removedHeight-1 (down to and including height 0) looking for the next
// non-empty bucket, and sets maxHeight to nil if there is none.
func (o *orphanIndex) recomputeMaxHeightAfterRemoval(removedHeight uint64) {
	if o.maxHeight == nil || removedHeight != *o.maxHeight {
		return
	}
	if bucket, ok := o.heights[removedHeight]; ok && len(bucket) > 0 {
		return
	}
	current := removedHeight
	for {
		if current == 0 {
			o.maxHeight = nil
			return
		}
		current--
		if bucket, ok := o.heights[current]; ok && len(bucket) > 0 {
			h := current
			o.maxHeight = &h
			return
		}
	}
}
