package chaintree_test

import (
	"testing"

	"chaintree/chainstore"
	"chaintree/chaintree"
	"chaintree/chaintreetest"
)

func newTestEngine(t *testing.T) *chaintree.Engine {
	t.Helper()
	store := chainstore.NewMemStore()
	e, err := chaintree.NewEngine(store, func() chaintree.Block { return chaintreetest.Genesis() }, chaintree.DecodeRefBlock, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// checkInvariants asserts a few of the universal invariants SPEC_FULL.md
// lists (§8) after an engine operation: the tip is not an orphan, the
// pool is within MaxOrphans, and the height matches the tip.
func checkInvariants(t *testing.T, e *chaintree.Engine) {
	t.Helper()
	stats := e.Stats()

	if e.IsOrphan(e.CanonicalTip().Hash()) {
		t.Errorf("invariant violated: canonical tip %s is also in the orphan pool", e.CanonicalTip().Hash())
	}
	if stats.OrphanCount > 100 {
		t.Errorf("invariant violated: orphan pool size %d exceeds MaxOrphans", stats.OrphanCount)
	}
	if stats.Height != e.CanonicalTip().Height() {
		t.Errorf("invariant violated: engine height %d != canonical tip height %d", stats.Height, e.CanonicalTip().Height())
	}
}

// S1: linear append in order.
func TestLinearAppend(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	blocks := chaintreetest.Chain(genesis, "A", "B", "C", "D")

	for _, b := range blocks {
		if err := e.AppendBlock(b); err != nil {
			t.Fatalf("append %s: %v", b.Hash(), err)
		}
		checkInvariants(t, e)
	}

	if e.Height() != 4 {
		t.Fatalf("expected height 4, got %d", e.Height())
	}
	if e.CanonicalTip().Hash() != blocks[3].Hash() {
		t.Fatalf("expected tip D, got %s", e.CanonicalTip().Hash())
	}
}

// S2: a block arrives whose parent is unknown (Case D), seeding a
// disconnected sub-tree; once the bridging block arrives, the sub-tree
// attaches to the canonical chain and is replayed via process_orphans.
func TestOutOfOrderAttach(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	a := chaintreetest.Child(genesis, "A")
	b := chaintreetest.Child(a, "B")
	c := chaintreetest.Child(b, "C")

	// B and C arrive before A: both become disconnected orphans.
	if err := e.AppendBlock(b); err != nil {
		t.Fatalf("append B: %v", err)
	}
	checkInvariants(t, e)
	if status, ok := e.OrphanStatus(b.Hash()); !ok || status != chaintree.DisconnectedTip {
		t.Fatalf("expected B to be a DisconnectedTip, got %v, ok=%v", status, ok)
	}

	if err := e.AppendBlock(c); err != nil {
		t.Fatalf("append C: %v", err)
	}
	checkInvariants(t, e)
	if status, ok := e.OrphanStatus(b.Hash()); !ok || status != chaintree.BelongsToDisconnected {
		t.Fatalf("expected B to become BelongsToDisconnected after C attached, got %v, ok=%v", status, ok)
	}
	if status, ok := e.OrphanStatus(c.Hash()); !ok || status != chaintree.DisconnectedTip {
		t.Fatalf("expected C to be the DisconnectedTip, got %v, ok=%v", status, ok)
	}

	// Now A arrives, bridging the disconnected sub-tree onto genesis;
	// process_orphans should replay B and C onto the canonical chain.
	if err := e.AppendBlock(a); err != nil {
		t.Fatalf("append A: %v", err)
	}
	checkInvariants(t, e)

	if e.Height() != 3 {
		t.Fatalf("expected height 3 after bridging, got %d", e.Height())
	}
	if e.CanonicalTip().Hash() != c.Hash() {
		t.Fatalf("expected tip C after bridging, got %s", e.CanonicalTip().Hash())
	}
	if e.IsOrphan(a.Hash()) || e.IsOrphan(b.Hash()) || e.IsOrphan(c.Hash()) {
		t.Fatalf("expected A, B, C all canonical and out of the orphan pool")
	}
}

// S3: a fork that grows past the canonical tip triggers attempt_switch,
// rewinding and replaying onto the heavier branch.
func TestForkSwitch(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	main := chaintreetest.Chain(genesis, "A", "B")
	for _, blk := range main {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	// Fork off A: A -> B' -> C', longer than the current A -> B tip.
	forkB := chaintreetest.Child(main[0], "B'")
	if err := e.AppendBlock(forkB); err != nil {
		t.Fatalf("append B': %v", err)
	}
	checkInvariants(t, e)
	if e.CanonicalTip().Hash() != main[1].Hash() {
		t.Fatalf("fork of equal height must not switch yet, tip is %s", e.CanonicalTip().Hash())
	}

	forkC := chaintreetest.Child(forkB, "C'")
	if err := e.AppendBlock(forkC); err != nil {
		t.Fatalf("append C': %v", err)
	}
	checkInvariants(t, e)
	if e.CanonicalTip().Hash() != forkC.Hash() {
		t.Fatalf("expected switch to C' once it outgrows B, tip is %s", e.CanonicalTip().Hash())
	}
	if e.Height() != 3 {
		t.Fatalf("expected height 3 after switch, got %d", e.Height())
	}

	// The old canonical tip B should now be a valid (non-canonical) tip
	// in the orphan pool.
	if status, ok := e.OrphanStatus(main[1].Hash()); !ok || status != chaintree.ValidChainTip {
		t.Fatalf("expected old tip B to become a ValidChainTip, got %v, ok=%v", status, ok)
	}
}

// S4: Rewind demotes the canonical chain back to an ancestor, which
// becomes the new tip, with the demoted blocks becoming an orphan
// sub-tree rooted at the rewind point.
func TestRewind(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	blocks := chaintreetest.Chain(genesis, "A", "B", "C")
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	if err := e.Rewind(blocks[0].Hash()); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	checkInvariants(t, e)

	if e.Height() != 1 {
		t.Fatalf("expected height 1 after rewind, got %d", e.Height())
	}
	if e.CanonicalTip().Hash() != blocks[0].Hash() {
		t.Fatalf("expected tip A after rewind, got %s", e.CanonicalTip().Hash())
	}
	if status, ok := e.OrphanStatus(blocks[2].Hash()); !ok || status != chaintree.ValidChainTip {
		t.Fatalf("expected old tip C to become a ValidChainTip orphan, got %v, ok=%v", status, ok)
	}
	if status, ok := e.OrphanStatus(blocks[1].Hash()); !ok || status != chaintree.BelongsToValidChain {
		t.Fatalf("expected B to become BelongsToValidChain, got %v, ok=%v", status, ok)
	}

	// Rewinding all the way to the genesis block is an undefined,
	// fatal operation.
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected rewind to genesis to panic")
		}
	}()
	_ = e.Rewind(genesis.Hash())
}

// S5: rewinding with pre-existing orphans in the pool must merge the
// newly demoted sub-tree with whatever was already there rather than
// clobbering it.
func TestRewindWithExistingOrphans(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	blocks := chaintreetest.Chain(genesis, "A", "B", "C")
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	// A disconnected sub-tree, unrelated to the demoted chain.
	orphanRoot := chaintreetest.ChildOfHash(chaintreetest.NameHash("unknown-parent"), 5, "X")
	if err := e.AppendBlock(orphanRoot); err != nil {
		t.Fatalf("append X: %v", err)
	}
	checkInvariants(t, e)

	if err := e.Rewind(blocks[0].Hash()); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	checkInvariants(t, e)

	if !e.IsOrphan(orphanRoot.Hash()) {
		t.Fatalf("expected pre-existing orphan X to survive the rewind")
	}
	if status, ok := e.OrphanStatus(orphanRoot.Hash()); !ok || status != chaintree.DisconnectedTip {
		t.Fatalf("expected X to remain a DisconnectedTip, got %v, ok=%v", status, ok)
	}
	if !e.IsOrphan(blocks[2].Hash()) {
		t.Fatalf("expected demoted tip C to be in the orphan pool")
	}
}

// S6: blocks outside the accepted height window are rejected without any
// mutation.
func TestHeightBounds(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	names := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		names = append(names, string(rune('a'+i)))
	}
	blocks := chaintreetest.Chain(genesis, names...)
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	tooHigh := chaintreetest.ChildOfHash(chaintreetest.NameHash("far-future-parent"), e.Height()+100, "toohigh")
	if err := e.AppendBlock(tooHigh); err != chaintree.ErrBadHeight {
		t.Fatalf("expected ErrBadHeight for a block far above the window, got %v", err)
	}
	checkInvariants(t, e)

	// The chain is now at height 12; height 1 falls outside the
	// [height-10, height+10] window and must be rejected.
	tooLow := chaintreetest.ChildOfHash(chaintreetest.NameHash("ancient-parent"), 0, "toolow")
	if err := e.AppendBlock(tooLow); err != chaintree.ErrBadHeight {
		t.Fatalf("expected ErrBadHeight for a block far below the window, got %v", err)
	}
	checkInvariants(t, e)

	heightAfter := e.Height()
	if heightAfter != 12 {
		t.Fatalf("height must be unchanged by rejected appends, got %d", heightAfter)
	}
}

// Appending the same block twice is rejected as AlreadyInChain, whether
// the first copy landed on the canonical chain or in the orphan pool.
func TestAlreadyInChain(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	a := chaintreetest.Child(genesis, "A")

	if err := e.AppendBlock(a); err != nil {
		t.Fatalf("append A: %v", err)
	}
	if err := e.AppendBlock(a); err != chaintree.ErrAlreadyInChain {
		t.Fatalf("expected ErrAlreadyInChain for canonical duplicate, got %v", err)
	}

	orphan := chaintreetest.ChildOfHash(chaintreetest.NameHash("missing"), 9, "orphanblock")
	if err := e.AppendBlock(orphan); err != nil {
		t.Fatalf("append orphan: %v", err)
	}
	if err := e.AppendBlock(orphan); err != chaintree.ErrAlreadyInChain {
		t.Fatalf("expected ErrAlreadyInChain for orphan duplicate, got %v", err)
	}
}

// Appending the blocks of a small tree in every order should converge on
// the same canonical tip regardless of arrival order.
func TestOrderIndependence(t *testing.T) {
	genesis := chaintreetest.Genesis()
	a := chaintreetest.Child(genesis, "oi-A")
	b := chaintreetest.Child(a, "oi-B")
	c := chaintreetest.Child(b, "oi-C")

	orders := [][]*chaintree.RefBlock{
		{a, b, c},
		{c, b, a},
		{b, c, a},
		{b, a, c},
	}

	var expectTip chaintree.Hash
	for i, order := range orders {
		e := newTestEngine(t)
		for _, blk := range order {
			if err := e.AppendBlock(blk); err != nil {
				t.Fatalf("order %d: append %s: %v", i, blk.Hash(), err)
			}
		}
		checkInvariants(t, e)
		if i == 0 {
			expectTip = e.CanonicalTip().Hash()
		} else if e.CanonicalTip().Hash() != expectTip {
			t.Fatalf("order %d converged on a different tip: %s vs %s", i, e.CanonicalTip().Hash(), expectTip)
		}
		if e.Height() != 3 {
			t.Fatalf("order %d: expected height 3, got %d", i, e.Height())
		}
	}
}

// Rewinding to a hash and then replaying the same blocks back on top
// (a rewind round trip) must return the engine to the same tip and
// height it started from.
func TestRewindRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	blocks := chaintreetest.Chain(genesis, "rt-A", "rt-B", "rt-C")
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	if err := e.Rewind(blocks[0].Hash()); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	for _, blk := range blocks[1:] {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("replay %s: %v", blk.Hash(), err)
		}
	}

	if e.Height() != 3 {
		t.Fatalf("expected height 3 after round trip, got %d", e.Height())
	}
	if e.CanonicalTip().Hash() != blocks[2].Hash() {
		t.Fatalf("expected tip rt-C after round trip, got %s", e.CanonicalTip().Hash())
	}
}

// Prune must drop blocks below the retention floor while leaving
// everything at or above it fully queryable, and must be a no-op when
// keepN is 0 or the chain hasn't grown past the window yet.
func TestPrune(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	names := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		names = append(names, string(rune('p'+i)))
	}
	blocks := chaintreetest.Chain(genesis, names...)
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	// keepN=0 disables pruning.
	if err := e.Prune(0); err != nil {
		t.Fatalf("prune(0): %v", err)
	}
	if _, ok := e.QueryByHeight(1); !ok {
		t.Fatalf("prune(0) must be a no-op, but height 1 is gone")
	}

	// Chain is at height 10; keepN=4 means heights 1-6 get pruned, leaving
	// genesis(0)'s status irrelevant and 7-10 intact. floor = 10+1-4 = 7.
	if err := e.Prune(4); err != nil {
		t.Fatalf("prune(4): %v", err)
	}

	for h := uint64(1); h < 7; h++ {
		if _, ok := e.QueryByHeight(h); ok {
			t.Fatalf("expected height %d to be pruned", h)
		}
	}
	for h := uint64(7); h <= 10; h++ {
		if _, ok := e.QueryByHeight(h); !ok {
			t.Fatalf("expected height %d to survive pruning", h)
		}
	}
	if e.Height() != 10 {
		t.Fatalf("pruning must not change the reported height, got %d", e.Height())
	}
	if e.CanonicalTip().Hash() != blocks[9].Hash() {
		t.Fatalf("pruning must not change the canonical tip, got %s", e.CanonicalTip().Hash())
	}

	// Pruning again with the same or a larger keepN is a safe no-op once
	// the floor has already been reached.
	if err := e.Prune(4); err != nil {
		t.Fatalf("second prune(4): %v", err)
	}
}

func TestQueryByHeightAndBlockHeight(t *testing.T) {
	e := newTestEngine(t)
	genesis := chaintreetest.Genesis()
	blocks := chaintreetest.Chain(genesis, "qh-A", "qh-B")
	for _, blk := range blocks {
		if err := e.AppendBlock(blk); err != nil {
			t.Fatalf("append %s: %v", blk.Hash(), err)
		}
	}

	blk, ok := e.QueryByHeight(1)
	if !ok || blk.Hash() != blocks[0].Hash() {
		t.Fatalf("QueryByHeight(1) = %v, ok=%v; want qh-A", blk, ok)
	}

	h, ok := e.BlockHeight(blocks[1].Hash())
	if !ok || h != 2 {
		t.Fatalf("BlockHeight(qh-B) = %d, ok=%v; want 2", h, ok)
	}

	if _, ok := e.QueryByHeight(99); ok {
		t.Fatalf("QueryByHeight(99) should not be found")
	}
}
