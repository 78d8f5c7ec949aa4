// Package chaintreetest is a small block-generation harness for exercising
// the chaintree engine in tests, in the spirit of the chaingen-style
// helper package referenced by the dcrd example in the retrieval pack: it
// builds chaintree.RefBlock trees from short readable names ("A", "B'",
// "C''") instead of raw hashes or nonces, so fork scenarios read like the
// trees they describe.
package chaintreetest

import (
	"crypto/sha256"
	"encoding/binary"

	"chaintree/chaintree"
)

// NameHash derives a deterministic hash from a label, useful for
// constructing parent hashes that deliberately don't correspond to any
// block the engine knows about (to exercise the disconnected/orphan
// paths).
func NameHash(name string) chaintree.Hash {
	return sha256.Sum256([]byte("chaintreetest/" + name))
}

func nonceFor(name string) uint64 {
	h := sha256.Sum256([]byte("chaintreetest/nonce/" + name))
	return binary.BigEndian.Uint64(h[:8])
}

// Genesis returns the fixed genesis block.
func Genesis() *chaintree.RefBlock {
	return chaintree.NewGenesisRefBlock()
}

// Child builds a named block extending parent by one height. Two calls
// with different names always produce different hashes, since the name
// feeds the block's nonce.
func Child(parent chaintree.Block, name string) *chaintree.RefBlock {
	return chaintree.NewRefBlock(parent.Hash(), parent.Height(), nonceFor(name), nil)
}

// ChildOfHash is Child for callers that only have the parent's hash and
// height on hand (e.g. when constructing a block whose parent is
// intentionally unknown to the engine).
func ChildOfHash(parentHash chaintree.Hash, parentHeight uint64, name string) *chaintree.RefBlock {
	return chaintree.NewRefBlock(parentHash, parentHeight, nonceFor(name), nil)
}

// Chain builds a linear run of blocks extending start, one per name.
func Chain(start chaintree.Block, names ...string) []*chaintree.RefBlock {
	out := make([]*chaintree.RefBlock, 0, len(names))
	cur := start
	for _, name := range names {
		next := Child(cur, name)
		out = append(out, next)
		cur = next
	}
	return out
}
