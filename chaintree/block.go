// Package chaintree implements a fork-aware block tree: a canonical chain
// backed by persistent storage, an in-memory orphan pool for blocks whose
// ancestry is not yet connected to the canonical chain, and the fork-choice
// state machine that promotes, demotes and rewinds between them.
package chaintree

import "encoding/hex"

// Hash identifies a block by its content hash. Callers are responsible for
// computing it consistently; the engine never hashes block bytes itself.
type Hash [32]byte

// Bytes returns the hash as a byte slice suitable for use as a store key.
func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Block is the capability surface the engine needs from a block type. A
// caller's concrete block (header, body, whatever it carries) only needs to
// satisfy this to be accepted by the engine.
type Block interface {
	Hash() Hash

	// ParentHash reports the parent's hash. The second return value is
	// false only for the genesis block, which has no parent.
	ParentHash() (Hash, bool)

	Height() uint64

	// Encode serializes the block for persistence. DecodeFunc must be
	// able to reconstruct an equivalent Block from these bytes.
	Encode() ([]byte, error)
}

// GenesisFunc produces the genesis block when the store holds no chain yet.
type GenesisFunc func() Block

// DecodeFunc reconstructs a Block from the bytes a prior Encode produced.
type DecodeFunc func([]byte) (Block, error)

// AfterWriteFunc is invoked every time a block is written onto the
// canonical chain, synchronously inside the engine call that wrote it (so
// under Ref's write lock when called through Ref). It is passed to
// NewEngine; callers that do not need it pass nil.
type AfterWriteFunc func(Block)
