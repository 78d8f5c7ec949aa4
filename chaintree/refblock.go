package chaintree

import (
	"crypto/sha3"
	"encoding/binary"
	"fmt"
)

// RefBlock is the engine's reference Block implementation: a minimal
// header carrying just what the fork-choice state machine needs (height,
// parent hash, a nonce) plus an opaque payload. Its Hash is computed
// exactly the way the teacher's header.Header.Hash does it: a 48-byte
// little-endian buffer of height ++ parentHash ++ nonce run through
// sha3.Sum256.
type RefBlock struct {
	height     uint64
	parentHash Hash
	hasParent  bool
	nonce      uint64
	payload    []byte
}

var _ Block = (*RefBlock)(nil)

// NewGenesisRefBlock returns the fixed genesis block: height 0, no
// parent, nonce 0.
func NewGenesisRefBlock() *RefBlock {
	return &RefBlock{height: 0, hasParent: false}
}

// NewRefBlock builds a block extending parentHash at parentHeight+1.
func NewRefBlock(parentHash Hash, parentHeight uint64, nonce uint64, payload []byte) *RefBlock {
	return &RefBlock{
		height:     parentHeight + 1,
		parentHash: parentHash,
		hasParent:  true,
		nonce:      nonce,
		payload:    payload,
	}
}

func (b *RefBlock) Hash() Hash {
	var buf [48]byte // 8 bytes height + 32 bytes parent hash + 8 bytes nonce
	binary.LittleEndian.PutUint64(buf[:8], b.height)
	copy(buf[8:40], b.parentHash[:])
	binary.LittleEndian.PutUint64(buf[40:], b.nonce)
	return sha3.Sum256(buf[:])
}

func (b *RefBlock) ParentHash() (Hash, bool) { return b.parentHash, b.hasParent }

func (b *RefBlock) Height() uint64 { return b.height }

func (b *RefBlock) Payload() []byte { return b.payload }

// Encode serializes height (8 bytes BE) ++ parentHash (32 bytes) ++
// hasParent (1 byte) ++ nonce (8 bytes BE) ++ payload, matching
// SPEC_FULL.md's reference encoding.
func (b *RefBlock) Encode() ([]byte, error) {
	buf := make([]byte, 0, 8+32+1+8+len(b.payload))
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], b.height)
	buf = append(buf, heightBuf[:]...)
	buf = append(buf, b.parentHash[:]...)
	if b.hasParent {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], b.nonce)
	buf = append(buf, nonceBuf[:]...)
	buf = append(buf, b.payload...)
	return buf, nil
}

// DecodeRefBlock is the chaintree.DecodeFunc counterpart to Encode.
func DecodeRefBlock(data []byte) (Block, error) {
	if len(data) < 8+32+1+8 {
		return nil, fmt.Errorf("chaintree: ref block encoding too short: %d bytes", len(data))
	}
	b := &RefBlock{}
	b.height = binary.BigEndian.Uint64(data[0:8])
	copy(b.parentHash[:], data[8:40])
	b.hasParent = data[40] == 1
	b.nonce = binary.BigEndian.Uint64(data[41:49])
	if len(data) > 49 {
		b.payload = append([]byte(nil), data[49:]...)
	}
	return b, nil
}
