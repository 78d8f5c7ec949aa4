package chaintree

import (
	"crypto/sha256"
	"encoding/binary"
)

// tipKey and heightKey are the well-known store keys holding the canonical
// tip's hash and the canonical height, matching the Rust engine's
// lazy_static TIP_KEY / CANONICAL_HEIGHT_KEY.
var (
	tipKey    = sha256.Sum256([]byte("canonical_tip"))
	heightKey = sha256.Sum256([]byte("canonical_height"))
)

// derivedHeightKey is the per-block key that stores a canonical block's
// height so BlockHeight(hash) doesn't need a reverse index. It is deleted
// whenever a block stops being canonical.
func derivedHeightKey(h Hash) []byte {
	sum := sha256.Sum256([]byte(h.String() + ".height"))
	return sum[:]
}

func encodeHeight(h uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h)
	return buf
}

func decodeHeight(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
