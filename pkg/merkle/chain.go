package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// LinkedBlock is the minimal view over a chain element that hash-chain
// verification needs; pkg/block.Block satisfies it.
type LinkedBlock interface {
	BlockID() string
	Prev() string
	BlockDepth() uint64
	BlockTimestamp() uint64
}

// VerifyChain checks that each block's PrevID matches the prior block's
// BlockID and that depth strictly increments by one. It returns ok=true and
// an empty reason on success, or ok=false with a human-readable break
// description identifying the offending index.
func VerifyChain(blocks []LinkedBlock) (ok bool, reason string) {
	for i := 1; i < len(blocks); i++ {
		want := blocks[i-1].BlockID()
		got := blocks[i].Prev()
		if got != want {
			return false, fmt.Sprintf("break at %d: expected prev=%s got %s", i, want, got)
		}
		if blocks[i].BlockDepth() != blocks[i-1].BlockDepth()+1 {
			return false, fmt.Sprintf("break at %d: depth %d does not follow %d", i, blocks[i].BlockDepth(), blocks[i-1].BlockDepth())
		}
		if blocks[i].BlockTimestamp() < blocks[i-1].BlockTimestamp() {
			return false, fmt.Sprintf("break at %d: timestamp %d precedes %d", i, blocks[i].BlockTimestamp(), blocks[i-1].BlockTimestamp())
		}
	}
	return true, ""
}

// ChainChecksum is the SHA-256 over the JSON-canonical (id, prev, depth,
// timestamp) tuples of blocks, concatenated in chain order. It is a cheap,
// order-sensitive witness embedded in consistency proofs; it is not a
// substitute for VerifyChain, which carries the human-readable break
// location.
func ChainChecksum(blocks []LinkedBlock) string {
	h := sha256.New()
	for _, b := range blocks {
		// A JSON array of strings and integers cannot fail to marshal.
		tuple, _ := json.Marshal([]interface{}{b.BlockID(), b.Prev(), b.BlockDepth(), b.BlockTimestamp()})
		h.Write(tuple)
	}
	return hex.EncodeToString(h.Sum(nil))
}
