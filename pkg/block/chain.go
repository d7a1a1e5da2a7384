package block

import (
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/chameleon"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/merkle"
)

// Chain is an ordered, depth-indexed sequence of Blocks with genesis at
// depth 0. Invariant: for i>0, chain[i].PrevID == chain[i-1].ID.
type Chain struct {
	Blocks []*Block
}

// NewGenesis constructs and seals the immutable genesis block. Genesis is
// never redactable; its transaction list is typically empty.
func NewGenesis(pk *chameleon.PublicKey, miner string, timestamp uint64, txs []Transaction) (*Block, chameleon.Randomness, error) {
	b := &Block{
		Depth:     0,
		PrevID:    "0",
		Timestamp: timestamp,
		Miner:     miner,
		Txs:       txs,
		Type:      TypeGenesis,
	}
	if _, err := b.RecomputeMerkleRoot(); err != nil {
		return nil, chameleon.Randomness{}, err
	}
	r, err := chameleon.NewRandomness()
	if err != nil {
		return nil, chameleon.Randomness{}, err
	}
	if err := b.Seal(pk, r); err != nil {
		return nil, chameleon.Randomness{}, err
	}
	return b, r, nil
}

// linkedBlocks projects Chain.Blocks into merkle.LinkedBlock for VerifyChain
// / ChainChecksum without exposing *Block's full surface to pkg/merkle.
func (c *Chain) linkedBlocks() []merkle.LinkedBlock {
	out := make([]merkle.LinkedBlock, len(c.Blocks))
	for i, b := range c.Blocks {
		out[i] = b
	}
	return out
}

// VerifyChain checks hash-chain continuity across the whole chain.
func (c *Chain) VerifyChain() (ok bool, reason string) {
	return merkle.VerifyChain(c.linkedBlocks())
}

// ChainChecksum is the cheap witness used by the consistency engine's
// HASH_CHAIN check.
func (c *Chain) ChainChecksum() string {
	return merkle.ChainChecksum(c.linkedBlocks())
}

// Append validates linkage against the current tip before adding b.
func (c *Chain) Append(b *Block) error {
	if len(c.Blocks) > 0 {
		tip := c.Blocks[len(c.Blocks)-1]
		if b.PrevID != tip.ID {
			return errs.New(errs.ConsistencyViolation, "block: prev_id %s does not match tip id %s", b.PrevID, tip.ID)
		}
		if b.Depth != tip.Depth+1 {
			return errs.New(errs.ConsistencyViolation, "block: depth %d does not follow tip depth %d", b.Depth, tip.Depth)
		}
	} else if b.Depth != 0 {
		return errs.New(errs.InvalidInput, "block: first block in chain must be genesis at depth 0")
	}
	c.Blocks = append(c.Blocks, b)
	return nil
}

// BlockAt returns the block at depth, or nil if out of range.
func (c *Chain) BlockAt(depth uint64) *Block {
	if depth >= uint64(len(c.Blocks)) {
		return nil
	}
	return c.Blocks[depth]
}
