// Package block defines the Chain/Block/Transaction model whose identifiers
// are computed and redacted via pkg/chameleon, and whose integrity is
// checked via pkg/merkle.
package block

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/chameleon"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/merkle"
)

// Transaction is a single ledger entry inside a Block. A Transaction with
// IsRedactable=false freezes its containing Block: no redaction may target
// that block.
type Transaction struct {
	ID           string `json:"id"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Value        int64  `json:"value"`
	PayloadRef   string `json:"payload_ref"`
	IsRedactable bool   `json:"is_redactable"`
	Nonce        uint64 `json:"nonce"`
	Timestamp    uint64 `json:"timestamp"`
}

// LeafBytes returns the canonical bytes hashed into a Merkle leaf for this
// transaction.
func (tx Transaction) LeafBytes() ([]byte, error) {
	return CanonicalJSON(tx)
}

// BlockType distinguishes the immutable genesis block from ordinary blocks.
type BlockType string

const (
	TypeGenesis BlockType = "GENESIS"
	TypeNormal  BlockType = "NORMAL"
)

// Block is a chameleon-hash-sealed container of an ordered transaction
// sequence. Its Randomness (R) is the CH opening; redaction replaces R
// (via chameleon.Forge) while leaving ID unchanged.
type Block struct {
	Depth      uint64        `json:"depth"`
	PrevID     string        `json:"prev_id"`
	Timestamp  uint64        `json:"timestamp"`
	Miner      string        `json:"miner"`
	Txs        []Transaction `json:"txs"`
	Size       uint32        `json:"size"`
	MerkleRoot string        `json:"merkle_root"`
	R          []byte        `json:"r"`
	ID         string        `json:"id"`
	Type       BlockType     `json:"block_type"`
}

// canonicalMessage is the hashed preimage struct for CH(pk, canonical_message(block), r):
// H(tx_ids, prev_id, depth, timestamp).
type canonicalMessage struct {
	TxIDs     []string `json:"tx_ids"`
	PrevID    string   `json:"prev_id"`
	Depth     uint64   `json:"depth"`
	Timestamp uint64   `json:"timestamp"`
}

// CanonicalJSON marshals v to JSON with recursively sorted object keys, so
// repeated marshaling of logically identical values is byte-identical.
// Used for Merkle leaves, the chameleon-hash preimage, and consistency
// proof state hashes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(generic))
}

// sortKeys recursively rebuilds maps and slices into plain
// map[string]interface{} and []interface{} values. Byte-identical output
// for the same logical value comes from encoding/json, which writes map
// keys in sorted order.
func sortKeys(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = sortKeys(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return vv
	}
}

// CanonicalMessage builds the exact byte sequence that chameleon.Seal/Forge
// hash for this block: H(tx_ids, prev_id, depth, timestamp).
func (b *Block) CanonicalMessage() ([]byte, error) {
	txIDs := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		txIDs[i] = tx.ID
	}
	return CanonicalJSON(canonicalMessage{
		TxIDs:     txIDs,
		PrevID:    b.PrevID,
		Depth:     b.Depth,
		Timestamp: b.Timestamp,
	})
}

// RecomputeMerkleRoot derives the Merkle root over the current Txs and
// updates b.MerkleRoot in place. Returns the hex root.
func (b *Block) RecomputeMerkleRoot() (string, error) {
	if len(b.Txs) == 0 {
		b.MerkleRoot = merkle.EmptyRootHex
		return b.MerkleRoot, nil
	}
	leaves := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		lb, err := tx.LeafBytes()
		if err != nil {
			return "", errs.Wrap(errs.InvalidInput, err, "block: encode tx %d leaf bytes", i)
		}
		leaves[i] = merkle.HashLeaf(lb)
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, err, "block: compute merkle root")
	}
	hexRoot := hex.EncodeToString(root)
	b.MerkleRoot = hexRoot
	return hexRoot, nil
}

// Seal computes and sets b.ID = CH(pk, canonical(b), r), storing r in b.R.
func (b *Block) Seal(pk *chameleon.PublicKey, r chameleon.Randomness) error {
	msg, err := b.CanonicalMessage()
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "block: canonical message")
	}
	b.ID = chameleon.Seal(pk, msg, r)
	b.R = r.Bytes()
	return nil
}

// VerifyID recomputes CH(pk, canonical(b), b.R) and checks it matches b.ID —
// the invariant that must hold after every mutation.
func (b *Block) VerifyID(pk *chameleon.PublicKey) (bool, error) {
	msg, err := b.CanonicalMessage()
	if err != nil {
		return false, errs.Wrap(errs.InvalidInput, err, "block: canonical message")
	}
	r := chameleon.RandomnessFromBytes(b.R)
	return chameleon.VerifySeal(pk, msg, r, b.ID), nil
}

// IsFrozen reports whether the block is a genesis block or contains any
// non-redactable transaction; either freezes it at the block level.
func (b *Block) IsFrozen() bool {
	if b.Type == TypeGenesis {
		return true
	}
	for _, tx := range b.Txs {
		if !tx.IsRedactable {
			return true
		}
	}
	return false
}

// BlockID, Prev, BlockDepth, BlockTimestamp satisfy merkle.LinkedBlock so a
// Chain can be handed directly to merkle.VerifyChain/ChainChecksum.
func (b *Block) BlockID() string        { return b.ID }
func (b *Block) Prev() string           { return b.PrevID }
func (b *Block) BlockDepth() uint64     { return b.Depth }
func (b *Block) BlockTimestamp() uint64 { return b.Timestamp }

