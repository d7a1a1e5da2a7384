// Package consistency implements the Consistency Proof Engine: it produces
// and verifies proofs that a declared redaction operation transforms a
// pre-state into a post-state under the invariant for its check_type.
package consistency

import (
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
)

// CheckType selects which invariant a ConsistencyProof enforces.
type CheckType string

const (
	CheckBlockIntegrity CheckType = "BLOCK_INTEGRITY"
	CheckHashChain       CheckType = "HASH_CHAIN"
	CheckMerkleTree      CheckType = "MERKLE_TREE"
	CheckContractState   CheckType = "CONTRACT_STATE"
	CheckTxOrdering      CheckType = "TX_ORDERING"
)

func (c CheckType) valid() bool {
	switch c {
	case CheckBlockIntegrity, CheckHashChain, CheckMerkleTree, CheckContractState, CheckTxOrdering:
		return true
	}
	return false
}

// BlockRange identifies the span of block depths a proof covers.
type BlockRange struct {
	StartDepth uint64 `json:"start_depth"`
	EndDepth   uint64 `json:"end_depth"`
}

// Proof is a ConsistencyProof: the witness package a verifier can
// independently re-check without re-running the original operation.
type Proof struct {
	ProofID            string     `json:"proof_id"`
	CheckType          CheckType  `json:"check_type"`
	BlockRange         BlockRange `json:"block_range"`
	PreStateHash       string     `json:"pre_state_hash"`
	PostStateHash      string     `json:"post_state_hash"`
	MerkleProofPath    []byte     `json:"merkle_proof_path,omitempty"` // JSON-encoded merkle.InclusionProof
	HashChainChecksum  string     `json:"hash_chain_checksum"`
	IsValid            bool       `json:"is_valid"`
	ErrorDetail        string     `json:"error_detail,omitempty"`

	// Witness embedded so CONTRACT_STATE can be re-verified without access
	// to the live contract store.
	PreState  map[string]interface{} `json:"pre_state,omitempty"`
	PostState map[string]interface{} `json:"post_state,omitempty"`
}

// Operation describes the declared redaction being proved consistent.
type Operation struct {
	OpType         string   `json:"op_type"`
	TargetBlock    uint64   `json:"target_block"`
	TargetIndex    int      `json:"target_index"` // tx index within TargetBlock, for TX_ORDERING/MODIFY/DELETE
	RedactedFields []string `json:"redacted_fields"`

	// PreState/PostState carry the CONTRACT_STATE witness; unused by the
	// other check types.
	PreState  map[string]interface{} `json:"pre_state,omitempty"`
	PostState map[string]interface{} `json:"post_state,omitempty"`
}

// ChainPair bundles the pre- and post-redaction chain views a check
// compares. Most checks only need Post; BLOCK_INTEGRITY and TX_ORDERING
// need both.
type ChainPair struct {
	Pre  []*block.Block
	Post []*block.Block
}
