package consistency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/merkle"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
)

// Engine produces and verifies ConsistencyProofs. It holds no mutable
// state; every method is a pure function of its arguments plus the fixed
// BalanceToleranceBps default used when a policy does not specify one.
type Engine struct{}

// NewEngine returns a stateless consistency engine.
func NewEngine() *Engine {
	return &Engine{}
}

func stateHash(v interface{}) (string, error) {
	canon, err := block.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// Generate dispatches on checkType, runs the
// relevant invariant, and packages a self-contained Proof. On any
// violation it returns a Proof with IsValid=false and a human-readable
// ErrorDetail rather than an error — a failed consistency check is an
// expected outcome, not a transport failure.
func (e *Engine) Generate(checkType CheckType, chains ChainPair, op Operation, pol *policy.Policy) (*Proof, error) {
	if !checkType.valid() {
		return nil, errs.New(errs.ConsistencyViolation, "consistency: unknown check_type %q", checkType)
	}

	proof := &Proof{
		ProofID:   uuid.NewString(),
		CheckType: checkType,
		BlockRange: BlockRange{
			StartDepth: op.TargetBlock,
			EndDepth:   op.TargetBlock,
		},
	}

	preHash, err := chainStateHash(chains.Pre)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "consistency: hash pre-state")
	}
	postHash, err := chainStateHash(chains.Post)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "consistency: hash post-state")
	}
	proof.PreStateHash = preHash
	proof.PostStateHash = postHash

	if len(chains.Post) > 0 {
		linked := make([]merkle.LinkedBlock, len(chains.Post))
		for i, b := range chains.Post {
			linked[i] = b
		}
		proof.HashChainChecksum = merkle.ChainChecksum(linked)
	}

	switch checkType {
	case CheckBlockIntegrity:
		e.checkBlockIntegrity(proof, chains, op)
	case CheckHashChain:
		e.checkHashChain(proof, chains.Post)
	case CheckMerkleTree:
		e.checkMerkleTree(proof, chains.Post, op)
	case CheckContractState:
		proof.PreState, proof.PostState = op.PreState, op.PostState
		e.checkContractState(proof, op, pol)
	case CheckTxOrdering:
		e.checkTxOrdering(proof, chains, op)
	}

	if proof.ErrorDetail == "" {
		proof.IsValid = true
	}
	return proof, nil
}

func chainStateHash(chain []*block.Block) (string, error) {
	type blockView struct {
		ID         string   `json:"id"`
		PrevID     string   `json:"prev_id"`
		Depth      uint64   `json:"depth"`
		Timestamp  uint64   `json:"timestamp"`
		MerkleRoot string   `json:"merkle_root"`
		TxHashes   []string `json:"tx_hashes"`
	}
	views := make([]blockView, len(chain))
	for i, b := range chain {
		txHashes := make([]string, len(b.Txs))
		for j, tx := range b.Txs {
			leaf, err := tx.LeafBytes()
			if err != nil {
				return "", err
			}
			txHashes[j] = merkle.HashLeafHex(leaf)
		}
		views[i] = blockView{
			ID:         b.ID,
			PrevID:     b.PrevID,
			Depth:      b.Depth,
			Timestamp:  b.Timestamp,
			MerkleRoot: b.MerkleRoot,
			TxHashes:   txHashes,
		}
	}
	return stateHash(views)
}

// checkBlockIntegrity asserts len(pre)==len(post) and that every block
// other than op.TargetBlock is byte-identical in its integrity-relevant
// fields across pre/post.
func (e *Engine) checkBlockIntegrity(proof *Proof, chains ChainPair, op Operation) {
	if len(chains.Pre) != len(chains.Post) {
		proof.ErrorDetail = fmt.Sprintf("block count changed: pre=%d post=%d", len(chains.Pre), len(chains.Post))
		return
	}
	for i := range chains.Pre {
		if uint64(i) == op.TargetBlock {
			continue
		}
		pre, post := chains.Pre[i], chains.Post[i]
		preHash, err := blockIntegrityHash(pre)
		if err != nil {
			proof.ErrorDetail = fmt.Sprintf("hash block %d (pre): %v", i, err)
			return
		}
		postHash, err := blockIntegrityHash(post)
		if err != nil {
			proof.ErrorDetail = fmt.Sprintf("hash block %d (post): %v", i, err)
			return
		}
		if preHash != postHash {
			proof.ErrorDetail = fmt.Sprintf("block %d changed outside the declared target_block %d", i, op.TargetBlock)
			return
		}
	}
}

func blockIntegrityHash(b *block.Block) (string, error) {
	txHashes := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		leaf, err := tx.LeafBytes()
		if err != nil {
			return "", err
		}
		txHashes[i] = merkle.HashLeafHex(leaf)
	}
	return stateHash(struct {
		Depth     uint64   `json:"depth"`
		Prev      string   `json:"prev"`
		Timestamp uint64   `json:"timestamp"`
		TxHashes  []string `json:"tx_hashes"`
	}{b.Depth, b.PrevID, b.Timestamp, txHashes})
}

// checkHashChain asserts linear continuity of the post chain.
func (e *Engine) checkHashChain(proof *Proof, post []*block.Block) {
	if len(post) == 0 {
		return
	}
	if post[0].Depth != 0 || (post[0].PrevID != "0" && post[0].PrevID != "") {
		proof.ErrorDetail = "genesis must have depth=0 and prev=\"0\" or \"\""
		return
	}
	linked := make([]merkle.LinkedBlock, len(post))
	for i, b := range post {
		linked[i] = b
	}
	if ok, reason := merkle.VerifyChain(linked); !ok {
		proof.ErrorDetail = reason
	}
}

// checkMerkleTree asserts merkle_root(post[target].txs) matches the
// block's stored root, and that an example inclusion proof (leaf 0)
// re-verifies.
func (e *Engine) checkMerkleTree(proof *Proof, post []*block.Block, op Operation) {
	if op.TargetBlock >= uint64(len(post)) {
		proof.ErrorDetail = fmt.Sprintf("target_block %d out of range [0, %d)", op.TargetBlock, len(post))
		return
	}
	target := post[op.TargetBlock]

	if len(target.Txs) == 0 {
		if target.MerkleRoot != merkle.EmptyRootHex {
			proof.ErrorDetail = fmt.Sprintf("empty tx list must have merkle_root=%s (SHA-256(\"\")), got %s", merkle.EmptyRootHex, target.MerkleRoot)
		}
		return
	}

	leaves := make([][]byte, len(target.Txs))
	for i, tx := range target.Txs {
		leaf, err := tx.LeafBytes()
		if err != nil {
			proof.ErrorDetail = fmt.Sprintf("encode tx %d: %v", i, err)
			return
		}
		leaves[i] = merkle.HashLeaf(leaf)
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		proof.ErrorDetail = fmt.Sprintf("build merkle tree: %v", err)
		return
	}
	if tree.RootHex() != target.MerkleRoot {
		proof.ErrorDetail = fmt.Sprintf("merkle root mismatch: computed=%s stored=%s", tree.RootHex(), target.MerkleRoot)
		return
	}

	incProof, err := tree.GenerateProof(0)
	if err != nil {
		proof.ErrorDetail = fmt.Sprintf("generate inclusion proof: %v", err)
		return
	}
	ok, err := merkle.VerifyProof(leaves[0], incProof, tree.Root())
	if err != nil || !ok {
		proof.ErrorDetail = fmt.Sprintf("example inclusion proof for leaf 0 failed to re-verify: %v", err)
		return
	}
	encoded, err := incProof.ToJSON()
	if err == nil {
		proof.MerkleProofPath = encoded
	}
}

// checkContractState asserts the CONTRACT_STATE invariants over embedded
// pre/post maps carried in the Proof's witness.
func (e *Engine) checkContractState(proof *Proof, op Operation, pol *policy.Policy) {
	pre, post := proof.PreState, proof.PostState
	if pre == nil || post == nil {
		proof.ErrorDetail = "contract_state check requires embedded pre_state and post_state"
		return
	}

	redacted := make(map[string]struct{}, len(op.RedactedFields))
	for _, f := range op.RedactedFields {
		redacted[f] = struct{}{}
	}

	for field := range redacted {
		if valuesEqual(pre[field], post[field]) {
			proof.ErrorDetail = fmt.Sprintf("field %q was declared redacted but is unchanged", field)
			return
		}
	}
	for field, preVal := range pre {
		if _, isRedacted := redacted[field]; isRedacted {
			continue
		}
		if !valuesEqual(preVal, post[field]) {
			proof.ErrorDetail = fmt.Sprintf("field %q changed without being declared in redacted_fields", field)
			return
		}
	}

	if bps, ok := checkBalanceTolerance(pre, post, toleranceBps(pol)); !ok {
		proof.ErrorDetail = fmt.Sprintf("aggregate balances drifted by more than %d bps", bps)
		return
	}

	preLog, preOK := pre["event_log"].([]interface{})
	postLog, postOK := post["event_log"].([]interface{})
	if preOK && postOK && len(postLog) > len(preLog) {
		proof.ErrorDetail = "event_log length may only decrease or stay equal"
		return
	}
}

func toleranceBps(pol *policy.Policy) uint32 {
	if pol == nil || pol.BalanceToleranceBps == 0 {
		return policy.DefaultBalanceToleranceBps
	}
	return pol.BalanceToleranceBps
}

// checkBalanceTolerance compares pre["balances"] / post["balances"] sums,
// if present, returning (0, true) when there is nothing to compare.
func checkBalanceTolerance(pre, post map[string]interface{}, toleranceBps uint32) (uint32, bool) {
	preBalances, ok := pre["balances"].(map[string]interface{})
	if !ok {
		return 0, true
	}
	postBalances, ok := post["balances"].(map[string]interface{})
	if !ok {
		return 0, true
	}

	sumPre := sumNumeric(preBalances)
	sumPost := sumNumeric(postBalances)
	if sumPre == 0 {
		return 0, sumPost == 0
	}

	drift := math.Abs(sumPost-sumPre) / math.Abs(sumPre)
	allowed := float64(toleranceBps) / 10000.0
	if drift > allowed {
		return uint32(drift * 10000), false
	}
	return 0, true
}

func sumNumeric(m map[string]interface{}) float64 {
	var sum float64
	for _, v := range m {
		switch n := v.(type) {
		case float64:
			sum += n
		case int:
			sum += float64(n)
		case int64:
			sum += float64(n)
		}
	}
	return sum
}

func valuesEqual(a, b interface{}) bool {
	ca, errA := block.CanonicalJSON(a)
	cb, errB := block.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}

// checkTxOrdering asserts that non-redacted tx identifiers in the target
// block retain relative order, and that a DELETE's post sequence equals
// pre with the target index removed.
func (e *Engine) checkTxOrdering(proof *Proof, chains ChainPair, op Operation) {
	if op.TargetBlock >= uint64(len(chains.Pre)) || op.TargetBlock >= uint64(len(chains.Post)) {
		proof.ErrorDetail = fmt.Sprintf("target_block %d out of range", op.TargetBlock)
		return
	}
	preTxs := chains.Pre[op.TargetBlock].Txs
	postTxs := chains.Post[op.TargetBlock].Txs

	if op.OpType == "DELETE" {
		if op.TargetIndex < 0 || op.TargetIndex >= len(preTxs) {
			proof.ErrorDetail = fmt.Sprintf("target_index %d out of range for DELETE", op.TargetIndex)
			return
		}
		expected := make([]string, 0, len(preTxs)-1)
		for i, tx := range preTxs {
			if i == op.TargetIndex {
				continue
			}
			expected = append(expected, tx.ID)
		}
		got := make([]string, len(postTxs))
		for i, tx := range postTxs {
			got[i] = tx.ID
		}
		if !stringSliceEqual(expected, got) {
			proof.ErrorDetail = "post tx sequence does not equal pre with the target index removed"
		}
		return
	}

	// MODIFY/ANONYMIZE: relative order of all (still-present) tx ids must
	// be preserved.
	postIndex := make(map[string]int, len(postTxs))
	for i, tx := range postTxs {
		postIndex[tx.ID] = i
	}
	last := -1
	for _, tx := range preTxs {
		idx, ok := postIndex[tx.ID]
		if !ok {
			continue
		}
		if idx <= last {
			proof.ErrorDetail = fmt.Sprintf("tx %s violates relative ordering", tx.ID)
			return
		}
		last = idx
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Verify re-derives the chain checksum from chains.Post and re-executes the
// type-specific check. The proof does not embed the chain itself, so for
// BLOCK_INTEGRITY, HASH_CHAIN, MERKLE_TREE and TX_ORDERING the caller must
// supply the same chains used at generation time; CONTRACT_STATE uses only
// the proof's embedded maps.
func (e *Engine) Verify(proof *Proof, chains ChainPair, op Operation, pol *policy.Policy) (bool, string, error) {
	if proof == nil {
		return false, "", errs.New(errs.InvalidInput, "consistency: nil proof")
	}
	if !proof.CheckType.valid() {
		return false, "", errs.New(errs.ConsistencyViolation, "consistency: unknown check_type %q", proof.CheckType)
	}

	fresh, err := e.Generate(proof.CheckType, chains, op, pol)
	if err != nil {
		return false, "", err
	}
	// CONTRACT_STATE carries its own witness in the proof, not in chains.
	if proof.CheckType == CheckContractState {
		fresh.PreState, fresh.PostState = proof.PreState, proof.PostState
		e.checkContractState(fresh, op, pol)
		if fresh.ErrorDetail != "" {
			return false, fresh.ErrorDetail, nil
		}
		return true, "", nil
	}

	if len(chains.Post) > 0 && fresh.HashChainChecksum != proof.HashChainChecksum {
		return false, "hash_chain_checksum does not match re-derived checksum", nil
	}
	if !fresh.IsValid {
		return false, fresh.ErrorDetail, nil
	}
	return true, "", nil
}
