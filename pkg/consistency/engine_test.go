package consistency

import (
	"testing"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/chameleon"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
)

func mustBlock(t *testing.T, pk *chameleon.PublicKey, depth uint64, prev string, txs []block.Transaction) *block.Block {
	t.Helper()
	b := &block.Block{Depth: depth, PrevID: prev, Timestamp: 1000 + depth, Txs: txs}
	if _, err := b.RecomputeMerkleRoot(); err != nil {
		t.Fatalf("recompute merkle root: %v", err)
	}
	r, err := chameleon.NewRandomness()
	if err != nil {
		t.Fatalf("new randomness: %v", err)
	}
	if err := b.Seal(pk, r); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return b
}

func TestUnknownCheckTypeRejected(t *testing.T) {
	e := NewEngine()
	_, err := e.Generate(CheckType("NOT_A_CHECK"), ChainPair{}, Operation{}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown check_type")
	}
}

func TestHashChainCheck_Valid(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	b0 := mustBlock(t, pk, 0, "0", nil)
	b1 := mustBlock(t, pk, 1, b0.ID, []block.Transaction{{ID: "tx1", IsRedactable: true}})

	e := NewEngine()
	proof, err := e.Generate(CheckHashChain, ChainPair{Post: []*block.Block{b0, b1}}, Operation{}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.IsValid {
		t.Fatalf("expected a valid hash-chain proof, got error_detail=%q", proof.ErrorDetail)
	}
}

func TestHashChainCheck_DetectsBreak(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	b0 := mustBlock(t, pk, 0, "0", nil)
	b1 := mustBlock(t, pk, 1, "not-b0", nil)

	e := NewEngine()
	proof, err := e.Generate(CheckHashChain, ChainPair{Post: []*block.Block{b0, b1}}, Operation{}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if proof.IsValid {
		t.Fatal("expected the broken chain to be detected")
	}
}

func TestMerkleTreeCheck_Valid(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	b := mustBlock(t, pk, 0, "0", []block.Transaction{
		{ID: "tx1", IsRedactable: true},
		{ID: "tx2", IsRedactable: true},
	})

	e := NewEngine()
	proof, err := e.Generate(CheckMerkleTree, ChainPair{Post: []*block.Block{b}}, Operation{TargetBlock: 0}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.IsValid {
		t.Fatalf("expected a valid merkle proof, got error_detail=%q", proof.ErrorDetail)
	}
	if len(proof.MerkleProofPath) == 0 {
		t.Error("expected an example inclusion proof to be embedded")
	}
}

func TestMerkleTreeCheck_DetectsStaleRoot(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	b := mustBlock(t, pk, 0, "0", []block.Transaction{{ID: "tx1", IsRedactable: true}})
	b.Txs = append(b.Txs, block.Transaction{ID: "tx2", IsRedactable: true}) // root now stale

	e := NewEngine()
	proof, err := e.Generate(CheckMerkleTree, ChainPair{Post: []*block.Block{b}}, Operation{TargetBlock: 0}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if proof.IsValid {
		t.Fatal("expected a stale merkle_root to be detected")
	}
}

func TestContractStateCheck_RedactedFieldChanged(t *testing.T) {
	e := NewEngine()
	proof := &Proof{
		PreState:  map[string]interface{}{"ssn": "123-45-6789", "name": "Jane Doe"},
		PostState: map[string]interface{}{"ssn": "[REDACTED]", "name": "Jane Doe"},
	}
	e.checkContractState(proof, Operation{RedactedFields: []string{"ssn"}}, nil)
	if proof.ErrorDetail != "" {
		t.Fatalf("expected no violation, got %q", proof.ErrorDetail)
	}
}

func TestContractStateCheck_UndeclaredFieldChanged(t *testing.T) {
	e := NewEngine()
	proof := &Proof{
		PreState:  map[string]interface{}{"ssn": "123-45-6789", "name": "Jane Doe"},
		PostState: map[string]interface{}{"ssn": "[REDACTED]", "name": "John Doe"},
	}
	e.checkContractState(proof, Operation{RedactedFields: []string{"ssn"}}, nil)
	if proof.ErrorDetail == "" {
		t.Fatal("expected an undeclared field change to be flagged")
	}
}

func TestContractStateCheck_BalanceToleranceGuard(t *testing.T) {
	e := NewEngine()
	proof := &Proof{
		PreState: map[string]interface{}{
			"balances": map[string]interface{}{"alice": 100.0, "bob": 100.0},
		},
		PostState: map[string]interface{}{
			"balances": map[string]interface{}{"alice": 100.0, "bob": 50.0},
		},
	}
	pol := &policy.Policy{BalanceToleranceBps: 1000}
	e.checkContractState(proof, Operation{}, pol)
	if proof.ErrorDetail == "" {
		t.Fatal("expected a 25% balance drift to exceed a 10% tolerance")
	}
}

func TestGenerateContractStateRoundTrip(t *testing.T) {
	e := NewEngine()
	op := Operation{
		OpType:         "ANONYMIZE",
		RedactedFields: []string{"patient_name"},
		PreState:       map[string]interface{}{"patient_name": "Jane Doe", "physician": "Dr. Smith"},
		PostState:      map[string]interface{}{"patient_name": "[REDACTED]", "physician": "Dr. Smith"},
	}
	proof, err := e.Generate(CheckContractState, ChainPair{}, op, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.IsValid {
		t.Fatalf("expected a valid proof, got error: %s", proof.ErrorDetail)
	}

	ok, reason, err := e.Verify(proof, ChainPair{}, op, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected verify to succeed, got reason: %s", reason)
	}
}

func TestTxOrderingCheck_Delete(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pre := mustBlock(t, pk, 0, "0", []block.Transaction{
		{ID: "tx1"}, {ID: "tx2"}, {ID: "tx3"},
	})
	post := mustBlock(t, pk, 0, "0", []block.Transaction{
		{ID: "tx1"}, {ID: "tx3"},
	})

	e := NewEngine()
	proof, err := e.Generate(CheckTxOrdering, ChainPair{Pre: []*block.Block{pre}, Post: []*block.Block{post}}, Operation{OpType: "DELETE", TargetBlock: 0, TargetIndex: 1}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.IsValid {
		t.Fatalf("expected a valid tx-ordering proof, got error_detail=%q", proof.ErrorDetail)
	}
}

func TestTxOrderingCheck_DetectsReorder(t *testing.T) {
	pk, _, err := chameleon.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pre := mustBlock(t, pk, 0, "0", []block.Transaction{{ID: "tx1"}, {ID: "tx2"}, {ID: "tx3"}})
	post := mustBlock(t, pk, 0, "0", []block.Transaction{{ID: "tx3"}, {ID: "tx1"}})

	e := NewEngine()
	proof, err := e.Generate(CheckTxOrdering, ChainPair{Pre: []*block.Block{pre}, Post: []*block.Block{post}}, Operation{OpType: "MODIFY", TargetBlock: 0}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if proof.IsValid {
		t.Fatal("expected the reordering to be detected")
	}
}
