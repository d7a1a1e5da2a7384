package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestBuildTree_SingleLeaf(t *testing.T) {
	leaf := sha256.Sum256([]byte("test data"))
	tree, err := BuildTree([][]byte{leaf[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	if !bytes.Equal(tree.Root(), leaf[:]) {
		t.Errorf("single leaf root mismatch: got %x, want %x", tree.Root(), leaf[:])
	}
	if tree.LeafCount() != 1 {
		t.Errorf("leaf count mismatch: got %d, want 1", tree.LeafCount())
	}
}

func TestBuildTree_TwoLeaves(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("leaf 1"))
	leaf2 := sha256.Sum256([]byte("leaf 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	combined := make([]byte, 64)
	copy(combined[:32], leaf1[:])
	copy(combined[32:], leaf2[:])
	expectedRoot := sha256.Sum256(combined)

	if !bytes.Equal(tree.Root(), expectedRoot[:]) {
		t.Errorf("two leaf root mismatch: got %x, want %x", tree.Root(), expectedRoot[:])
	}
}

func TestBuildTree_OddLeaves(t *testing.T) {
	leaves := make([][]byte, 3)
	for i := 0; i < 3; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree with odd leaves: %v", err)
	}
	if tree.LeafCount() != 3 {
		t.Errorf("leaf count mismatch: got %d, want 3", tree.LeafCount())
	}
	if tree.Root() == nil {
		t.Error("root is nil for odd-leaf tree")
	}

	// Odd-level duplication: the last leaf combines with itself.
	pairedLast := hashPair(leaves[2], leaves[2])
	expectedRoot := hashPair(hashPair(leaves[0], leaves[1]), pairedLast)
	if !bytes.Equal(tree.Root(), expectedRoot) {
		t.Errorf("odd-leaf duplication mismatch: got %x, want %x", tree.Root(), expectedRoot)
	}
}

func TestGenerateProof_TwoLeaves(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("leaf 1"))
	leaf2 := sha256.Sum256([]byte("leaf 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	proof0, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("failed to generate proof for leaf 0: %v", err)
	}
	if len(proof0.Path) != 1 || proof0.Path[0].Position != Right {
		t.Errorf("unexpected proof0 shape: %+v", proof0)
	}
	valid, err := VerifyProof(leaf1[:], proof0, tree.Root())
	if err != nil || !valid {
		t.Fatalf("proof0 did not verify: valid=%v err=%v", valid, err)
	}

	proof1, err := tree.GenerateProof(1)
	if err != nil {
		t.Fatalf("failed to generate proof for leaf 1: %v", err)
	}
	if proof1.Path[0].Position != Left {
		t.Errorf("sibling position mismatch: got %s, want left", proof1.Path[0].Position)
	}
	valid, err = VerifyProof(leaf2[:], proof1, tree.Root())
	if err != nil || !valid {
		t.Fatalf("proof1 did not verify: valid=%v err=%v", valid, err)
	}
}

func TestGenerateProof_LargeTree(t *testing.T) {
	leaves := make([][]byte, 97)
	for i := range leaves {
		hash := sha256.Sum256([]byte{byte(i), byte(i >> 8)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	for _, i := range []int{0, 1, 48, 49, 96} {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("failed to generate proof for leaf %d: %v", i, err)
		}
		valid, err := VerifyProof(leaves[i], proof, tree.Root())
		if err != nil || !valid {
			t.Errorf("leaf %d: proof did not verify: valid=%v err=%v", i, valid, err)
		}
	}
}

func TestVerifyProof_RejectsTamperedInputs(t *testing.T) {
	leaf1 := sha256.Sum256([]byte("leaf 1"))
	leaf2 := sha256.Sum256([]byte("leaf 2"))

	tree, err := BuildTree([][]byte{leaf1[:], leaf2[:]})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}
	proof, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("failed to generate proof: %v", err)
	}

	wrongLeaf := sha256.Sum256([]byte("wrong leaf"))
	if valid, _ := VerifyProof(wrongLeaf[:], proof, tree.Root()); valid {
		t.Error("proof should not verify against the wrong leaf")
	}

	wrongRoot := sha256.Sum256([]byte("wrong root"))
	if valid, _ := VerifyProof(leaf1[:], proof, wrongRoot[:]); valid {
		t.Error("proof should not verify against the wrong root")
	}
}

func TestProofSerializationRoundTrip(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := range leaves {
		hash := sha256.Sum256([]byte{byte(i)})
		leaves[i] = hash[:]
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}
	proof, err := tree.GenerateProof(2)
	if err != nil {
		t.Fatalf("failed to generate proof: %v", err)
	}

	data, err := proof.ToJSON()
	if err != nil {
		t.Fatalf("failed to serialize proof: %v", err)
	}
	restored, err := ProofFromJSON(data)
	if err != nil {
		t.Fatalf("failed to deserialize proof: %v", err)
	}

	leafHash, _ := hex.DecodeString(restored.LeafHash)
	rootHash, _ := hex.DecodeString(restored.MerkleRoot)
	valid, err := VerifyProof(leafHash, restored, rootHash)
	if err != nil || !valid {
		t.Fatalf("restored proof did not verify: valid=%v err=%v", valid, err)
	}
}

func TestBuildTree_EmptyAndInvalidLeaves(t *testing.T) {
	if _, err := BuildTree([][]byte{}); err != ErrEmptyTree {
		t.Errorf("expected ErrEmptyTree, got %v", err)
	}
	if _, err := BuildTree([][]byte{[]byte("not 32 bytes")}); err == nil {
		t.Error("expected error for invalid leaf hash")
	}
}

func TestRoot_EmptyLeavesYieldsSha256OfEmptyString(t *testing.T) {
	root, err := Root(nil)
	if err != nil {
		t.Fatalf("Root(nil): %v", err)
	}
	want := sha256.Sum256(nil)
	if !bytes.Equal(root, want[:]) {
		t.Errorf("expected empty root to equal SHA-256(\"\"), got %x want %x", root, want)
	}
	if hex.EncodeToString(root) != EmptyRootHex {
		t.Errorf("EmptyRootHex does not match Root(nil): %s vs %s", EmptyRootHex, hex.EncodeToString(root))
	}
}

func TestHashLeafIsDeterministic(t *testing.T) {
	data := []byte("canonical transaction bytes")
	if !bytes.Equal(HashLeaf(data), HashLeaf(data)) {
		t.Error("HashLeaf is not deterministic")
	}
	if len(HashLeaf(data)) != 32 {
		t.Errorf("HashLeaf length mismatch: got %d, want 32", len(HashLeaf(data)))
	}
}
