// Package zkproof defines the public-input schema for the redaction
// core's zero-knowledge statement and the ProofBackend interface that
// produces/verifies proofs against it. The SNARK proving system itself
// (circuit compilation, trusted setup, witness generation) is treated as
// an opaque external collaborator; this package only fixes what the
// circuit's public inputs mean and how a nullifier is derived from them.
package zkproof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

// PublicSignals are the circuit's public inputs, binding a redaction's
// declared operation and before/after state hashes into the proof without
// revealing the underlying record contents (those are private witness).
type PublicSignals struct {
	OpType                string `json:"op_type"`
	PolicyHash            string `json:"policy_hash"`
	MerkleRoot            string `json:"merkle_root"`
	OriginalHash          string `json:"original_hash"`
	RedactedHash          string `json:"redacted_hash"`
	PreStateHash          string `json:"pre_state_hash"`
	PostStateHash         string `json:"post_state_hash"`
	ConsistencyCheckPassed bool  `json:"consistency_check_passed"`
	PolicyAllowed          bool  `json:"policy_allowed"`
}

// Witness is the private data a prover holds but never reveals; the core
// never serializes or persists this type.
type Witness struct {
	OriginalData map[string]interface{}
	RedactedData map[string]interface{}
	PolicyData   map[string]interface{}
}

// Proof is a ZKProof: a verifiable claim, over PublicSignals, produced by
// a ProofBackend. ProofBlob's structure is backend-specific and opaque to
// this package.
type Proof struct {
	ProofID       string        `json:"proof_id"`
	OpType        string        `json:"op_type"`
	Commitment    string        `json:"commitment"`
	Nullifier     string        `json:"nullifier"`
	MerkleRoot    string        `json:"merkle_root"`
	Timestamp     uint64        `json:"timestamp"`
	ProofBlob     []byte        `json:"proof_blob"`
	PublicSignals PublicSignals `json:"public_signals"`
}

// Limbs splits a 32-byte hash into two 128-bit big-endian halves, each
// reduced into BN254's scalar field. Fr's modulus is ~254 bits, two bits
// short of holding an arbitrary 256-bit hash directly, so a circuit that
// takes a SHA-256 digest as public input takes it as two field elements
// rather than risking silent modular wraparound on the rare
// above-modulus digest.
type Limbs struct {
	High fr.Element
	Low  fr.Element
}

// SplitHashToLimbs decodes a hex-encoded 32-byte hash into Limbs.
func SplitHashToLimbs(hexHash string) (Limbs, error) {
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return Limbs{}, errs.Wrap(errs.InvalidInput, err, "zkproof: decode hash hex")
	}
	if len(raw) != 32 {
		return Limbs{}, errs.New(errs.InvalidInput, "zkproof: hash must be 32 bytes, got %d", len(raw))
	}
	var limbs Limbs
	limbs.High.SetBytes(raw[:16])
	limbs.Low.SetBytes(raw[16:])
	return limbs, nil
}

// canonicalSignalBytes encodes signals deterministically for hashing into
// a nullifier (block.CanonicalJSON sorts object keys, making this stable
// regardless of struct field iteration order).
func canonicalSignalBytes(signals PublicSignals) ([]byte, error) {
	return block.CanonicalJSON(signals)
}

// DeriveNullifier computes the deterministic nullifier bound to signals.
// Two ZKProofs over identical public signals always produce the same
// nullifier, which is what lets the Ledger Backend reject replays.
func DeriveNullifier(signals PublicSignals) (string, error) {
	canon, err := canonicalSignalBytes(signals)
	if err != nil {
		return "", errs.Wrap(errs.InvalidInput, err, "zkproof: canonicalize public signals")
	}
	h := sha256.Sum256(append([]byte("medchain-redact/nullifier-v1:"), canon...))
	return hex.EncodeToString(h[:]), nil
}

// Backend produces and verifies proofs for the fixed circuit binding
// described by PublicSignals. Implementations are opaque external
// collaborators: Simulated (in-process, for tests/devnet) and any real
// SNARK-backed implementation satisfy the same interface.
type Backend interface {
	// Prove produces a Proof over signals, consuming witness as private
	// input. witness is never embedded in the returned Proof.
	Prove(signals PublicSignals, witness Witness) (*Proof, error)
	// Verify checks proof.ProofBlob against proof.PublicSignals, without
	// access to witness.
	Verify(proof *Proof) (bool, error)
}

// Simulated is a ProofBackend whose proofs are SHA-256 placeholders over
// the public signals rather than SNARKs: Prove always succeeds, and Verify
// accepts only the blob Prove would produce for the same signals.
// cmd/medchaind uses it as its proof backend, as does the in-process test
// harness.
type Simulated struct{}

// NewSimulated returns a Simulated proof backend.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Prove builds a Proof whose ProofBlob is a deterministic placeholder
// (the SHA-256 of the canonical public signals) rather than a real
// Groth16 proof, and derives the nullifier from signals.
func (s *Simulated) Prove(signals PublicSignals, witness Witness) (*Proof, error) {
	canon, err := canonicalSignalBytes(signals)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "zkproof: canonicalize public signals")
	}
	blobHash := sha256.Sum256(append([]byte("medchain-redact/simulated-proof-v1:"), canon...))

	nullifier, err := DeriveNullifier(signals)
	if err != nil {
		return nil, err
	}

	commitHash := sha256.Sum256(canon)

	return &Proof{
		ProofID:       hex.EncodeToString(blobHash[:8]),
		OpType:        signals.OpType,
		Commitment:    hex.EncodeToString(commitHash[:]),
		Nullifier:     nullifier,
		MerkleRoot:    signals.MerkleRoot,
		ProofBlob:     blobHash[:],
		PublicSignals: signals,
	}, nil
}

// Verify recomputes the placeholder blob from proof.PublicSignals and
// compares it to proof.ProofBlob.
func (s *Simulated) Verify(proof *Proof) (bool, error) {
	if proof == nil {
		return false, errs.New(errs.InvalidInput, "zkproof: nil proof")
	}
	canon, err := canonicalSignalBytes(proof.PublicSignals)
	if err != nil {
		return false, errs.Wrap(errs.InvalidInput, err, "zkproof: canonicalize public signals")
	}
	expected := sha256.Sum256(append([]byte("medchain-redact/simulated-proof-v1:"), canon...))
	if len(proof.ProofBlob) != len(expected) {
		return false, nil
	}
	for i := range expected {
		if proof.ProofBlob[i] != expected[i] {
			return false, nil
		}
	}
	return true, nil
}

func (p *Proof) String() string {
	return fmt.Sprintf("zkproof.Proof{id=%s op=%s nullifier=%s}", p.ProofID, p.OpType, p.Nullifier)
}
