// Package chameleon implements the Krawczyk-Rabin chameleon-hash trapdoor
// commitment used to compute and redact block identifiers. A block's id is
// CH(pk, canonical_message, r); anyone can verify it, but only the holder of
// the trapdoor secret key can find a new randomness r' that reproduces the
// same id under a different message (forge), which is how a redaction
// mutates a block's contents without changing its identity.
package chameleon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

var (
	initOnce sync.Once
	g1Gen    bn254.G1Affine
)

func initGenerator() {
	initOnce.Do(func() {
		_, _, g1, _ := bn254.Generators()
		g1Gen = g1
	})
}

// TrapdoorKey is the chameleon-hash secret. It must never leave the Ledger
// Backend's execute step; policy and request layers only ever see a
// PublicKey.
type TrapdoorKey struct {
	sk fr.Element
}

// PublicKey is the chameleon-hash public key, a point on G1.
type PublicKey struct {
	Point bn254.G1Affine
}

// GenerateKeypair produces a fresh (PublicKey, TrapdoorKey) pair: sk is a
// random scalar in Fr, pk = [sk]G1.
func GenerateKeypair() (*PublicKey, *TrapdoorKey, error) {
	initGenerator()

	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, errs.Wrap(errs.Fatal, err, "chameleon: generate trapdoor scalar")
	}

	var pkPoint bn254.G1Affine
	pkPoint.ScalarMultiplication(&g1Gen, scalarToBigInt(sk))

	return &PublicKey{Point: pkPoint}, &TrapdoorKey{sk: sk}, nil
}

// Randomness is the per-seal scalar r; forging a redaction replaces it with
// a new value r' while leaving the id unchanged.
type Randomness struct {
	r fr.Element
}

// NewRandomness draws a fresh random Fr scalar for Seal.
func NewRandomness() (Randomness, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return Randomness{}, errs.Wrap(errs.Fatal, err, "chameleon: generate seal randomness")
	}
	return Randomness{r: r}, nil
}

// RandomnessFromBytes decodes a previously-stored randomness value,
// reducing it modulo the scalar field order.
func RandomnessFromBytes(b []byte) Randomness {
	var r fr.Element
	r.SetBytes(b)
	return Randomness{r: r}
}

// Bytes returns the canonical 32-byte big-endian encoding of r.
func (rr Randomness) Bytes() []byte {
	b := rr.r.Bytes()
	return b[:]
}

func scalarToBigInt(e fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

func hashToScalar(message []byte) fr.Element {
	digest := sha256.Sum256(message)
	var e fr.Element
	e.SetBytes(digest[:])
	return e
}

// Seal computes CH(pk, message, r) = [H(message)]G1 + [r]pk and returns its
// 32-byte compressed point encoding, hex-encoded, as the block id.
func Seal(pk *PublicKey, message []byte, r Randomness) string {
	initGenerator()

	hm := hashToScalar(message)

	var hmPoint bn254.G1Affine
	hmPoint.ScalarMultiplication(&g1Gen, scalarToBigInt(hm))

	var rPk bn254.G1Affine
	rPk.ScalarMultiplication(&pk.Point, scalarToBigInt(r.r))

	var hmJac, rPkJac, sumJac bn254.G1Jac
	hmJac.FromAffine(&hmPoint)
	rPkJac.FromAffine(&rPk)
	sumJac.Set(&hmJac).AddAssign(&rPkJac)

	var sumAffine bn254.G1Affine
	sumAffine.FromJacobian(&sumJac)

	encoded := sumAffine.Bytes()
	return hex.EncodeToString(encoded[:])
}

// Forge computes r' such that CH(pk, newMessage, r') == CH(pk, oldMessage,
// oldR), using the trapdoor: r' = (H(oldMessage) - H(newMessage)) * sk^-1 +
// oldR, all mod the scalar field order. The caller is responsible for
// re-sealing with r' and asserting the id is unchanged before committing.
func Forge(trapdoor *TrapdoorKey, oldMessage []byte, oldR Randomness, newMessage []byte) (Randomness, error) {
	if trapdoor == nil {
		return Randomness{}, errs.New(errs.Fatal, "chameleon: forge called without a trapdoor")
	}

	hOld := hashToScalar(oldMessage)
	hNew := hashToScalar(newMessage)

	var skInv fr.Element
	skInv.Inverse(&trapdoor.sk)

	var diff fr.Element
	diff.Sub(&hOld, &hNew)

	var scaled fr.Element
	scaled.Mul(&diff, &skInv)

	var newR fr.Element
	newR.Add(&scaled, &oldR.r)

	return Randomness{r: newR}, nil
}

// VerifySeal recomputes Seal(pk, message, r) and checks it equals id.
func VerifySeal(pk *PublicKey, message []byte, r Randomness, id string) bool {
	return Seal(pk, message, r) == id
}

// PublicKeyFromBytes decodes a compressed G1 point into a PublicKey.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != 32 {
		return nil, errs.New(errs.InvalidInput, "chameleon: public key must be 32 bytes, got %d", len(b))
	}
	var pt bn254.G1Affine
	if _, err := pt.SetBytes(b); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "chameleon: decode public key")
	}
	return &PublicKey{Point: pt}, nil
}

// Bytes returns the compressed G1 point encoding of pk.
func (pk *PublicKey) Bytes() []byte {
	b := pk.Point.Bytes()
	return b[:]
}

func (pk *PublicKey) String() string {
	return fmt.Sprintf("chameleon.PublicKey(%x)", pk.Bytes())
}
