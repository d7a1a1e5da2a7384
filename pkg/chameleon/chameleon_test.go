package chameleon

import "testing"

func TestSealIsDeterministic(t *testing.T) {
	pk, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	r, err := NewRandomness()
	if err != nil {
		t.Fatalf("new randomness: %v", err)
	}

	msg := []byte("canonical block message")
	id1 := Seal(pk, msg, r)
	id2 := Seal(pk, msg, r)
	if id1 != id2 {
		t.Fatalf("Seal is not deterministic: %s != %s", id1, id2)
	}
	if !VerifySeal(pk, msg, r, id1) {
		t.Fatal("VerifySeal rejected a correctly sealed id")
	}
}

func TestForgePreservesID(t *testing.T) {
	pk, trapdoor, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	r, err := NewRandomness()
	if err != nil {
		t.Fatalf("new randomness: %v", err)
	}

	oldMessage := []byte("original canonical block message")
	newMessage := []byte("redacted canonical block message")

	id := Seal(pk, oldMessage, r)

	newR, err := Forge(trapdoor, oldMessage, r, newMessage)
	if err != nil {
		t.Fatalf("forge: %v", err)
	}

	forgedID := Seal(pk, newMessage, newR)
	if forgedID != id {
		t.Fatalf("forged seal changed the block id: got %s, want %s", forgedID, id)
	}
	if !VerifySeal(pk, newMessage, newR, id) {
		t.Fatal("VerifySeal rejected the forged (message, r') pair")
	}
}

func TestForgeWithoutTrapdoorFails(t *testing.T) {
	if _, err := Forge(nil, []byte("a"), Randomness{}, []byte("b")); err == nil {
		t.Fatal("expected an error when forging without a trapdoor")
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	pk, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	decoded, err := PublicKeyFromBytes(pk.Bytes())
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if decoded.String() != pk.String() {
		t.Fatalf("round-tripped public key differs: %s != %s", decoded, pk)
	}
}

func TestDifferentMessagesSealDifferently(t *testing.T) {
	pk, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	r, err := NewRandomness()
	if err != nil {
		t.Fatalf("new randomness: %v", err)
	}

	id1 := Seal(pk, []byte("message one"), r)
	id2 := Seal(pk, []byte("message two"), r)
	if id1 == id2 {
		t.Fatal("distinct messages under the same r produced the same id")
	}
}
