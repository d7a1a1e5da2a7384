package merkle

import "testing"

type testBlock struct {
	id, prev  string
	depth, ts uint64
}

func (b testBlock) BlockID() string        { return b.id }
func (b testBlock) Prev() string           { return b.prev }
func (b testBlock) BlockDepth() uint64     { return b.depth }
func (b testBlock) BlockTimestamp() uint64 { return b.ts }

func TestVerifyChain_Valid(t *testing.T) {
	blocks := []LinkedBlock{
		testBlock{id: "b0", prev: "0", depth: 0, ts: 100},
		testBlock{id: "b1", prev: "b0", depth: 1, ts: 101},
		testBlock{id: "b2", prev: "b1", depth: 2, ts: 102},
	}
	ok, reason := VerifyChain(blocks)
	if !ok || reason != "" {
		t.Fatalf("expected valid chain, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifyChain_BrokenLink(t *testing.T) {
	blocks := []LinkedBlock{
		testBlock{id: "b0", prev: "0", depth: 0, ts: 100},
		testBlock{id: "b1", prev: "WRONG", depth: 1, ts: 101},
	}
	ok, reason := VerifyChain(blocks)
	if ok {
		t.Fatal("expected break to be detected")
	}
	if reason == "" {
		t.Error("expected non-empty break reason")
	}
}

func TestVerifyChain_DepthGap(t *testing.T) {
	blocks := []LinkedBlock{
		testBlock{id: "b0", prev: "0", depth: 0, ts: 100},
		testBlock{id: "b1", prev: "b0", depth: 2, ts: 101},
	}
	ok, _ := VerifyChain(blocks)
	if ok {
		t.Fatal("expected depth gap to be detected")
	}
}

func TestVerifyChain_TimestampRegression(t *testing.T) {
	blocks := []LinkedBlock{
		testBlock{id: "b0", prev: "0", depth: 0, ts: 100},
		testBlock{id: "b1", prev: "b0", depth: 1, ts: 50},
	}
	ok, _ := VerifyChain(blocks)
	if ok {
		t.Fatal("expected timestamp regression to be detected")
	}
}

func TestChainChecksum_OrderSensitive(t *testing.T) {
	a := []LinkedBlock{
		testBlock{id: "b0", prev: "0", depth: 0, ts: 100},
		testBlock{id: "b1", prev: "b0", depth: 1, ts: 101},
	}
	b := []LinkedBlock{a[1], a[0]}

	if ChainChecksum(a) == ChainChecksum(b) {
		t.Error("checksum should depend on chain order")
	}
	if ChainChecksum(a) != ChainChecksum(a) {
		t.Error("checksum should be deterministic")
	}
}
