// Package ledgerbackend defines the LedgerBackend interface that applies a
// forged block update atomically, records the spent nullifier, and emits
// events — plus a Simulated (in-process KV) implementation the core runs
// against identically to any External on-chain backend.
package ledgerbackend

import (
	"context"
	"sync"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/chameleon"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

// KV is the minimal key-value store a Simulated backend persists to.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
}

// Event is emitted by a LedgerBackend after a redaction executes.
type Event struct {
	Kind        string `json:"kind"` // "redaction_executed"
	RequestID   string `json:"request_id"`
	BlockID     string `json:"block_id"`
	Nullifier   string `json:"nullifier"`
	ContentCID  string `json:"content_cid,omitempty"`
}

// ExecuteInput is what the Redaction Engine hands the backend to apply a
// single approved redaction atomically.
type ExecuteInput struct {
	RequestID    string
	TargetChain  *block.Chain
	TargetDepth  uint64
	NewTxs       []block.Transaction // the block's post-redaction tx list
	Trapdoor     *chameleon.TrapdoorKey
	PublicKey    *chameleon.PublicKey
	Nullifier    string
	NewContentCID string
}

// Backend applies redactions and guards against nullifier replay.
// Simulated (in-process) is the only implementation in this module; it
// has no implementation that talks to a real on-chain deployment.
type Backend interface {
	// Execute atomically forges the target block's randomness so its id
	// is preserved under NewTxs, records Nullifier, and returns the
	// resulting Event. Returns an errs.Replay error if Nullifier was
	// already recorded.
	Execute(ctx context.Context, in ExecuteInput) (*Event, error)
	// HasNullifier reports whether nullifier has already been recorded.
	HasNullifier(ctx context.Context, nullifier string) (bool, error)
	// RecordNullifier records nullifier without touching any block,
	// for redactions that mutate contract/record state without a
	// corresponding chameleon-hash forge. Returns false if nullifier was
	// already recorded (a no-op, not an error).
	RecordNullifier(ctx context.Context, nullifier string) (bool, error)
}

var (
	nullifierPrefix = []byte("ledgerbackend:nullifier:")
)

func nullifierKey(nullifier string) []byte {
	return append(append([]byte{}, nullifierPrefix...), []byte(nullifier)...)
}

// Simulated is an in-memory (or KV-backed) LedgerBackend used as the
// default — and as the reference behavior an External implementation must
// match. Per-chain mutation is serialized with a mutex so Execute is safe
// to call concurrently for different requests against the same chain.
type Simulated struct {
	mu sync.Mutex
	kv KV
}

// NewSimulated returns a Simulated backend over kv. If kv is nil, an
// in-memory map-backed KV is used.
func NewSimulated(kv KV) *Simulated {
	if kv == nil {
		kv = newMemKV()
	}
	return &Simulated{kv: kv}
}

func (s *Simulated) HasNullifier(ctx context.Context, nullifier string) (bool, error) {
	return s.kv.Has(nullifierKey(nullifier))
}

// RecordNullifier records nullifier if absent, serialized against Execute
// by the same mutex so the two never race on the same nullifier.
func (s *Simulated) RecordNullifier(ctx context.Context, nullifier string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.kv.Has(nullifierKey(nullifier))
	if err != nil {
		return false, errs.Wrap(errs.TransientStorage, err, "ledgerbackend: check nullifier")
	}
	if exists {
		return false, nil
	}
	if err := s.kv.Set(nullifierKey(nullifier), []byte{1}); err != nil {
		return false, errs.Wrap(errs.TransientStorage, err, "ledgerbackend: record nullifier")
	}
	return true, nil
}

// Execute performs the atomic forge-and-commit step: it never exposes the
// trapdoor beyond this call, and it records the nullifier before
// returning so a concurrent duplicate submission observes the replay.
func (s *Simulated) Execute(ctx context.Context, in ExecuteInput) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Trapdoor == nil {
		return nil, errs.New(errs.Fatal, "ledgerbackend: execute called without a trapdoor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.kv.Has(nullifierKey(in.Nullifier))
	if err != nil {
		return nil, errs.Wrap(errs.TransientStorage, err, "ledgerbackend: check nullifier")
	}
	if exists {
		return nil, errs.New(errs.Replay, "ledgerbackend: nullifier %s already recorded", in.Nullifier)
	}

	target := in.TargetChain.BlockAt(in.TargetDepth)
	if target == nil {
		return nil, errs.New(errs.InvalidInput, "ledgerbackend: no block at depth %d", in.TargetDepth)
	}
	if target.IsFrozen() {
		return nil, errs.New(errs.PolicyViolation, "ledgerbackend: block at depth %d is frozen (genesis or contains a non-redactable tx)", in.TargetDepth)
	}

	oldMessage, err := target.CanonicalMessage()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "ledgerbackend: canonical message before forge")
	}
	oldR := chameleon.RandomnessFromBytes(target.R)
	oldID := target.ID

	target.Txs = in.NewTxs
	if _, err := target.RecomputeMerkleRoot(); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "ledgerbackend: recompute merkle root")
	}
	newMessage, err := target.CanonicalMessage()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "ledgerbackend: canonical message after mutation")
	}

	newR, err := chameleon.Forge(in.Trapdoor, oldMessage, oldR, newMessage)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "ledgerbackend: forge")
	}
	target.R = newR.Bytes()
	target.ID = oldID // id is an invariant of forge; set explicitly rather than re-deriving

	ok, err := target.VerifyID(in.PublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "ledgerbackend: verify forged id")
	}
	if !ok {
		return nil, errs.New(errs.Fatal, "ledgerbackend: forged randomness failed re-verification, block id would change")
	}

	if err := s.kv.Set(nullifierKey(in.Nullifier), []byte{1}); err != nil {
		return nil, errs.Wrap(errs.TransientStorage, err, "ledgerbackend: record nullifier")
	}

	return &Event{
		Kind:       "redaction_executed",
		RequestID:  in.RequestID,
		BlockID:    target.ID,
		Nullifier:  in.Nullifier,
		ContentCID: in.NewContentCID,
	}, nil
}

// memKV is a trivial in-process map-backed KV for tests and the default
// devnet configuration.
type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errs.New(errs.NotFound, "memkv: key not found")
	}
	return v, nil
}

func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *memKV) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}
