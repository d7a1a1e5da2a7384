// Package content implements the content-addressed blob store that holds
// redactable payload bodies out-of-band from the ledger: blocks reference
// a CID and a key id, never the plaintext, so redacting a payload means
// re-encrypting or deleting its blob without touching any block hash.
package content

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/keyprovider"
)

// envelopeVersion is the wire format version Put stamps every envelope
// with; Get rejects any other value rather than guess at a layout.
const envelopeVersion = 1

// Envelope is the on-disk/on-store representation of an encrypted blob:
// the CID addresses this envelope, not the plaintext, so CIDs change
// across a re-encrypt-in-place redaction even though the payload meaning
// may be identical.
type Envelope struct {
	Enc        string `json:"enc"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	KeyID      string `json:"kid"`
	Version    int    `json:"v"`
}

// Store is the content-addressed blob interface the redaction engine and
// block producers use. Put/Get operate on plaintext; the envelope and CID
// bookkeeping stay internal. Pin/Unpin let a backend track garbage
// collection roots without the caller reasoning about them.
type Store interface {
	Put(ctx context.Context, plaintext []byte) (cidStr string, err error)
	Get(ctx context.Context, cidStr string) (plaintext []byte, err error)
	Pin(ctx context.Context, cidStr string) error
	Unpin(ctx context.Context, cidStr string) error
	// Delete removes a blob outright, independent of pin state — used
	// when a DELETE redaction must make the payload unrecoverable.
	Delete(ctx context.Context, cidStr string) error
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, err, "content: compute multihash")
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Simulated is an in-process Store backed by a map, with AES-GCM envelope
// encryption keyed by a keyprovider.Provider. It is the default backend
// and the reference behavior an External (e.g. IPFS-gateway-backed) store
// must match.
type Simulated struct {
	mu      sync.RWMutex
	keys    keyprovider.Provider
	blobs   map[string]Envelope
	pinned  map[string]bool
}

// NewSimulated returns a Simulated store that encrypts new blobs under
// keys.ActiveKeyID() and can decrypt any blob whose key id keys still
// resolves.
func NewSimulated(keys keyprovider.Provider) *Simulated {
	return &Simulated{
		keys:   keys,
		blobs:  make(map[string]Envelope),
		pinned: make(map[string]bool),
	}
}

func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Fatal, err, "content: new AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Fatal, err, "content: new GCM")
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errs.Wrap(errs.Fatal, err, "content: generate nonce")
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "content: new AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "content: new GCM")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Put encrypts plaintext under the provider's current active key and
// stores the envelope keyed by the CID of the *ciphertext envelope*, so
// re-encrypting identical plaintext under a new key yields a new CID.
func (s *Simulated) Put(ctx context.Context, plaintext []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	kid := s.keys.ActiveKeyID()
	key, err := s.keys.Key(kid)
	if err != nil {
		return "", err
	}
	nonce, ciphertext, err := seal(key, plaintext)
	if err != nil {
		return "", err
	}
	env := Envelope{Enc: "AES-GCM", Nonce: nonce, Ciphertext: ciphertext, KeyID: kid, Version: envelopeVersion}

	cidStr, err := ComputeCID(append(append([]byte{}, nonce...), ciphertext...))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[cidStr] = env
	return cidStr, nil
}

func (s *Simulated) Get(ctx context.Context, cidStr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	env, ok := s.blobs[cidStr]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "content: no blob for cid %s", cidStr)
	}
	if env.Version != envelopeVersion {
		return nil, errs.New(errs.Fatal, "content: unknown envelope version %d for cid %s", env.Version, cidStr)
	}
	key, err := s.keys.Key(env.KeyID)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "content: resolve key %s for cid %s", env.KeyID, cidStr)
	}
	plaintext, err := open(key, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "content: decrypt blob %s", cidStr)
	}
	return plaintext, nil
}

func (s *Simulated) Pin(ctx context.Context, cidStr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[cidStr]; !ok {
		return errs.New(errs.NotFound, "content: no blob for cid %s", cidStr)
	}
	s.pinned[cidStr] = true
	return nil
}

func (s *Simulated) Unpin(ctx context.Context, cidStr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pinned, cidStr)
	return nil
}

// Delete removes a blob outright, regardless of pin state. Used by DELETE
// redactions, where the payload must become permanently unrecoverable.
func (s *Simulated) Delete(ctx context.Context, cidStr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, cidStr)
	delete(s.pinned, cidStr)
	return nil
}

// IsPinned reports whether cidStr is currently pinned. Test/inspection
// helper, not part of the Store interface.
func (s *Simulated) IsPinned(cidStr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[cidStr]
}
