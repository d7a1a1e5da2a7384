// Package keyprovider resolves content-encryption keys by key id (kid) and
// supports rotation: a single active key encrypts new blobs, while any
// previously-active key remains resolvable so older envelopes still
// decrypt.
package keyprovider

import (
	"crypto/rand"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

// KeySize is the AES-256 key length used for all content envelopes.
const KeySize = 32

// Provider resolves a key by kid and reports which kid is currently
// active for new encryptions.
type Provider interface {
	ActiveKeyID() string
	Key(kid string) ([]byte, error)
	Rotate() (newKid string, err error)
	// ListKeyIDs returns every key id this provider can still resolve,
	// active key first, so an operator can audit rotation history.
	ListKeyIDs() []string
}

func randomKeyID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", errs.Wrap(errs.Fatal, err, "keyprovider: generate key id")
	}
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out), nil
}

func randomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "keyprovider: generate key material")
	}
	return k, nil
}
