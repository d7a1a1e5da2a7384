package keyprovider

import (
	"sync"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

// EnvProvider holds key material entirely in memory, seeded once from a
// base64-encoded key supplied at process start (MEDCHAIN_ACTIVE_KEY).
// Rotation generates a new in-memory key and keeps the old one resolvable
// for the lifetime of the process; it does not persist across restarts,
// so it suits devnets and tests, not production deployments (those use
// FileKeystore).
type EnvProvider struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	activeID string
}

// NewEnvProvider seeds an EnvProvider with a single active key. If
// seedKey is nil, a random key is generated.
func NewEnvProvider(seedKey []byte) (*EnvProvider, error) {
	if seedKey == nil {
		k, err := randomKey()
		if err != nil {
			return nil, err
		}
		seedKey = k
	}
	if len(seedKey) != KeySize {
		return nil, errs.New(errs.InvalidInput, "keyprovider: seed key must be %d bytes, got %d", KeySize, len(seedKey))
	}
	kid, err := randomKeyID()
	if err != nil {
		return nil, err
	}
	return &EnvProvider{
		keys:     map[string][]byte{kid: seedKey},
		activeID: kid,
	}, nil
}

func (p *EnvProvider) ActiveKeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeID
}

func (p *EnvProvider) Key(kid string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[kid]
	if !ok {
		return nil, errs.New(errs.NotFound, "keyprovider: no key registered for kid %q", kid)
	}
	return k, nil
}

// Rotate generates a fresh random key and makes it active; RotateWithKey
// lets a caller (e.g. the keystore CLI's --new-key-base64) supply the new
// key material explicitly instead.
func (p *EnvProvider) Rotate() (string, error) {
	newKey, err := randomKey()
	if err != nil {
		return "", err
	}
	return p.RotateWithKey(newKey)
}

// RotateWithKey installs newKey as the active key under a freshly
// generated kid. Prior keys remain resolvable via Key.
func (p *EnvProvider) RotateWithKey(newKey []byte) (string, error) {
	if len(newKey) != KeySize {
		return "", errs.New(errs.InvalidInput, "keyprovider: new key must be %d bytes, got %d", KeySize, len(newKey))
	}
	newKid, err := randomKeyID()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[newKid] = newKey
	p.activeID = newKid
	return newKid, nil
}

// ListKeyIDs returns every key id currently resolvable, active key first.
func (p *EnvProvider) ListKeyIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.keys))
	out = append(out, p.activeID)
	for kid := range p.keys {
		if kid != p.activeID {
			out = append(out, kid)
		}
	}
	return out
}
