package keyprovider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

const (
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
	saltSize   = 16
	kekKeySize = 32
)

// kdfParams records the scrypt cost parameters a keystore file's KEK was
// derived with, persisted alongside the file so a future default change
// doesn't strand keystores written under the old defaults.
type kdfParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// wrappedKey is the on-disk record for one content-encryption key,
// wrapped under the passphrase-derived KEK.
type wrappedKey struct {
	KeyID      string `json:"kid"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // AES-GCM seal of the raw key, AAD=kid
	KeyLen     int    `json:"klen"`
}

// keystoreFile is the versioned on-disk layout.
type keystoreFile struct {
	Version  int          `json:"v"`
	Wrap     string       `json:"wrap"`
	Salt     []byte       `json:"salt"`
	Params   kdfParams    `json:"params"`
	Keys     []wrappedKey `json:"keys"`
	ActiveID string       `json:"active"`
}

const keystoreVersion = 1
const wrapAlgorithm = "scrypt+AES-GCM"

// FileKeystore persists key material to disk, encrypted under a KEK
// derived from an operator-supplied passphrase via scrypt. Only the KEK
// ever exists in memory transiently during unwrap/wrap; content keys are
// cached in memory after loading, as EnvProvider does.
type FileKeystore struct {
	mu         sync.RWMutex
	path       string
	passphrase []byte
	salt       []byte
	params     kdfParams
	keys       map[string][]byte
	activeID   string
}

// OpenFileKeystore loads (or initializes) a keystore at path, deriving its
// KEK from passphrase. If path does not exist, a new keystore with one
// freshly-generated active key is created and written.
func OpenFileKeystore(path string, passphrase string) (*FileKeystore, error) {
	ks := &FileKeystore{
		path:       path,
		passphrase: []byte(passphrase),
		keys:       make(map[string][]byte),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ks.initializeNew()
	}
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "keyprovider: read keystore file %s", path)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "keyprovider: parse keystore file %s", path)
	}
	if file.Version != keystoreVersion {
		return nil, errs.New(errs.StorageError, "keyprovider: unsupported keystore version %d", file.Version)
	}
	ks.salt = file.Salt
	ks.params = file.Params
	ks.activeID = file.ActiveID

	kek, err := ks.deriveKEK()
	if err != nil {
		return nil, err
	}
	for _, wk := range file.Keys {
		plain, err := unwrapKey(kek, wk)
		if err != nil {
			return nil, errs.Wrap(errs.Unauthorized, err, "keyprovider: unwrap key %s (wrong passphrase?)", wk.KeyID)
		}
		ks.keys[wk.KeyID] = plain
	}
	return ks, nil
}

func (ks *FileKeystore) initializeNew() (*FileKeystore, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "keyprovider: generate keystore salt")
	}
	ks.salt = salt
	ks.params = kdfParams{N: scryptN, R: scryptR, P: scryptP}

	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	kid, err := randomKeyID()
	if err != nil {
		return nil, err
	}
	ks.keys[kid] = key
	ks.activeID = kid

	if err := ks.persist(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *FileKeystore) deriveKEK() ([]byte, error) {
	kek, err := scrypt.Key(ks.passphrase, ks.salt, ks.params.N, ks.params.R, ks.params.P, kekKeySize)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "keyprovider: derive KEK via scrypt")
	}
	return kek, nil
}

func wrapKey(kek []byte, salt []byte, kid string, key []byte) (wrappedKey, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return wrappedKey{}, errs.Wrap(errs.Fatal, err, "keyprovider: new AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return wrappedKey{}, errs.Wrap(errs.Fatal, err, "keyprovider: new GCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return wrappedKey{}, errs.Wrap(errs.Fatal, err, "keyprovider: generate nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, key, []byte(kid))
	return wrappedKey{KeyID: kid, Salt: salt, Nonce: nonce, Ciphertext: ciphertext, KeyLen: len(key)}, nil
}

func unwrapKey(kek []byte, wk wrappedKey) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "keyprovider: new AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "keyprovider: new GCM")
	}
	return gcm.Open(nil, wk.Nonce, wk.Ciphertext, []byte(wk.KeyID))
}

func (ks *FileKeystore) persist() error {
	kek, err := ks.deriveKEK()
	if err != nil {
		return err
	}

	file := keystoreFile{
		Version:  keystoreVersion,
		Wrap:     wrapAlgorithm,
		Salt:     ks.salt,
		Params:   ks.params,
		ActiveID: ks.activeID,
	}
	for kid, key := range ks.keys {
		wk, err := wrapKey(kek, ks.salt, kid, key)
		if err != nil {
			return err
		}
		file.Keys = append(file.Keys, wk)
	}

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "keyprovider: marshal keystore file")
	}
	if err := os.WriteFile(ks.path, raw, 0o600); err != nil {
		return errs.Wrap(errs.StorageError, err, "keyprovider: write keystore file %s", ks.path)
	}
	return nil
}

func (ks *FileKeystore) ActiveKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activeID
}

func (ks *FileKeystore) Key(kid string) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.keys[kid]
	if !ok {
		return nil, errs.New(errs.NotFound, "keyprovider: no key registered for kid %q", kid)
	}
	return k, nil
}

// Rotate generates a new active key, persists it alongside all previously
// registered keys, and returns its kid. Prior keys remain resolvable so
// content encrypted under them still decrypts.
func (ks *FileKeystore) Rotate() (string, error) {
	newKey, err := randomKey()
	if err != nil {
		return "", err
	}
	return ks.RotateWithKey(newKey)
}

// RotateWithKey installs newKey as the active key under a freshly
// generated kid and persists the keystore, rather than generating random
// key material — the keystore CLI's --new-key-base64 flag uses this.
func (ks *FileKeystore) RotateWithKey(newKey []byte) (string, error) {
	if len(newKey) != KeySize {
		return "", errs.New(errs.InvalidInput, "keyprovider: new key must be %d bytes, got %d", KeySize, len(newKey))
	}
	newKid, err := randomKeyID()
	if err != nil {
		return "", err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[newKid] = newKey
	ks.activeID = newKid
	if err := ks.persist(); err != nil {
		return "", err
	}
	return newKid, nil
}

// ListKeyIDs returns every key id currently resolvable by this keystore,
// active key first.
func (ks *FileKeystore) ListKeyIDs() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ks.keys))
	out = append(out, ks.activeID)
	for kid := range ks.keys {
		if kid != ks.activeID {
			out = append(out, kid)
		}
	}
	return out
}
