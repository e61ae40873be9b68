package custody

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	bundleVersion = 1
	saltSize      = 32
	masterKeySize = 32
	hkdfInfo      = "tronvault/custody/v1"
)

var (
	// ErrDecryption is returned for malformed bundles, unknown key ids and
	// authentication failures alike.
	ErrDecryption = errors.New("custody: unable to open key bundle")

	// ErrNoActiveKey indicates the custodian was configured without a usable sealing key.
	ErrNoActiveKey = errors.New("custody: active key not configured")
)

// Custodian seals and opens wallet signing keys. Master keys are held in
// memory only and never written into a bundle.
//
// Bundle layout (base64 encoded):
//
//	version(1) | keyIDLen(1) | keyID | salt(32) | nonce(24) | ciphertext
type Custodian struct {
	keys   map[string][]byte
	active string
	rand   io.Reader
}

// New builds a custodian from the configured keyring. New seals use active;
// the other ids remain available for opening bundles sealed before a rotation.
func New(keys map[string][]byte, active string) (*Custodian, error) {
	if len(keys) == 0 {
		return nil, ErrNoActiveKey
	}
	copied := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if id == "" || len(id) > 255 {
			return nil, fmt.Errorf("custody: invalid key id %q", id)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("custody: key %q must be %d bytes", id, masterKeySize)
		}
		copied[id] = bytes.Clone(key)
	}
	if _, ok := copied[active]; !ok {
		return nil, ErrNoActiveKey
	}
	return &Custodian{keys: copied, active: active, rand: rand.Reader}, nil
}

// ActiveKeyID reports the key id used for new bundles.
func (c *Custodian) ActiveKeyID() string {
	return c.active
}

// KeyIDs lists the configured key ids in sorted order.
func (c *Custodian) KeyIDs() []string {
	ids := make([]string, 0, len(c.keys))
	for id := range c.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seal encrypts privateKey bound to address. The same address must be
// presented to Open.
func (c *Custodian) Seal(privateKey []byte, address string) (string, error) {
	if len(privateKey) == 0 {
		return "", fmt.Errorf("custody: empty private key")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return "", fmt.Errorf("custody: generate salt: %w", err)
	}

	dataKey, err := deriveKey(c.keys[c.active], salt)
	if err != nil {
		return "", err
	}
	defer Zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return "", fmt.Errorf("custody: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("custody: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, privateKey, []byte(address))

	out := make([]byte, 0, 2+len(c.active)+saltSize+len(nonce)+len(ciphertext))
	out = append(out, bundleVersion, byte(len(c.active)))
	out = append(out, c.active...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a bundle produced by Seal. The caller owns the returned slice
// and should Zero it once the key is no longer needed.
func (c *Custodian) Open(bundle, address string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(raw) < 2 || raw[0] != bundleVersion {
		return nil, ErrDecryption
	}
	idLen := int(raw[1])
	rest := raw[2:]
	if len(rest) < idLen+saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrDecryption
	}
	keyID := string(rest[:idLen])
	rest = rest[idLen:]

	master, ok := c.keys[keyID]
	if !ok {
		return nil, ErrDecryption
	}

	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := rest[saltSize+chacha20poly1305.NonceSizeX:]

	dataKey, err := deriveKey(master, salt)
	if err != nil {
		return nil, ErrDecryption
	}
	defer Zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(address))
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// GenerateMasterKey returns a fresh random master key suitable for CUSTODY_KEYS.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("custody: generate master key: %w", err)
	}
	return key, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveKey(master, salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("custody: derive key: %w", err)
	}
	return key, nil
}
