package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Keyring seals tokens at rest with AES-256-GCM. Every sealed blob is stamped
// with the key version that produced it, so rotation only needs the old keys
// kept around for reads; new writes always use the active version.
//
// Wire form: `v<version>:<base64url nonce||ciphertext>`.
type Keyring struct {
	active int
	keys   map[int]cipher.AEAD
}

var (
	ErrNoKeyring    = errors.New("keys: keyring not configured")
	ErrSealedFormat = errors.New("keys: malformed sealed token")
)

// NewKeyring builds a keyring from KEY_VERSION and the KEYRING_<n> material.
// Each key must be 32 bytes, base64url- or hex-encoded. A nil/empty map
// returns a nil keyring: sealing is then disabled and tokens persist only as
// lookup hashes.
func NewKeyring(active int, material map[int]string) (*Keyring, error) {
	if len(material) == 0 {
		return nil, nil
	}
	if _, ok := material[active]; !ok {
		return nil, fmt.Errorf("keys: active version %d missing from keyring", active)
	}

	kr := &Keyring{active: active, keys: make(map[int]cipher.AEAD, len(material))}
	for ver, enc := range material {
		raw, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("keys: keyring v%d: %w", ver, err)
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("keys: keyring v%d: %w", ver, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("keys: keyring v%d: %w", ver, err)
		}
		kr.keys[ver] = aead
	}
	return kr, nil
}

func decodeKey(enc string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(enc); err == nil && len(raw) == 32 {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(enc); err == nil && len(raw) == 32 {
		return raw, nil
	}
	raw := make([]byte, 32)
	if _, err := fmt.Sscanf(enc, "%64x", &raw); err == nil && len(enc) == 64 {
		return raw, nil
	}
	return nil, errors.New("key material must decode to 32 bytes")
}

// ActiveVersion reports the version new seals are stamped with.
func (kr *Keyring) ActiveVersion() int { return kr.active }

// Seal encrypts a plaintext token under the active key.
func (kr *Keyring) Seal(token string) (string, error) {
	if kr == nil {
		return "", ErrNoKeyring
	}
	aead := kr.keys[kr.active]

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	return fmt.Sprintf("v%d:%s", kr.active, base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a sealed token using the key version stamped on it.
func (kr *Keyring) Open(sealed string) (string, error) {
	if kr == nil {
		return "", ErrNoKeyring
	}
	rest, ok := strings.CutPrefix(sealed, "v")
	if !ok {
		return "", ErrSealedFormat
	}
	verStr, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return "", ErrSealedFormat
	}
	ver, err := strconv.Atoi(verStr)
	if err != nil {
		return "", ErrSealedFormat
	}
	aead, ok := kr.keys[ver]
	if !ok {
		return "", fmt.Errorf("keys: no keyring entry for version %d", ver)
	}

	blob, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrSealedFormat
	}
	if len(blob) < aead.NonceSize() {
		return "", ErrSealedFormat
	}
	plain, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("keys: open sealed token: %w", err)
	}
	return string(plain), nil
}
