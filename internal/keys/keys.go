// Package keys handles API key material: token generation, the salted lookup
// hash used for indexed credential resolution, and at-rest encryption with a
// version-stamped keyring.
//
// Tokens look like `gw_live_<opaque>`. The middle segment is the environment
// tag; a token presented to a deployment running a different environment is
// rejected before any store lookup.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// TokenPrefix is the fixed leading segment of every issued key.
const TokenPrefix = "gw"

// Environment is the deployment tier a key is bound to.
type Environment string

const (
	EnvLive    Environment = "live"
	EnvTest    Environment = "test"
	EnvStaging Environment = "staging"
	EnvDev     Environment = "dev"
)

var ErrBadToken = errors.New("keys: malformed token")

// ParseEnvironment validates an environment string from config.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(s)) {
	case EnvLive:
		return EnvLive, nil
	case EnvTest:
		return EnvTest, nil
	case EnvStaging:
		return EnvStaging, nil
	case EnvDev:
		return EnvDev, nil
	}
	return "", fmt.Errorf("keys: unknown environment %q", s)
}

// Generate creates a new plaintext token for the environment. The token is
// shown to the caller exactly once; only its hash and sealed form persist.
func Generate(env Environment) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", TokenPrefix, env, base64.RawURLEncoding.EncodeToString(raw)), nil
}

// TokenEnvironment extracts the environment tag from a token.
func TokenEnvironment(token string) (Environment, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != TokenPrefix || parts[2] == "" {
		return "", ErrBadToken
	}
	return ParseEnvironment(parts[1])
}

// DisplayPrefix returns the shortened token form safe to store and show in
// listings (e.g. `gw_live_Ab3dEf`).
func DisplayPrefix(token string) string {
	if len(token) > 14 {
		return token[:14]
	}
	return token
}

// Hasher computes the salted lookup hash for credential resolution. The salt
// is deterministic per deployment (KEY_HASH_SALT) so the hash stays a stable
// index column while remaining useless against another deployment's dump.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher. An empty salt is permitted but logged against
// at bootstrap; it degrades the hash to plain SHA-256.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// Hash returns the hex-encoded SHA-256 of salt || token.
func (h *Hasher) Hash(token string) string {
	sum := sha256.Sum256(append(append([]byte{}, h.salt...), token...))
	return hex.EncodeToString(sum[:])
}
