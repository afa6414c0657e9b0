package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

const (
	// DefaultPrefixLen is the number of hex characters kept from the full
	// digest when deriving a key. 8 hex chars is 32 bits; the birthday bound
	// makes a truncated collision probable around 65k distinct clips, which
	// is why callers must compare full digests before reusing a key.
	DefaultPrefixLen = 8

	digestHexLen = sha256.Size * 2
)

// SHA256 derives short content-addressed keys from full SHA-256 digests.
type SHA256 struct {
	prefixLen int
}

func New(prefixLen int) (*SHA256, error) {
	if prefixLen < 4 || prefixLen > digestHexLen {
		return nil, errors.Errorf("prefix length must be in [4, %d], got %d", digestHexLen, prefixLen)
	}
	return &SHA256{prefixLen: prefixLen}, nil
}

// Digest returns the full hex-encoded SHA-256 of content.
func (h *SHA256) Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Key truncates a full digest to the configured key prefix.
func (h *SHA256) Key(digest string) string {
	if len(digest) <= h.prefixLen {
		return digest
	}
	return digest[:h.prefixLen]
}
