// Package identity derives the content fingerprint used to name a container's cache directory.
package identity

import (
	_ "crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Size is the byte length of an Identity.
const Size = 32

// Identity is the SHA-256 of a container's content.
type Identity [Size]byte

// Hex is the lowercase directory name for this identity.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id Identity) String() string {
	return id.Hex()
}

// Digest returns the identity in "sha256:<hex>" form.
func (id Identity) Digest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, id[:])
}

// IsZero reports whether id was never computed.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// ParseHex parses a 64 character lowercase or uppercase hex string.
func ParseHex(s string) (Identity, error) {
	var id Identity
	if len(s) != hex.EncodedLen(Size) {
		return id, fmt.Errorf("identity: want %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("identity: %w", err)
	}
	return id, nil
}

// Hasher accumulates content into an Identity.
type Hasher struct {
	d digest.Digester
}

func NewHasher() *Hasher {
	return &Hasher{d: digest.Canonical.Digester()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.d.Hash().Write(p)
}

// Sum returns the identity of everything written so far.
func (h *Hasher) Sum() Identity {
	var id Identity
	copy(id[:], h.d.Hash().Sum(nil))
	return id
}

// FromBytes hashes an in-memory buffer.
func FromBytes(b []byte) Identity {
	h := NewHasher()
	h.Write(b)
	return h.Sum()
}

// FromReader hashes a stream to EOF.
func FromReader(r io.Reader) (Identity, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Identity{}, err
	}
	return h.Sum(), nil
}

// FromNames hashes the sorted concatenation of names. Each name is NUL terminated so
// ["ab", "c"] and ["a", "bc"] differ.
func FromNames(names []string) Identity {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	h := NewHasher()
	for _, n := range sorted {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return h.Sum()
}
