package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size in bytes of block and body hashes.
const HashSize = blake2b.Size256

// Hash is a blake2b-256 digest identifying a header or body.
type Hash [HashSize]byte

// ZeroHash is the parent hash of the genesis header.
var ZeroHash Hash

// HashFromBytes copies b into a Hash. It fails unless b is exactly HashSize
// bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("expected %d byte hash, got %d bytes", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a hex encoded hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex %q: %w", s, err)
	}
	return HashFromBytes(b)
}

// Sum returns the blake2b-256 digest of data.
func Sum(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Less orders hashes lexicographically. Fork choice uses it to break ties
// between equally long branches identically on every node.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Short returns the first six bytes of the hash, for logging.
func (h Hash) Short() string {
	return strings.ToUpper(hex.EncodeToString(h[:6]))
}

// MarshalText encodes the hash as upper-case hex, so headers and peer records
// stay readable in JSON and TOML.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
