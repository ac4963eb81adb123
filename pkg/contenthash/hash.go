// Package contenthash provides the opaque content-addressing identifier
// used throughout the cache and scheduler. The hash algorithm itself is
// treated as an opaque function; this package only defines the fixed-length
// byte shapes and their hex encoding.
package contenthash

import (
	"encoding/hex"
	"fmt"
)

// Size is the length, in bytes, of a full content hash.
const Size = 32

// ShortSize is the length of the CLDB primary key: a prefix of Hash.
const ShortSize = 12

// Hash is a fixed-length, opaque content identifier. Collision-resistance
// is assumed; this package never inspects the hash's internal structure.
type Hash [Size]byte

// ShortHash is the 12-byte prefix of a Hash used as the CLDB key.
type ShortHash [ShortSize]byte

// Zero returns the zero-value Hash.
func Zero() Hash {
	return Hash{}
}

// Short returns the CLDB key for this hash: its first ShortSize bytes.
func (h Hash) Short() ShortHash {
	var s ShortHash

	copy(s[:], h[:ShortSize])

	return s
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// String returns the lowercase hex encoding of s.
func (s ShortHash) String() string {
	return hex.EncodeToString(s[:])
}

// FromHex parses a hex string into a Hash. It is primarily used by tests
// and CLI flag parsing, mirroring the gitlib.NewHash convenience used for
// git object hashes in the teacher repository.
func FromHex(hexStr string) (Hash, error) {
	var h Hash

	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return h, fmt.Errorf("contenthash: decode hex: %w", err)
	}

	if len(decoded) != Size {
		return h, fmt.Errorf("contenthash: want %d bytes, got %d", Size, len(decoded))
	}

	copy(h[:], decoded)

	return h, nil
}

// StripeIndex returns the index into a [N]sync.Mutex stripe array for this
// hash's short key. It XORs two well-separated, non-adjacent bytes of the
// short hash (offsets 4 and 9) so that sorted-key iteration over the CLDB
// does not alias stripe order the way the most-significant byte would.
func (s ShortHash) StripeIndex(stripes int) int {
	if stripes <= 0 {
		return 0
	}

	return int(s[4]^s[9]) % stripes
}
