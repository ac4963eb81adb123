package copier

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// hashingWriter wraps a destination writer so the trusted-hash copy path
// can verify the computed hash against the expected one without a second
// read of the written file.
type hashingWriter struct {
	dest io.Writer
	h    hash.Hash
}

func newHashingWriter(dest io.Writer) *hashingWriter {
	return &hashingWriter{dest: dest, h: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.dest.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}

	return n, err
}

// Sum returns the content hash computed so far.
func (hw *hashingWriter) Sum() contenthash.Hash {
	var out contenthash.Hash
	copy(out[:], hw.h.Sum(nil))

	return out
}
