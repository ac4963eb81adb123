package contenthash_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

func TestHashShort(t *testing.T) {
	t.Parallel()

	var h contenthash.Hash
	for i := range h {
		h[i] = byte(i)
	}

	short := h.Short()
	for i := 0; i < contenthash.ShortSize; i++ {
		assert.Equal(t, byte(i), short[i])
	}
}

func TestHashZero(t *testing.T) {
	t.Parallel()

	assert.True(t, contenthash.Zero().IsZero())

	var h contenthash.Hash
	h[0] = 1
	assert.False(t, h.IsZero())
}

func TestFromHexRoundTrip(t *testing.T) {
	t.Parallel()

	var h contenthash.Hash
	for i := range h {
		h[i] = byte(i * 3)
	}

	parsed, err := contenthash.FromHex(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestFromHexInvalid(t *testing.T) {
	t.Parallel()

	_, err := contenthash.FromHex("not-hex")
	require.Error(t, err)

	_, err = contenthash.FromHex("aabb")
	require.Error(t, err)
}

func TestStripeIndexSpread(t *testing.T) {
	t.Parallel()

	const stripes = 256

	seen := make(map[int]bool)

	for i := 0; i < 1000; i++ {
		var h contenthash.Hash

		h[0] = byte(i) // vary the most-significant byte only
		h[4] = byte(i * 7)
		h[9] = byte(i * 13)

		idx := h.Short().StripeIndex(stripes)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, stripes)
		seen[idx] = true
	}

	// Varying bytes 4 and 9 (not byte 0) should still spread across many stripes.
	assert.Greater(t, len(seen), 50)
}
