package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

func TestParseContentFileNameAcceptsValidHex(t *testing.T) {
	t.Parallel()

	var want contenthash.ShortHash
	want[0] = 0xab

	hash, ok := parseContentFileName(want.String())
	require.True(t, ok)
	assert.Equal(t, want, hash)
}

func TestParseContentFileNameRejectsWrongLength(t *testing.T) {
	t.Parallel()

	_, ok := parseContentFileName("abcd")
	assert.False(t, ok)
}

func TestFsRemoverDeletesFileAndReportsSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var hash contenthash.ShortHash
	hash[0] = 0x11

	path := filepath.Join(dir, hash.String())
	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o640))

	remover := fsRemover{dir: dir}

	freed, err := remover.Remove(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, int64(6), freed)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
