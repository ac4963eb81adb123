package centralstore_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/centralstore"
)

func TestDirStorePutGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := centralstore.NewDirStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Put(ctx, "checkpoints/1.abc.zip", strings.NewReader("payload"))
	require.NoError(t, err)

	rc, err := store.Get(ctx, id)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDirStoreRegistryLatestSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	store, err := centralstore.NewDirStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Register(ctx, "ckpt-1", 1, "blob-1"))
	require.NoError(t, store.Register(ctx, "ckpt-2", 2, "blob-2"))

	reopened, err := centralstore.NewDirStore(dir)
	require.NoError(t, err)

	id, storageID, seq, ok := reopened.Latest(ctx)
	require.True(t, ok)
	assert.Equal(t, "ckpt-2", id)
	assert.Equal(t, "blob-2", storageID)
	assert.Equal(t, uint64(2), seq)
}

func TestDirStoreGetUnknownBlobErrors(t *testing.T) {
	t.Parallel()

	store, err := centralstore.NewDirStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestDirStoreBlobPathAvoidsDirectoryTraversal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	store, err := centralstore.NewDirStore(root)
	require.NoError(t, err)

	id, err := store.Put(ctx, "incrementalCheckpoints/1.abc.nested/file.txt", strings.NewReader("x"))
	require.NoError(t, err)

	assert.True(t, filepath.IsLocal(id))
}
