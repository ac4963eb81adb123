package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/centralstore"
	"github.com/Sumatoshi-tech/buildmesh/internal/checkpoint"
)

type fakeMetadataStore struct {
	values map[string]string
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{values: make(map[string]string)}
}

func (f *fakeMetadataStore) GetMetadata(key string) (string, bool) {
	v, ok := f.values[key]

	return v, ok
}

func (f *fakeMetadataStore) CompareExchangeMetadata(key, expected, newValue string, _ time.Duration) bool {
	if f.values[key] != expected {
		return false
	}

	f.values[key] = newValue

	return true
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o640))
	}
}

func newTestManager() (*checkpoint.Manager, *centralstore.MemoryStore, *fakeMetadataStore) {
	store := centralstore.NewMemoryStore()
	metadata := newFakeMetadataStore()

	id := 0

	m := checkpoint.New(store, store, metadata, nil,
		checkpoint.WithClock(func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }),
		checkpoint.WithUUIDFunc(func() string {
			id++

			return "uuid-" + string(rune('a'+id-1))
		}),
	)

	return m, store, metadata
}

func TestSaveFullRestoreFullRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string]string{
		"a.txt":        "hello",
		"nested/b.txt": "world",
	})

	checkpointID, err := m.SaveFull(ctx, srcDir)
	require.NoError(t, err)
	assert.NotEmpty(t, checkpointID)

	destDir := t.TempDir()
	require.NoError(t, m.RestoreFull(ctx, destDir))

	gotA, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destDir, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(gotB))
}

func TestSaveFullRecordsCheckpointState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, metadata := newTestManager()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string]string{"a.txt": "x"})

	checkpointID, err := m.SaveFull(ctx, srcDir)
	require.NoError(t, err)

	gotID, gotTime, ok := checkpoint.CheckpointState(metadata)
	require.True(t, ok)
	assert.Equal(t, checkpointID, gotID)
	assert.Equal(t, "2026-07-31T00:00:00Z", gotTime)
}

func TestIncrementalCheckpointReusesUnchangedFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
		"c.txt": "ccc",
	})

	manifestA, err := m.SaveIncremental(ctx, srcDir, checkpoint.Manifest{})
	require.NoError(t, err)
	require.Len(t, manifestA.Entries, 3)

	before := store.BlobCount()

	manifestB, err := m.SaveIncremental(ctx, srcDir, manifestA)
	require.NoError(t, err)
	require.Len(t, manifestB.Entries, 3)

	for _, entry := range manifestA.Entries {
		reused, ok := manifestB.Lookup(entry.RelativePath)
		require.True(t, ok)
		assert.Equal(t, entry.StorageID, reused, "unchanged file %s should reuse its storage id", entry.RelativePath)
	}

	after := store.BlobCount()
	assert.Equal(t, before+1, after, "only the new manifest blob should be uploaded, not the unchanged files")
}

func TestIncrementalCheckpointUploadsChangedFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string]string{"a.txt": "version1"})

	manifestA, err := m.SaveIncremental(ctx, srcDir, checkpoint.Manifest{})
	require.NoError(t, err)

	writeTree(t, srcDir, map[string]string{"a.txt": "version2-longer"})

	manifestB, err := m.SaveIncremental(ctx, srcDir, manifestA)
	require.NoError(t, err)

	idA, _ := manifestA.Lookup("a.txt")
	idB, _ := manifestB.Lookup("a.txt")
	assert.NotEqual(t, idA, idB)
}

func TestIncrementalSaveRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager()

	srcDir := t.TempDir()
	writeTree(t, srcDir, map[string]string{
		"a.txt":        "aaa",
		"nested/b.txt": "bbb",
	})

	_, err := m.SaveIncremental(ctx, srcDir, checkpoint.Manifest{})
	require.NoError(t, err)

	destDir := t.TempDir()
	restored, err := m.RestoreIncremental(ctx, destDir)
	require.NoError(t, err)
	require.Len(t, restored.Entries, 2)

	gotA, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destDir, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(gotB))
}

func TestLocalManifestMirrorRoundTrip(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager()

	manifest := checkpoint.Manifest{Entries: []checkpoint.ManifestEntry{
		{RelativePath: "a.txt", StorageID: "blob-1"},
		{RelativePath: "nested/b.txt", StorageID: "blob-2"},
	}}

	dir := t.TempDir()
	require.NoError(t, m.SaveLocalManifest(dir, manifest))

	got, err := m.LoadLocalManifest(dir)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)

	storageID, ok := got.Lookup("A.TXT")
	require.True(t, ok)
	assert.Equal(t, "blob-1", storageID)
}
