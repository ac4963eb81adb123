// Package checkpoint implements the Checkpoint Manager: full (zip) and
// incremental (per-file + manifest) snapshots of the content-location
// database, replicated through an injected central storage abstraction,
// grounded on the teacher repository's internal/checkpoint persist/codec
// wrapper style (kept, see codec.go/persister.go) generalized from
// analyzer streaming state to CLDB directory snapshots.
package checkpoint

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/buildmesh/internal/centralstore"
)

// CheckpointStateKey is the CLDB global metadata key the Checkpoint
// Manager maintains, per spec.md §6: "CheckpointManager.CheckpointState =
// {checkpointId},{checkpointTime}".
const CheckpointStateKey = "CheckpointManager.CheckpointState"

const (
	fullCheckpointPrefix        = "checkpoints"
	incrementalCheckpointPrefix = "incrementalCheckpoints"
	localManifestBasename       = "checkpointInfo"
)

// MetadataStore is the subset of cldb.DB the manager uses for the global
// CheckpointState entry.
type MetadataStore interface {
	CompareExchangeMetadata(key, expected, newValue string, ttl time.Duration) bool
	GetMetadata(key string) (string, bool)
}

// Manager saves and restores checkpoints of a local directory (typically
// a CLDB SaveCheckpoint output) against central storage.
type Manager struct {
	blobs    centralstore.BlobStore
	registry centralstore.Registry
	metadata MetadataStore
	log      *slog.Logger
	clock    func() time.Time
	newUUID  func() string

	manifestPersister *Persister[Manifest]
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithUUIDFunc overrides the checkpoint id generator, for deterministic
// tests.
func WithUUIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newUUID = fn }
}

// New creates a Manager backed by blobs/registry, recording the
// CheckpointState KV entry in metadata.
func New(blobs centralstore.BlobStore, registry centralstore.Registry, metadata MetadataStore, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		blobs:             blobs,
		registry:          registry,
		metadata:          metadata,
		log:               log,
		clock:             func() time.Time { return time.Now().UTC() },
		newUUID:           func() string { return uuid.NewString() },
		manifestPersister: NewPersister[Manifest](localManifestBasename, newManifestCodec()),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// sequencePoint assigns a monotonically increasing sequence number for a
// new checkpoint by asking the registry for the prior one.
func (m *Manager) sequencePoint(ctx context.Context) uint64 {
	_, _, seq, ok := m.registry.Latest(ctx)
	if !ok {
		return 1
	}

	return seq + 1
}

// SaveFull zips sourceDir root-at-root and uploads it under
// checkpoints/{sequence}.{uuid}.zip, per spec.md §6.
func (m *Manager) SaveFull(ctx context.Context, sourceDir string) (checkpointID string, err error) {
	seq := m.sequencePoint(ctx)
	id := m.newUUID()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}

		w, createErr := zw.Create(filepath.ToSlash(rel))
		if createErr != nil {
			return createErr
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		_, err = io.Copy(w, f)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: zip %s: %w", sourceDir, err)
	}

	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: close zip: %w", err)
	}

	keyPrefix := fmt.Sprintf("%s/%d.%s.zip", fullCheckpointPrefix, seq, id)

	storageID, err := m.blobs.Put(ctx, keyPrefix, &buf)
	if err != nil {
		return "", fmt.Errorf("checkpoint: upload full checkpoint: %w", err)
	}

	if err = m.registry.Register(ctx, id, seq, storageID); err != nil {
		return "", fmt.Errorf("checkpoint: register checkpoint: %w", err)
	}

	m.recordState(id)
	m.log.Info("checkpoint: full save complete", "checkpoint_id", id, "sequence", seq)

	return id, nil
}

// RestoreFull downloads the most recent full checkpoint and extracts it
// into destDir.
func (m *Manager) RestoreFull(ctx context.Context, destDir string) error {
	_, storageID, _, ok := m.registry.Latest(ctx)
	if !ok {
		return fmt.Errorf("checkpoint: no checkpoint registered")
	}

	rc, err := m.blobs.Get(ctx, storageID)
	if err != nil {
		return fmt.Errorf("checkpoint: fetch full checkpoint: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("checkpoint: read full checkpoint: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("checkpoint: open zip: %w", err)
	}

	for _, f := range zr.File {
		if err := extractZipEntry(destDir, f); err != nil {
			return err
		}
	}

	return nil
}

// RestoreIncremental downloads the most recently registered incremental
// checkpoint's manifest and every file it references into destDir.
func (m *Manager) RestoreIncremental(ctx context.Context, destDir string) (Manifest, error) {
	_, manifestStorageID, _, ok := m.registry.Latest(ctx)
	if !ok {
		return Manifest{}, fmt.Errorf("checkpoint: no checkpoint registered")
	}

	manifestRC, err := m.blobs.Get(ctx, manifestStorageID)
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: fetch manifest: %w", err)
	}
	defer manifestRC.Close()

	var manifest Manifest
	if err := (manifestCodec{}).Decode(manifestRC, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: decode manifest: %w", err)
	}

	for _, entry := range manifest.Entries {
		if err := m.restoreEntry(ctx, destDir, entry); err != nil {
			return Manifest{}, err
		}
	}

	return manifest, nil
}

func (m *Manager) restoreEntry(ctx context.Context, destDir string, entry ManifestEntry) error {
	rc, err := m.blobs.Get(ctx, entry.StorageID)
	if err != nil {
		return fmt.Errorf("checkpoint: fetch %s: %w", entry.RelativePath, err)
	}
	defer rc.Close()

	targetPath := filepath.Join(destDir, filepath.FromSlash(entry.RelativePath))

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o750); err != nil {
		return fmt.Errorf("checkpoint: mkdir for %s: %w", entry.RelativePath, err)
	}

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", targetPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("checkpoint: extract %s: %w", entry.RelativePath, err)
	}

	return nil
}

func extractZipEntry(destDir string, f *zip.File) error {
	targetPath := filepath.Join(destDir, filepath.FromSlash(f.Name))

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o750); err != nil {
		return fmt.Errorf("checkpoint: mkdir for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("checkpoint: open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", targetPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("checkpoint: extract %s: %w", f.Name, err)
	}

	return nil
}

// SaveIncremental uploads each file under sourceDir individually, reusing
// the prior manifest's storage id for any relativePath it already covers
// (verified live via TouchBlob before trusting the reuse), so only
// genuinely new or previously-untracked files and the manifest itself are
// uploaded.
func (m *Manager) SaveIncremental(ctx context.Context, sourceDir string, previous Manifest) (Manifest, error) {
	seq := m.sequencePoint(ctx)
	id := m.newUUID()

	var entries []ManifestEntry

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}

		storageID, uploadErr := m.uploadIfChanged(ctx, seq, id, rel, previous, data)
		if uploadErr != nil {
			return uploadErr
		}

		entries = append(entries, ManifestEntry{RelativePath: rel, StorageID: storageID})

		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: save incremental: %w", err)
	}

	manifest := Manifest{Entries: entries}

	manifestPrefix := fmt.Sprintf("%s/%d.%s", incrementalCheckpointPrefix, seq, id)

	var manifestBuf bytes.Buffer
	if err := (manifestCodec{}).Encode(&manifestBuf, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: encode manifest: %w", err)
	}

	manifestStorageID, err := m.blobs.Put(ctx, manifestPrefix+".txt", &manifestBuf)
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: upload manifest: %w", err)
	}

	if err := m.registry.Register(ctx, id, seq, manifestStorageID); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: register incremental checkpoint: %w", err)
	}

	m.recordState(id)
	m.log.Info("checkpoint: incremental save complete", "checkpoint_id", id, "sequence", seq, "files", len(entries))

	return manifest, nil
}

// uploadIfChanged reuses the previous manifest's storage id for rel when
// its content is byte-identical to what's already stored there, so
// successive incremental checkpoints over an unchanged file never
// re-upload it.
func (m *Manager) uploadIfChanged(ctx context.Context, seq uint64, id, rel string, previous Manifest, data []byte) (string, error) {
	if prevID, ok := previous.Lookup(rel); ok {
		if unchanged, err := m.blobUnchanged(ctx, prevID, data); err == nil && unchanged {
			if touchErr := m.blobs.TouchBlob(ctx, prevID); touchErr == nil {
				return prevID, nil
			}
		}
	}

	keyPrefix := fmt.Sprintf("%s/%d.%s.%s", incrementalCheckpointPrefix, seq, id, rel)

	return m.blobs.Put(ctx, keyPrefix, bytes.NewReader(data))
}

func (m *Manager) blobUnchanged(ctx context.Context, storageID string, data []byte) (bool, error) {
	rc, err := m.blobs.Get(ctx, storageID)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	stored, err := io.ReadAll(rc)
	if err != nil {
		return false, err
	}

	return bytes.Equal(stored, data), nil
}

// SaveLocalManifest mirrors manifest into dir/checkpointInfo.txt, per
// spec.md §6's "Local incremental directory mirrors the manifest".
func (m *Manager) SaveLocalManifest(dir string, manifest Manifest) error {
	return m.manifestPersister.Save(dir, func() *Manifest { return &manifest })
}

// LoadLocalManifest reads dir/checkpointInfo.txt back.
func (m *Manager) LoadLocalManifest(dir string) (Manifest, error) {
	var manifest Manifest

	err := m.manifestPersister.Load(dir, func(loaded *Manifest) { manifest = *loaded })

	return manifest, err
}

func (m *Manager) recordState(checkpointID string) {
	if m.metadata == nil {
		return
	}

	value := fmt.Sprintf("%s,%s", checkpointID, m.clock().Format(time.RFC3339))

	existing, _ := m.metadata.GetMetadata(CheckpointStateKey)
	m.metadata.CompareExchangeMetadata(CheckpointStateKey, existing, value, 0)
}

// CheckpointState parses the stored CheckpointState KV entry.
func CheckpointState(store MetadataStore) (checkpointID string, checkpointTime string, ok bool) {
	raw, found := store.GetMetadata(CheckpointStateKey)
	if !found {
		return "", "", false
	}

	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	return parts[0], parts[1], true
}
