package checkpoint

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ManifestEntry is one `relativePath=storageId` line of an incremental
// checkpoint manifest.
type ManifestEntry struct {
	RelativePath string
	StorageID    string
}

// Manifest is the full set of entries for one incremental checkpoint,
// keyed case-insensitively per spec.md §6's manifest format.
type Manifest struct {
	Entries []ManifestEntry
}

// Lookup returns the storage id for relativePath using a case-insensitive
// comparison, and whether it was found.
func (m Manifest) Lookup(relativePath string) (string, bool) {
	for _, e := range m.Entries {
		if strings.EqualFold(e.RelativePath, relativePath) {
			return e.StorageID, true
		}
	}

	return "", false
}

// manifestCodec implements persist.Codec for the spec'd newline-separated
// relativePath=storageId text format, so the local checkpointInfo.txt
// mirror can reuse the teacher's generic Persister[T] rather than a
// bespoke read/write pair.
type manifestCodec struct{}

func newManifestCodec() *manifestCodec { return &manifestCodec{} }

func (manifestCodec) Encode(w io.Writer, state any) error {
	manifest, ok := state.(*Manifest)
	if !ok {
		return fmt.Errorf("checkpoint: manifest codec given %T", state)
	}

	entries := append([]ManifestEntry(nil), manifest.Entries...)
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].RelativePath) < strings.ToLower(entries[j].RelativePath)
	})

	var buf bytes.Buffer

	for _, e := range entries {
		fmt.Fprintf(&buf, "%s=%s\n", e.RelativePath, e.StorageID)
	}

	_, err := w.Write(buf.Bytes())

	return err
}

func (manifestCodec) Decode(r io.Reader, state any) error {
	manifest, ok := state.(*Manifest)
	if !ok {
		return fmt.Errorf("checkpoint: manifest codec given %T", state)
	}

	scanner := bufio.NewScanner(r)

	var entries []ManifestEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return fmt.Errorf("checkpoint: malformed manifest line %q", line)
		}

		entries = append(entries, ManifestEntry{RelativePath: line[:idx], StorageID: line[idx+1:]})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("checkpoint: read manifest: %w", err)
	}

	manifest.Entries = entries

	return nil
}

func (manifestCodec) Extension() string { return ".txt" }
