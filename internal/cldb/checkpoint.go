package cldb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
	"github.com/Sumatoshi-tech/buildmesh/pkg/machineset"
)

// shardCount partitions entries across checkpoint shard files so a single
// huge database does not serialize as one monolithic blob and so unrelated
// changes land in different shards (improving incremental-checkpoint reuse).
const shardCount = 16

// indexFileName is the one file per checkpoint directory that is never
// immutable: it is rewritten on every save to point at the (possibly
// reused) shard blobs.
const indexFileName = "index.json"

// shardFilePrefix/shardFileSuffix delimit the content-addressed shard blob
// names; IsImmutable recognizes this pattern.
const (
	shardFilePrefix = "shard-"
	shardFileSuffix = ".bin"
)

const dirPerm = 0o750
const filePerm = 0o640

type entryDTO struct {
	Hash          string             `json:"hash"`
	Locations     []machineset.MachineId `json:"locations"`
	ContentSize   int64              `json:"content_size"`
	LastAccessUtc time.Time          `json:"last_access_utc"`
	CreationUtc   time.Time          `json:"creation_utc"`
}

type checkpointIndex struct {
	Shards []string `json:"shards"`
}

// shardIndex buckets a short hash into [0, shardCount).
func shardIndex(h contenthash.ShortHash) int {
	sum := 0
	for _, b := range h {
		sum += int(b)
	}

	return sum % shardCount
}

// IsImmutable reports whether the named file, once written under a
// checkpoint directory, is guaranteed never to change. Shard blobs are
// content-addressed (their name is a hash of their bytes) so they satisfy
// this trivially; the index file is rewritten on every save and is not
// immutable.
func (db *DB) IsImmutable(fileName string) bool {
	base := filepath.Base(fileName)

	return strings.HasPrefix(base, shardFilePrefix) && strings.HasSuffix(base, shardFileSuffix)
}

// SaveCheckpoint writes a consistent point-in-time snapshot of every entry
// into dir: one content-addressed shard blob per bucket (reused verbatim
// across checkpoints when unchanged) plus an index file naming them.
func (db *DB) SaveCheckpoint(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("cldb: create checkpoint dir: %w", err)
	}

	buckets := make([][]entryDTO, shardCount)

	db.EnumerateEntriesWithSortedKeys(nil, func(hash contenthash.ShortHash, entry Entry) bool {
		idx := shardIndex(hash)
		buckets[idx] = append(buckets[idx], entry.toDTO(hash))

		return true
	})

	shardNames := make([]string, 0, shardCount)

	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Hash < bucket[j].Hash })

		raw, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("cldb: marshal shard: %w", err)
		}

		compressed, err := compressLZ4(raw)
		if err != nil {
			return fmt.Errorf("cldb: compress shard: %w", err)
		}

		sum := sha256.Sum256(compressed)
		name := shardFilePrefix + hex.EncodeToString(sum[:16]) + shardFileSuffix
		path := filepath.Join(dir, name)

		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if writeErr := os.WriteFile(path, compressed, filePerm); writeErr != nil {
				return fmt.Errorf("cldb: write shard %s: %w", name, writeErr)
			}
		}

		shardNames = append(shardNames, name)
	}

	index := checkpointIndex{Shards: shardNames}

	indexRaw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("cldb: marshal index: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, indexFileName), indexRaw, filePerm); err != nil {
		return fmt.Errorf("cldb: write index: %w", err)
	}

	return nil
}

// RestoreCheckpoint replaces the DB's contents with the snapshot in dir,
// previously produced by SaveCheckpoint.
func (db *DB) RestoreCheckpoint(dir string) error {
	indexRaw, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return fmt.Errorf("cldb: read index: %w", err)
	}

	var index checkpointIndex

	if err := json.Unmarshal(indexRaw, &index); err != nil {
		return fmt.Errorf("cldb: unmarshal index: %w", err)
	}

	restored := make(map[contenthash.ShortHash]Entry)

	for _, shardName := range index.Shards {
		compressed, readErr := os.ReadFile(filepath.Join(dir, shardName))
		if readErr != nil {
			return fmt.Errorf("cldb: read shard %s: %w", shardName, readErr)
		}

		raw, decErr := decompressLZ4(compressed)
		if decErr != nil {
			return fmt.Errorf("cldb: decompress shard %s: %w", shardName, decErr)
		}

		var dtos []entryDTO

		if err := json.Unmarshal(raw, &dtos); err != nil {
			return fmt.Errorf("cldb: unmarshal shard %s: %w", shardName, err)
		}

		for _, dto := range dtos {
			hash, entry, convErr := dto.toEntry()
			if convErr != nil {
				return convErr
			}

			restored[hash] = entry
		}
	}

	db.mapMu.Lock()
	db.data = restored
	db.mapMu.Unlock()

	return nil
}

func (e Entry) toDTO(hash contenthash.ShortHash) entryDTO {
	return entryDTO{
		Hash:          hash.String(),
		Locations:     e.Locations.ToSlice(),
		ContentSize:   e.ContentSize,
		LastAccessUtc: e.LastAccessUtc,
		CreationUtc:   e.CreationUtc,
	}
}

func (dto entryDTO) toEntry() (contenthash.ShortHash, Entry, error) {
	raw, err := hex.DecodeString(dto.Hash)
	if err != nil || len(raw) != contenthash.ShortSize {
		return contenthash.ShortHash{}, Entry{}, fmt.Errorf("cldb: invalid shard hash %q", dto.Hash)
	}

	var hash contenthash.ShortHash
	copy(hash[:], raw)

	return hash, Entry{
		Locations:     machineset.Of(dto.Locations...),
		ContentSize:   dto.ContentSize,
		LastAccessUtc: dto.LastAccessUtc,
		CreationUtc:   dto.CreationUtc,
	}, nil
}

func compressLZ4(raw []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)

	if _, err := w.Write(raw); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
