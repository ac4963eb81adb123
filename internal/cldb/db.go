package cldb

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
	"github.com/Sumatoshi-tech/buildmesh/pkg/machineset"
)

// stripeCount is the size of the per-hash lock stripe array. A power of
// two spreads contention without the allocation cost of one mutex per key.
const stripeCount = 256

// TouchFrequency is the minimum interval between ContentTouched updates to
// LastAccessUtc for the same hash. A touch within this window is a no-op,
// a deliberate policy choice (see DESIGN.md open-question notes), not an
// oversight.
const TouchFrequency = 5 * time.Minute

// DB is the content-location database: a striped, sorted map from
// ShortHash to Entry, with GC and checkpoint support.
type DB struct {
	stripes [stripeCount]sync.Mutex
	data    map[contenthash.ShortHash]Entry

	// mapMu guards the data map's key set (insert/delete), separate from
	// the per-hash stripes which guard a single key's value during a
	// read-modify-write. Readers of a single key only need their stripe;
	// full-map operations (enumeration, GC) need mapMu for a consistent
	// key snapshot but release it before doing per-key work.
	mapMu sync.RWMutex

	roster RosterChecker
	clock  func() time.Time
	log    *slog.Logger

	writable bool
	writeMu  sync.Mutex

	gcEvents *gcQueue

	metadata   map[string]metadataEntry
	metadataMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

type metadataEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Option configures a DB at construction time.
type Option func(*DB)

// WithRoster installs a RosterChecker used to filter inactive machines out
// of entries returned to callers. Defaults to AllActiveRoster.
func WithRoster(r RosterChecker) Option {
	return func(db *DB) { db.roster = r }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(db *DB) { db.clock = clock }
}

// WithLogger attaches a logger; nil falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.log = logger
		}
	}
}

// New creates an empty, writable DB.
func New(opts ...Option) *DB {
	db := &DB{
		data:     make(map[contenthash.ShortHash]Entry),
		roster:   AllActiveRoster{},
		clock:    func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
		writable: true,
		metadata: make(map[string]metadataEntry),
	}

	for _, opt := range opts {
		opt(db)
	}

	db.gcEvents = newGCQueue(db.log)

	return db
}

func (db *DB) stripeFor(h contenthash.ShortHash) *sync.Mutex {
	return &db.stripes[h.StripeIndex(stripeCount)]
}

// TryGetEntry returns the entry for hash with inactive machines filtered
// out, or ok=false if absent.
func (db *DB) TryGetEntry(hash contenthash.ShortHash) (Entry, bool) {
	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.mapMu.RLock()
	entry, ok := db.data[hash]
	db.mapMu.RUnlock()

	if !ok {
		db.misses.Add(1)

		return Entry{}, false
	}

	entry = entry.clone()
	entry.Locations = filterInactive(db.roster, entry.Locations)

	if entry.Locations.IsEmpty() {
		db.misses.Add(1)

		return Entry{}, false
	}

	db.hits.Add(1)

	return entry, true
}

// CacheHits returns the number of TryGetEntry calls that resolved to an
// active location, implementing observability.CacheStatsProvider.
func (db *DB) CacheHits() int64 {
	return db.hits.Load()
}

// CacheMisses returns the number of TryGetEntry calls that found no
// active location for the hash, implementing observability.CacheStatsProvider.
func (db *DB) CacheMisses() int64 {
	return db.misses.Load()
}

// Store writes entry for hash, or deletes the key if entry is absent
// (empty Locations). The write is serialized per-hash via the stripe lock
// and is atomic with respect to concurrent TryGetEntry.
func (db *DB) Store(hash contenthash.ShortHash, entry Entry) error {
	if !entry.IsAbsent() {
		if err := entry.Validate(); err != nil {
			return err
		}
	}

	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.storeLocked(hash, entry)

	return nil
}

// storeLocked assumes the caller holds the stripe lock for hash.
func (db *DB) storeLocked(hash contenthash.ShortHash, entry Entry) {
	db.mapMu.Lock()
	defer db.mapMu.Unlock()

	if entry.IsAbsent() {
		delete(db.data, hash)

		return
	}

	db.data[hash] = entry
}

// LocationAdded records that machineID holds hash's content, creating the
// entry on first reference. reconciling marks a reconciliation sweep
// rather than a fresh observation; it is accepted but does not change the
// write's atomicity.
func (db *DB) LocationAdded(hash contenthash.ShortHash, machineID machineset.MachineId, size int64, _ bool) error {
	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.mapMu.RLock()
	existing, ok := db.data[hash]
	db.mapMu.RUnlock()

	now := db.clock()

	if !ok {
		existing = Entry{
			ContentSize:   size,
			CreationUtc:   now,
			LastAccessUtc: now,
		}
	}

	existing.Locations = existing.Locations.SetExistence(machineID, true)
	if existing.ContentSize == 0 {
		existing.ContentSize = size
	}

	existing.LastAccessUtc = now

	if err := existing.Validate(); err != nil {
		return err
	}

	db.storeLocked(hash, existing)

	return nil
}

// LocationRemoved records that machineID no longer holds hash's content.
// The entry is deleted once its location set becomes empty.
func (db *DB) LocationRemoved(hash contenthash.ShortHash, machineID machineset.MachineId, _ bool) error {
	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.mapMu.RLock()
	existing, ok := db.data[hash]
	db.mapMu.RUnlock()

	if !ok {
		return nil
	}

	existing.Locations = existing.Locations.SetExistence(machineID, false)
	db.storeLocked(hash, existing)

	return nil
}

// ContentTouched updates an entry's LastAccessUtc to accessTime, unless
// the previous touch was within TouchFrequency, in which case this is a
// deliberate no-op (see DESIGN.md open-question notes).
func (db *DB) ContentTouched(hash contenthash.ShortHash, accessTime time.Time) error {
	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.mapMu.RLock()
	existing, ok := db.data[hash]
	db.mapMu.RUnlock()

	if !ok {
		return nil
	}

	if accessTime.Sub(existing.LastAccessUtc) < TouchFrequency {
		return nil
	}

	existing.LastAccessUtc = accessTime
	db.storeLocked(hash, existing)

	return nil
}

// CompareExchangeMetadata atomically sets key to newValue iff its current
// value equals expected ("" matches an absent key). ttl of zero means no
// expiry. Returns whether the exchange took place.
func (db *DB) CompareExchangeMetadata(key, expected, newValue string, ttl time.Duration) bool {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()

	current, ok := db.metadata[key]

	currentValue := ""
	if ok && !db.isExpiredLocked(current) {
		currentValue = current.value
	}

	if currentValue != expected {
		return false
	}

	entry := metadataEntry{value: newValue}
	if ttl > 0 {
		entry.expiresAt = db.clock().Add(ttl)
	}

	db.metadata[key] = entry

	return true
}

// GetMetadata returns key's current value, or ok=false if absent/expired.
func (db *DB) GetMetadata(key string) (string, bool) {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()

	entry, ok := db.metadata[key]
	if !ok || db.isExpiredLocked(entry) {
		return "", false
	}

	return entry.value, true
}

func (db *DB) isExpiredLocked(e metadataEntry) bool {
	return !e.expiresAt.IsZero() && !db.clock().Before(e.expiresAt)
}

// GetSelectors returns a function that strips inactive machines out of a
// location set, using the DB's currently configured roster. It lets other
// components (the Copier, in particular) apply the same activity filter
// CLDB applies internally without taking a dependency on CLDB itself.
func (db *DB) GetSelectors() func(machineset.Set) machineset.Set {
	roster := db.roster

	return func(s machineset.Set) machineset.Set {
		return filterInactive(roster, s)
	}
}

// EnumerateSortedKeys returns every key currently stored, in sorted order.
func (db *DB) EnumerateSortedKeys() []contenthash.ShortHash {
	db.mapMu.RLock()
	keys := make([]contenthash.ShortHash, 0, len(db.data))

	for k := range db.data {
		keys = append(keys, k)
	}
	db.mapMu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return lessShortHash(keys[i], keys[j])
	})

	return keys
}

func lessShortHash(a, b contenthash.ShortHash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

// EnumerateEntriesWithSortedKeys calls visit for every (key, entry) pair in
// sorted-key order, with inactive machines filtered from each entry. When
// filter is non-nil, only keys for which filter returns true are visited.
// Iteration stops early, returning nil, if visit returns false.
func (db *DB) EnumerateEntriesWithSortedKeys(filter func(contenthash.ShortHash) bool, visit func(contenthash.ShortHash, Entry) bool) {
	for _, key := range db.EnumerateSortedKeys() {
		if filter != nil && !filter(key) {
			continue
		}

		entry, ok := db.TryGetEntry(key)
		if !ok {
			continue
		}

		if !visit(key, entry) {
			return
		}
	}
}

// SetDatabaseMode toggles writability. GC only runs while writable.
func (db *DB) SetDatabaseMode(writable bool) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.writable = writable
}

// IsWritable reports the current database mode.
func (db *DB) IsWritable() bool {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	return db.writable
}

// Len returns the current number of live entries.
func (db *DB) Len() int {
	db.mapMu.RLock()
	defer db.mapMu.RUnlock()

	return len(db.data)
}
