// Package flushcache implements the write-back in-memory overlay that sits
// above the content-location database: a generation-swapped cache that
// absorbs bursts of updates and batch-persists them, grounded on the
// teacher repository's internal/cache.BlobCache RWMutex shape extended to
// two generations per the design notes' "generation-swapped overlay cache."
package flushcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sumatoshi-tech/buildmesh/internal/cldb"
	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// Persister is the subset of cldb.DB the cache flushes into. It is an
// interface so tests can substitute an in-memory recorder.
type Persister interface {
	Store(hash contenthash.ShortHash, entry cldb.Entry) error
}

// slot holds either a present entry or a tombstone (deleted) marker,
// distinguishing "present but absent" from "not in this generation at all."
type slot struct {
	entry   cldb.Entry
	deleted bool
}

// Stats summarizes the outcome of one flush.
type Stats struct {
	Persisted int
	Leftover  int
	Growth    int // entries written to `cache` while this flush was running
	Duration  time.Duration
}

// Config tunes flush behavior.
type Config struct {
	// SingleTransaction batches persistence in TransactionSize chunks
	// using a DegreeOfParallelism worker pool; otherwise entries persist
	// one at a time, DegreeOfParallelism at once.
	SingleTransaction   bool
	TransactionSize     int
	DegreeOfParallelism int

	// PreservePercentInMemory keeps this fraction (0-100) of a flush's
	// entries resident in flushingCache after persistence, instead of
	// clearing it outright.
	PreservePercentInMemory int

	// MaximumInterval triggers an automatic flush when exceeded since the
	// last one. Zero disables the timer.
	MaximumInterval time.Duration

	// MaximumUpdatesPerFlush triggers a flush once `cache` accumulates
	// this many stores. Zero disables the counter trigger.
	MaximumUpdatesPerFlush int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		SingleTransaction:       true,
		TransactionSize:         256,
		DegreeOfParallelism:     4,
		PreservePercentInMemory: 0,
		MaximumInterval:         30 * time.Second,
		MaximumUpdatesPerFlush:  10000,
	}
}

// Cache is the flushable write-back overlay.
type Cache struct {
	cfg       Config
	persister Persister
	log       *slog.Logger

	mu            sync.RWMutex
	cache         map[contenthash.ShortHash]slot
	flushingCache map[contenthash.ShortHash]slot

	flushMu sync.Mutex // serializes flush attempts

	inFlight   *flushFuture
	inFlightMu sync.Mutex

	updatesSinceFlush int

	lastFlush time.Time
	clock     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
}

type flushFuture struct {
	done chan struct{}
	err  error
}

// New creates a Cache that persists into persister using cfg.
func New(persister Persister, cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		cfg:           cfg,
		persister:     persister,
		log:           log,
		cache:         make(map[contenthash.ShortHash]slot),
		flushingCache: make(map[contenthash.ShortHash]slot),
		clock:         time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	c.lastFlush = c.clock()

	if cfg.MaximumInterval > 0 {
		go c.timerLoop()
	} else {
		close(c.doneCh)
	}

	return c
}

// Store writes entry for hash into the current generation under a shared
// read-lock, per spec.md §4.2 ("store... under a shared read-lock writes
// to cache"): concurrent stores don't contend with each other, only with a
// generation swap.
func (c *Cache) Store(hash contenthash.ShortHash, entry cldb.Entry) {
	c.mu.RLock()
	c.cache[hash] = slot{entry: entry, deleted: entry.IsAbsent()}
	c.mu.RUnlock()

	c.inFlightMu.Lock()
	c.updatesSinceFlush++
	shouldFlush := c.cfg.MaximumUpdatesPerFlush > 0 && c.updatesSinceFlush >= c.cfg.MaximumUpdatesPerFlush
	c.inFlightMu.Unlock()

	if shouldFlush {
		go func() { _ = c.Flush(context.Background(), false) }()
	}
}

// TryGetEntry checks cache then flushingCache. A tombstone (explicit
// delete) is reported as present-but-absent (ok=true, entry.IsAbsent()),
// distinct from a miss (ok=false).
func (c *Cache) TryGetEntry(hash contenthash.ShortHash) (cldb.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.cache[hash]; ok {
		c.hits.Add(1)

		return s.entry, true
	}

	if s, ok := c.flushingCache[hash]; ok {
		c.hits.Add(1)

		return s.entry, true
	}

	c.misses.Add(1)

	return cldb.Entry{}, false
}

// CacheHits returns the number of TryGetEntry calls satisfied from either
// generation, implementing observability.CacheStatsProvider.
func (c *Cache) CacheHits() int64 {
	return c.hits.Load()
}

// CacheMisses returns the number of TryGetEntry calls that found neither
// generation holding hash, implementing observability.CacheStatsProvider.
func (c *Cache) CacheMisses() int64 {
	return c.misses.Load()
}

func (c *Cache) timerLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.MaximumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Flush(context.Background(), false)
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the periodic flush timer. It does not flush pending entries.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

// Flush persists the current generation. When blocking is true the call
// waits for completion (used immediately before saveCheckpoint and before
// full enumeration, per spec.md §4.2); when false, a concurrent Flush call
// coalesces onto any flush already in flight instead of starting a second
// one.
func (c *Cache) Flush(ctx context.Context, blocking bool) error {
	future := c.joinOrStartFlush(ctx)

	if !blocking {
		return nil
	}

	<-future.done

	return future.err
}

func (c *Cache) joinOrStartFlush(ctx context.Context) *flushFuture {
	c.inFlightMu.Lock()
	if c.inFlight != nil {
		existing := c.inFlight
		c.inFlightMu.Unlock()

		return existing
	}

	future := &flushFuture{done: make(chan struct{})}
	c.inFlight = future
	c.inFlightMu.Unlock()

	go func() {
		future.err = c.doFlush(ctx)

		c.inFlightMu.Lock()
		c.inFlight = nil
		c.updatesSinceFlush = 0
		c.inFlightMu.Unlock()

		close(future.done)
	}()

	return future
}

func (c *Cache) doFlush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := c.clock()

	c.mu.Lock()
	toFlush := c.cache
	c.cache = make(map[contenthash.ShortHash]slot)
	c.flushingCache = toFlush
	c.mu.Unlock()

	persisted, err := c.persistGeneration(ctx, toFlush)

	leftover := c.applyRetention(toFlush)

	growth := c.currentCacheLen()

	c.lastFlush = c.clock()

	c.log.Info("flushcache flush complete",
		"persisted", persisted,
		"leftover", leftover,
		"growth", growth,
		"duration", c.clock().Sub(start))

	return err
}

func (c *Cache) currentCacheLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.cache)
}

func (c *Cache) applyRetention(flushed map[contenthash.ShortHash]slot) int {
	if c.cfg.PreservePercentInMemory <= 0 {
		c.mu.Lock()
		c.flushingCache = make(map[contenthash.ShortHash]slot)
		c.mu.Unlock()

		return 0
	}

	keep := len(flushed) * c.cfg.PreservePercentInMemory / 100

	retained := make(map[contenthash.ShortHash]slot, keep)

	i := 0

	for k, v := range flushed {
		if i >= keep {
			break
		}

		retained[k] = v
		i++
	}

	c.mu.Lock()
	c.flushingCache = retained
	c.mu.Unlock()

	return len(retained)
}

func (c *Cache) persistGeneration(ctx context.Context, gen map[contenthash.ShortHash]slot) (int, error) {
	type kv struct {
		hash contenthash.ShortHash
		slot slot
	}

	items := make([]kv, 0, len(gen))
	for h, s := range gen {
		items = append(items, kv{hash: h, slot: s})
	}

	degree := c.cfg.DegreeOfParallelism
	if degree <= 0 {
		degree = 1
	}

	var persisted int

	var mu sync.Mutex

	persistOne := func(item kv) error {
		entry := item.slot.entry
		if item.slot.deleted {
			entry = cldb.Entry{}
		}

		if err := c.persister.Store(item.hash, entry); err != nil {
			return err
		}

		mu.Lock()
		persisted++
		mu.Unlock()

		return nil
	}

	if c.cfg.SingleTransaction {
		return persisted, runChunked(ctx, items, c.cfg.TransactionSize, degree, persistOne)
	}

	return persisted, runParallel(ctx, items, degree, persistOne)
}

func runParallel[T any](ctx context.Context, items []T, degree int, fn func(T) error) error {
	sem := make(chan struct{}, degree)

	var wg sync.WaitGroup

	errCh := make(chan error, len(items))

	for _, item := range items {
		select {
		case <-ctx.Done():
			wg.Wait()

			return ctx.Err()
		default:
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(it); err != nil {
				errCh <- err
			}
		}(item)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}

	return nil
}

func runChunked[T any](ctx context.Context, items []T, chunkSize, degree int, fn func(T) error) error {
	if chunkSize <= 0 {
		chunkSize = len(items)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	for start := 0; start < len(items); start += chunkSize {
		end := min(start+chunkSize, len(items))

		if err := runParallel(ctx, items[start:end], degree, fn); err != nil {
			return err
		}
	}

	return nil
}
