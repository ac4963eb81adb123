package cldb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// EntryOperation classifies what a GC pass did to an entry.
type EntryOperation int

// GC entry operations.
const (
	OpStore EntryOperation = iota
	OpDelete
)

// Reason records why an entry mutation happened, for tracing.
type Reason int

// GC reasons.
const (
	ReasonLocationAdded Reason = iota
	ReasonLocationRemoved
	ReasonContentTouched
	ReasonGarbageCollect
)

// gcEvent is one coalesced trace record.
type gcEvent struct {
	Hash contenthash.ShortHash
	Op   EntryOperation
	Reason Reason
}

// gcQueueCapacity bounds the coalescing channel; producers block past it,
// naturally backpressuring a GC pass that is outrunning the flush loop.
const gcQueueCapacity = 4096

// gcFlushInterval is the periodic flush trigger for the coalescing queue.
const gcFlushInterval = 2 * time.Second

// gcFlushBatchSize additionally triggers an eager flush once this many
// events have queued, so a burst doesn't wait out the full interval.
const gcFlushBatchSize = 256

// gcQueue batches (hash, EntryOperation, Reason) events with bounded
// parallelism and periodic flush, ordered best-effort. It backs the
// "garbage-collection coalescing" trace sink described in spec.md §4.1.
type gcQueue struct {
	log    *slog.Logger
	events chan gcEvent

	mu      sync.Mutex
	pending []gcEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCQueue(log *slog.Logger) *gcQueue {
	q := &gcQueue{
		log:    log,
		events: make(chan gcEvent, gcQueueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go q.run()

	return q
}

func (q *gcQueue) publish(e gcEvent) {
	select {
	case q.events <- e:
	case <-q.stopCh:
	}
}

func (q *gcQueue) run() {
	defer close(q.doneCh)

	ticker := time.NewTicker(gcFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-q.events:
			q.mu.Lock()
			q.pending = append(q.pending, e)
			shouldFlush := len(q.pending) >= gcFlushBatchSize
			q.mu.Unlock()

			if shouldFlush {
				q.flush()
			}
		case <-ticker.C:
			q.flush()
		case <-q.stopCh:
			q.flush()

			return
		}
	}
}

func (q *gcQueue) flush() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	q.log.Debug("cldb gc batch", "events", len(batch))
}

func (q *gcQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
}

// gcRunner drives periodic GC for a DB while it is writable.
type gcRunner struct {
	db       *DB
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartGC launches a background goroutine running GarbageCollect every
// interval, for as long as the DB remains writable. Call the returned
// stop function to terminate it; it is safe to call more than once.
func (db *DB) StartGC(ctx context.Context, interval time.Duration) (stop func()) {
	runner := &gcRunner{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go runner.loop(ctx)

	var once sync.Once

	return func() {
		once.Do(func() {
			close(runner.stopCh)
			<-runner.doneCh
		})
	}
}

func (r *gcRunner) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.db.IsWritable() {
				r.db.GarbageCollect()
			}
		}
	}
}

// GarbageCollect runs one GC pass: it iterates keys in sorted order,
// filtering inactive machines from each entry. An entry left with no
// active machines is deleted; an entry with some machines removed is
// rewritten. Metadata entries past their expiry are also removed. Each
// mutation is re-checked under the per-hash stripe lock immediately
// before writing, so a concurrent LocationAdded racing the GC pass is
// never lost.
func (db *DB) GarbageCollect() {
	if !db.IsWritable() {
		return
	}

	for _, hash := range db.EnumerateSortedKeys() {
		db.gcOne(hash)
	}

	db.gcMetadata()
}

func (db *DB) gcOne(hash contenthash.ShortHash) {
	mu := db.stripeFor(hash)
	mu.Lock()
	defer mu.Unlock()

	db.mapMu.RLock()
	entry, ok := db.data[hash]
	db.mapMu.RUnlock()

	if !ok {
		return
	}

	filtered := filterInactive(db.roster, entry.Locations)
	if filtered.Equal(entry.Locations) {
		return
	}

	entry.Locations = filtered

	if entry.IsAbsent() {
		db.storeLocked(hash, entry)
		db.gcEvents.publish(gcEvent{Hash: hash, Op: OpDelete, Reason: ReasonGarbageCollect})

		return
	}

	db.storeLocked(hash, entry)
	db.gcEvents.publish(gcEvent{Hash: hash, Op: OpStore, Reason: ReasonGarbageCollect})
}

func (db *DB) gcMetadata() {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()

	now := db.clock()

	for key, entry := range db.metadata {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(db.metadata, key)
		}
	}
}

// Close stops the GC coalescing queue. Callers that started a periodic GC
// via StartGC should call its stop function first.
func (db *DB) Close() {
	db.gcEvents.stop()
}
