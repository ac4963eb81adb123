package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// ErrQuotaExceeded is returned to a reservation whose purge pass evicted
// nothing further and still cannot satisfy the request.
var ErrQuotaExceeded = errors.New("quota: exceeded and no further content can be evicted")

// ReplicaChecker lets the purge loop confirm, for distributed eviction,
// that content being considered for local removal still exists on another
// machine before it is actually deleted. It is the Copier's verify
// operation, injected to avoid a dependency cycle.
type ReplicaChecker interface {
	ExistsElsewhere(ctx context.Context, hash contenthash.ShortHash) bool
}

// Remover performs the actual local deletion of content and reports bytes
// freed. Left injectable so tests never touch a real filesystem.
type Remover interface {
	Remove(ctx context.Context, hash contenthash.ShortHash) (freedBytes int64, err error)
}

// indexEntry tracks one locally-held piece of content for LRU eviction
// ordering.
type indexEntry struct {
	hash       contenthash.ShortHash
	size       int64
	lastAccess time.Time
}

// Config tunes the keeper's behavior.
type Config struct {
	Rules                      []Rule
	DistributedEvictionEnabled bool
	ReplicaChecker             ReplicaChecker
	Remover                    Remover
	Clock                      func() time.Time
}

// reservation is one in-flight reserve(size) request.
type reservation struct {
	size int64
	done chan reservationResult
}

type reservationResult struct {
	tx  *Transaction
	err error
}

// Keeper is the local content store's quota enforcement: reservation
// queue, eviction pairing, and the purge loop, per spec.md §4.4.
type Keeper struct {
	cfg Config
	log *slog.Logger

	allContentSize atomic.Int64
	requestedSize  atomic.Int64
	reservedSize   atomic.Int64

	indexMu sync.Mutex
	index   map[contenthash.ShortHash]indexEntry

	reserveCh chan *reservation

	evictionMu    sync.Mutex
	evictionQueue []*reservation

	purgeTrigger chan struct{}

	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
	purgeDoneCh chan struct{}
}

// New creates a Keeper and starts its reservation-processor and purge-loop
// goroutines.
func New(cfg Config, log *slog.Logger) *Keeper {
	if log == nil {
		log = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	k := &Keeper{
		cfg:          cfg,
		log:          log,
		index:        make(map[contenthash.ShortHash]indexEntry),
		reserveCh:    make(chan *reservation, 256),
		purgeTrigger: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		purgeDoneCh:  make(chan struct{}),
	}

	go k.processLoop()
	go k.purgeLoop()

	return k
}

// Stop terminates the keeper's background goroutines.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.doneCh
	<-k.purgeDoneCh
}

// AllContentSize returns the currently committed content size.
func (k *Keeper) AllContentSize() int64 { return k.allContentSize.Load() }

// Touch records or refreshes an indexed content entry, used after a
// reservation commits so the LRU index reflects what the local store
// actually holds.
func (k *Keeper) Touch(hash contenthash.ShortHash, size int64) {
	k.indexMu.Lock()
	defer k.indexMu.Unlock()

	k.index[hash] = indexEntry{hash: hash, size: size, lastAccess: k.cfg.Clock()}
}

// Seed registers content that already exists on disk with the keeper,
// bypassing the reservation queue: used once at startup to reconcile
// in-memory accounting with a local content directory after a restart,
// where the content isn't a new allocation request and must never be
// blocked or evicted against itself.
func (k *Keeper) Seed(hash contenthash.ShortHash, size int64) {
	k.allContentSize.Add(size)
	k.Touch(hash, size)
}

// Reserve enqueues a reservation for size bytes and blocks until the
// reservation queue processor + (if necessary) eviction produce a
// Transaction, or ctx is canceled.
func (k *Keeper) Reserve(ctx context.Context, size int64) (*Transaction, error) {
	k.requestedSize.Add(size)

	req := &reservation{size: size, done: make(chan reservationResult, 1)}

	select {
	case k.reserveCh <- req:
	case <-ctx.Done():
		k.requestedSize.Add(-size)

		return nil, ctx.Err()
	}

	select {
	case result := <-req.done:
		return result.tx, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transaction is a reservation that has been granted but not yet
// committed or aborted.
type Transaction struct {
	size         int64
	keeper       *Keeper
	fromEviction bool
	resolved     atomic.Bool
}

// Size returns the reserved byte count.
func (t *Transaction) Size() int64 { return t.size }

// Commit converts the reservation into actual content size.
func (t *Transaction) Commit() error {
	if !t.resolved.CompareAndSwap(false, true) {
		return errors.New("quota: transaction already resolved")
	}

	t.keeper.allContentSize.Add(t.size)
	t.keeper.requestedSize.Add(-t.size)

	if t.fromEviction {
		t.keeper.reservedSize.Add(-t.size)
	}

	return nil
}

// Abort releases the reservation without adding to content size.
func (t *Transaction) Abort() error {
	if !t.resolved.CompareAndSwap(false, true) {
		return errors.New("quota: transaction already resolved")
	}

	t.keeper.requestedSize.Add(-t.size)

	if t.fromEviction {
		t.keeper.reservedSize.Add(-t.size)
	}

	return nil
}

func (k *Keeper) processLoop() {
	defer close(k.doneCh)

	for {
		select {
		case req := <-k.reserveCh:
			k.handleReservation(req)
		case <-k.stopCh:
			return
		}
	}
}

func (k *Keeper) handleReservation(req *reservation) {
	projected := k.allContentSize.Load() + req.size

	failingHard := k.rulesFailing(func(r Rule) bool { return !r.IsInsideHardLimit(projected) })

	if len(failingHard) > 0 {
		if k.allCalibratable(failingHard) {
			for _, r := range failingHard {
				r.(Calibratable).Relax() //nolint:forcetypeassert // allCalibratable guarantees this
			}

			req.done <- reservationResult{tx: &Transaction{size: req.size, keeper: k}}

			return
		}

		k.enqueueEviction(req)
		k.triggerPurge()

		return
	}

	if len(k.rulesFailing(func(r Rule) bool { return !r.IsInsideSoftLimit(projected) })) > 0 {
		k.triggerPurge()
	}

	req.done <- reservationResult{tx: &Transaction{size: req.size, keeper: k}}
}

func (k *Keeper) rulesFailing(pred func(Rule) bool) []Rule {
	var out []Rule

	for _, r := range k.cfg.Rules {
		if pred(r) {
			out = append(out, r)
		}
	}

	return out
}

func (k *Keeper) allCalibratable(rules []Rule) bool {
	for _, r := range rules {
		if _, ok := r.(Calibratable); !ok {
			return false
		}
	}

	return len(rules) > 0
}

func (k *Keeper) enqueueEviction(req *reservation) {
	k.evictionMu.Lock()
	k.evictionQueue = append(k.evictionQueue, req)
	k.evictionMu.Unlock()
}

func (k *Keeper) triggerPurge() {
	select {
	case k.purgeTrigger <- struct{}{}:
	default:
	}
}

// onContentEvicted is called by the purge loop once freedBytes of content
// has actually been removed locally. It decreases allContentSize and, under
// the eviction lock, completes as many head-of-queue reservations as the
// freed space (tracked via reservedSize) allows without ever letting a
// later request's reservation overfulfill ahead of an earlier one.
func (k *Keeper) onContentEvicted(freedBytes int64) {
	k.allContentSize.Add(-freedBytes)

	k.evictionMu.Lock()
	defer k.evictionMu.Unlock()

	for len(k.evictionQueue) > 0 {
		head := k.evictionQueue[0]

		projectedReserved := k.reservedSize.Load() + head.size

		hardExceeded := false

		for _, r := range k.cfg.Rules {
			if !r.IsInsideHardLimit(k.allContentSize.Load() + projectedReserved) {
				hardExceeded = true

				break
			}
		}

		if hardExceeded {
			break
		}

		k.reservedSize.Add(head.size)
		k.evictionQueue = k.evictionQueue[1:]

		head.done <- reservationResult{tx: &Transaction{size: head.size, keeper: k, fromEviction: true}}
	}
}

func (k *Keeper) purgeLoop() {
	defer close(k.purgeDoneCh)

	for {
		select {
		case <-k.purgeTrigger:
			k.runPurgePass()
		case <-k.stopCh:
			return
		}
	}
}

func (k *Keeper) runPurgePass() {
	ctx := context.Background()

	for k.hasPendingEviction() {
		candidates := k.lruOrderedCandidates()
		if len(candidates) == 0 {
			k.failAllQueued(ErrQuotaExceeded)

			return
		}

		evictedAny := false

		for _, cand := range candidates {
			if !k.hasPendingEviction() {
				return
			}

			if k.cfg.DistributedEvictionEnabled && k.cfg.ReplicaChecker != nil {
				if !k.cfg.ReplicaChecker.ExistsElsewhere(ctx, cand.hash) {
					continue // unsafe to evict the only copy
				}
			}

			freed, err := k.removeOne(ctx, cand.hash)
			if err != nil {
				continue
			}

			evictedAny = true
			k.onContentEvicted(freed)
		}

		if !evictedAny {
			k.failAllQueued(ErrQuotaExceeded)

			return
		}
	}
}

func (k *Keeper) removeOne(ctx context.Context, hash contenthash.ShortHash) (int64, error) {
	k.indexMu.Lock()
	_, ok := k.index[hash]
	k.indexMu.Unlock()

	if !ok {
		return 0, fmt.Errorf("quota: unknown content %s", hash)
	}

	freed, err := k.cfg.Remover.Remove(ctx, hash)
	if err != nil {
		return 0, err
	}

	k.indexMu.Lock()
	delete(k.index, hash)
	k.indexMu.Unlock()

	k.log.Info("quota evicted content", "hash", hash.String(), "freed", humanize.Bytes(uint64(freed)))

	return freed, nil
}

func (k *Keeper) hasPendingEviction() bool {
	k.evictionMu.Lock()
	defer k.evictionMu.Unlock()

	return len(k.evictionQueue) > 0
}

func (k *Keeper) failAllQueued(err error) {
	k.evictionMu.Lock()
	queued := k.evictionQueue
	k.evictionQueue = nil
	k.evictionMu.Unlock()

	for _, req := range queued {
		req.done <- reservationResult{err: err}
	}
}

// lruOrderedCandidates returns locally indexed content from least to most
// recently used.
func (k *Keeper) lruOrderedCandidates() []indexEntry {
	k.indexMu.Lock()
	defer k.indexMu.Unlock()

	out := make([]indexEntry, 0, len(k.index))
	for _, e := range k.index {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].lastAccess.Before(out[j].lastAccess) })

	return out
}
