// Package worker implements the per-machine execution slot/resource
// coordinator: a state machine tracking process/cache-lookup/IPC slot
// counters and RAM/commit semaphores, grounded on the teacher repository's
// internal/budget proportional-memory math (NativeLimitsForBudget) and
// pkg/units size constants for the default-memory formula.
package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sumatoshi-tech/buildmesh/internal/pipgraph"
)

var meter = otel.Meter("buildmesh/worker")

// State is the worker's lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String renders the state for logs and tests.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// LimitingResource identifies which counter blocked a tryAcquire call.
type LimitingResource int

const (
	LimitingResourceNone LimitingResource = iota
	LimitingResourceAvailableProcessSlots
	LimitingResourceRAM
	LimitingResourceCommit
	LimitingResourceNotAvailable
)

// String renders the limiting resource for logs and tests.
func (l LimitingResource) String() string {
	switch l {
	case LimitingResourceAvailableProcessSlots:
		return "AvailableProcessSlots"
	case LimitingResourceRAM:
		return "RAM"
	case LimitingResourceCommit:
		return "Commit"
	case LimitingResourceNotAvailable:
		return "NotAvailable"
	default:
		return "None"
	}
}

// AcquireResult is the outcome of a tryAcquire call.
type AcquireResult struct {
	Acquired bool
	Limiting LimitingResource
}

// Capacity is a worker's total, fixed-at-construction capacity.
type Capacity struct {
	TotalProcessSlots     int
	TotalCacheLookupSlots int
	TotalIPCSlots         int
	TotalRAMBytes         int64
	TotalCommitBytes      int64
	CPUCount              int
}

// percentageSemaphore is a resource counter expressed as a percentage of a
// fixed total (RAM, commit), matching the teacher's proportional-budget
// style of computing everything as a fraction of a configured total rather
// than a hardcoded absolute.
type percentageSemaphore struct {
	totalBytes atomic.Int64
	usedBytes  atomic.Int64
}

func newPercentageSemaphore(total int64) *percentageSemaphore {
	s := &percentageSemaphore{}
	s.totalBytes.Store(total)

	return s
}

func (s *percentageSemaphore) tryAcquire(bytes int64) bool {
	for {
		used := s.usedBytes.Load()
		total := s.totalBytes.Load()

		if used+bytes > total {
			return false
		}

		if s.usedBytes.CompareAndSwap(used, used+bytes) {
			return true
		}
	}
}

func (s *percentageSemaphore) release(bytes int64) {
	s.usedBytes.Add(-bytes)
}

// Worker coordinates slot and resource acquisition for one machine.
type Worker struct {
	cap Capacity

	state atomic.Int32

	acquiredProcessSlots     atomic.Int64
	acquiredCacheLookupSlots atomic.Int64
	acquiredIPCSlots         atomic.Int64

	ram    *percentageSemaphore
	commit *percentageSemaphore

	// earlyReleaseMu guards the read/write asymmetry of spec.md §4.6's
	// "early release": acquisitions hold the read side, early release
	// (which stops further acquisitions) holds the write side.
	earlyReleaseMu sync.RWMutex
	earlyReleased  bool

	processSlotGauge metric.Int64ObservableGauge
}

// New creates a Worker with the given capacity.
func New(cap Capacity) *Worker {
	if cap.CPUCount <= 0 {
		cap.CPUCount = runtime.NumCPU()
	}

	w := &Worker{
		cap:    cap,
		ram:    newPercentageSemaphore(cap.TotalRAMBytes),
		commit: newPercentageSemaphore(cap.TotalCommitBytes),
	}
	w.state.Store(int32(StateNotStarted))

	gauge, err := meter.Int64ObservableGauge("buildmesh.worker.acquired_process_slots",
		metric.WithDescription("Currently acquired process slots on this worker"),
		metric.WithUnit("{slot}"),
	)
	if err == nil {
		w.processSlotGauge = gauge

		_, _ = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, w.acquiredProcessSlots.Load())

			return nil
		}, gauge)
	}

	return w
}

// Start transitions NotStarted -> Running.
func (w *Worker) Start() {
	w.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning))
}

// Finish transitions to Stopped.
func (w *Worker) Finish() {
	w.state.Store(int32(StateStopped))
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// AcquiredProcessSlots returns the current count, for testing the
// spec.md §8 invariant that acquired-slot sums track in-flight steps.
func (w *Worker) AcquiredProcessSlots() int64 { return w.acquiredProcessSlots.Load() }

// AcquiredCacheLookupSlots returns the current count.
func (w *Worker) AcquiredCacheLookupSlots() int64 { return w.acquiredCacheLookupSlots.Load() }

// AcquiredIPCSlots returns the current count.
func (w *Worker) AcquiredIPCSlots() int64 { return w.acquiredIPCSlots.Load() }

// TryAcquireCacheLookup attempts to reserve one cache-lookup slot. If
// force is set, the slot is taken unconditionally (used when a pip has
// already committed to this worker and cannot be rerouted).
func (w *Worker) TryAcquireCacheLookup(force bool) bool {
	if !w.available() {
		return false
	}

	if force {
		w.acquiredCacheLookupSlots.Add(1)

		return true
	}

	for {
		acquired := w.acquiredCacheLookupSlots.Load()
		if acquired+1 > int64(w.cap.TotalCacheLookupSlots) {
			return false
		}

		if w.acquiredCacheLookupSlots.CompareAndSwap(acquired, acquired+1) {
			return true
		}
	}
}

// ReleaseCacheLookup releases one cache-lookup slot.
func (w *Worker) ReleaseCacheLookup() {
	w.acquiredCacheLookupSlots.Add(-1)
	w.maybeSignalDrain()
}

// DefaultMemory computes the default per-process memory/commit estimate
// for a pip with no execution history, per spec.md §4.6.
func (w *Worker) DefaultMemory() (memoryBytes, commitBytes int64) {
	denom := max(w.cap.TotalProcessSlots, w.cap.CPUCount)
	if denom <= 0 {
		denom = 1
	}

	memoryBytes = w.cap.TotalRAMBytes * 8 / 10 / int64(denom)
	commitBytes = memoryBytes * 3 / 2

	return memoryBytes, commitBytes
}

// ScaleHistorical applies the 1.05x slack factor to a historical memory
// observation.
func ScaleHistorical(observed int64) int64 {
	return observed * 105 / 100
}

// TryAcquire attempts to reserve whatever slot and resources pip requires,
// per spec.md §4.6's tryAcquire algorithm. loadFactor scales the
// effective total for remote/throttled workers; local callers pass 1.0.
func (w *Worker) TryAcquire(pip pipgraph.Pip, loadFactor float64, expectedMemoryBytes, expectedCommitBytes int64) AcquireResult {
	if !w.available() {
		return AcquireResult{Limiting: LimitingResourceNotAvailable}
	}

	if pip.Kind == pipgraph.KindIpc {
		w.acquiredIPCSlots.Add(1)

		return AcquireResult{Acquired: true}
	}

	if pip.Kind != pipgraph.KindProcess {
		return AcquireResult{Acquired: true}
	}

	weight := max(pip.Process.Weight, 1)
	effectiveTotal := float64(w.cap.TotalProcessSlots) * loadFactor

	for {
		acquired := w.acquiredProcessSlots.Load()

		// Single-process-over-weight exception: a pip whose weight alone
		// exceeds the effective total may still run, but only while no
		// other process pip holds a slot on this worker.
		if acquired != 0 && float64(acquired+int64(weight)) > effectiveTotal {
			return AcquireResult{Limiting: LimitingResourceAvailableProcessSlots}
		}

		if !w.acquiredProcessSlots.CompareAndSwap(acquired, acquired+int64(weight)) {
			continue
		}

		memBytes := expectedMemoryBytes
		commitBytes := expectedCommitBytes

		if memBytes <= 0 {
			memBytes, commitBytes = w.DefaultMemory()
		}

		if !w.ram.tryAcquire(memBytes) {
			w.acquiredProcessSlots.Add(-int64(weight))

			return AcquireResult{Limiting: LimitingResourceRAM}
		}

		if !w.commit.tryAcquire(commitBytes) {
			w.ram.release(memBytes)
			w.acquiredProcessSlots.Add(-int64(weight))

			return AcquireResult{Limiting: LimitingResourceCommit}
		}

		return AcquireResult{Acquired: true}
	}
}

// ReleaseResources releases the slot and semaphore resources a
// successful TryAcquire reserved for pip, and signals drain completion
// if the worker has no remaining acquired slots and is Stopping.
func (w *Worker) ReleaseResources(pip pipgraph.Pip, memoryBytes, commitBytes int64) {
	switch pip.Kind {
	case pipgraph.KindIpc:
		w.acquiredIPCSlots.Add(-1)
	case pipgraph.KindProcess:
		weight := max(pip.Process.Weight, 1)
		w.acquiredProcessSlots.Add(-int64(weight))
		w.ram.release(memoryBytes)
		w.commit.release(commitBytes)
	}

	w.maybeSignalDrain()
}

// BeginEarlyRelease records that this worker should accept no further
// acquisitions, held under the write side of earlyReleaseMu so any
// in-flight acquire (read side) completes first.
func (w *Worker) BeginEarlyRelease() {
	w.earlyReleaseMu.Lock()
	defer w.earlyReleaseMu.Unlock()

	w.earlyReleased = true
	w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

func (w *Worker) available() bool {
	w.earlyReleaseMu.RLock()
	defer w.earlyReleaseMu.RUnlock()

	return !w.earlyReleased
}

func (w *Worker) maybeSignalDrain() {
	if w.State() != StateStopping {
		return
	}

	if w.acquiredProcessSlots.Load() == 0 && w.acquiredCacheLookupSlots.Load() == 0 && w.acquiredIPCSlots.Load() == 0 {
		w.state.CompareAndSwap(int32(StateStopping), int32(StateStopped))
	}
}
