package worker_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/pipgraph"
	"github.com/Sumatoshi-tech/buildmesh/internal/worker"
)

func weightOnePip(id pipgraph.PipId) pipgraph.Pip {
	return pipgraph.Pip{
		ID:   id,
		Kind: pipgraph.KindProcess,
		Process: pipgraph.ProcessDetails{
			Weight: 1,
		},
	}
}

// TestSlotAcquisitionRace implements spec.md §8 end-to-end scenario 1.
func TestSlotAcquisitionRace(t *testing.T) {
	t.Parallel()

	w := worker.New(worker.Capacity{
		TotalProcessSlots: 2,
		TotalRAMBytes:     1 << 30,
		TotalCommitBytes:  1 << 30,
	})
	w.Start()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		acquired  int
		rejected  []worker.LimitingResource
	)

	for i := pipgraph.PipId(0); i < 3; i++ {
		wg.Add(1)

		go func(id pipgraph.PipId) {
			defer wg.Done()

			result := w.TryAcquire(weightOnePip(id), 1.0, 0, 0)

			mu.Lock()
			defer mu.Unlock()

			if result.Acquired {
				acquired++
			} else {
				rejected = append(rejected, result.Limiting)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 2, acquired, "exactly two of three weight-1 pips should acquire when totalProcessSlots=2")
	require.Len(t, rejected, 1)
	assert.Equal(t, worker.LimitingResourceAvailableProcessSlots, rejected[0])
}

func TestSingleProcessOverWeightExceptionRunsAlone(t *testing.T) {
	t.Parallel()

	w := worker.New(worker.Capacity{
		TotalProcessSlots: 2,
		TotalRAMBytes:     1 << 30,
		TotalCommitBytes:  1 << 30,
	})
	w.Start()

	heavy := pipgraph.Pip{Kind: pipgraph.KindProcess, Process: pipgraph.ProcessDetails{Weight: 5}}

	result := w.TryAcquire(heavy, 1.0, 0, 0)
	assert.True(t, result.Acquired, "a pip whose weight exceeds total may still run alone")

	second := w.TryAcquire(weightOnePip(1), 1.0, 0, 0)
	assert.False(t, second.Acquired, "no further process pip may run while the over-weight pip holds the worker")
	assert.Equal(t, worker.LimitingResourceAvailableProcessSlots, second.Limiting)
}

func TestReleaseResourcesFreesSlotsAndMemory(t *testing.T) {
	t.Parallel()

	w := worker.New(worker.Capacity{
		TotalProcessSlots: 1,
		TotalRAMBytes:     100,
		TotalCommitBytes:  200,
	})
	w.Start()

	pip := weightOnePip(1)

	result := w.TryAcquire(pip, 1.0, 50, 100)
	require.True(t, result.Acquired)
	assert.Equal(t, int64(1), w.AcquiredProcessSlots())

	w.ReleaseResources(pip, 50, 100)
	assert.Equal(t, int64(0), w.AcquiredProcessSlots())

	result = w.TryAcquire(pip, 1.0, 50, 100)
	assert.True(t, result.Acquired, "resources must be fully released for reacquisition")
}

func TestTryAcquireRAMLimited(t *testing.T) {
	t.Parallel()

	w := worker.New(worker.Capacity{
		TotalProcessSlots: 2,
		TotalRAMBytes:     10,
		TotalCommitBytes:  1 << 30,
	})
	w.Start()

	result := w.TryAcquire(weightOnePip(1), 1.0, 20, 0)
	assert.False(t, result.Acquired)
	assert.Equal(t, worker.LimitingResourceRAM, result.Limiting)
	assert.Equal(t, int64(0), w.AcquiredProcessSlots(), "a rejected acquisition must not leave a dangling slot")
}

func TestIPCSlotAlwaysAcquiresWhenAvailable(t *testing.T) {
	t.Parallel()

	w := worker.New(worker.Capacity{TotalIPCSlots: 1})
	w.Start()

	ipcPip := pipgraph.Pip{Kind: pipgraph.KindIpc}

	result := w.TryAcquire(ipcPip, 1.0, 0, 0)
	assert.True(t, result.Acquired)
	assert.Equal(t, int64(1), w.AcquiredIPCSlots())
}
