package quota_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/quota"
	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

type fakeRemover struct {
	mu   sync.Mutex
	size map[contenthash.ShortHash]int64
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{size: make(map[contenthash.ShortHash]int64)}
}

func (f *fakeRemover) Remove(_ context.Context, hash contenthash.ShortHash) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := f.size[hash]
	delete(f.size, hash)

	return size, nil
}

func hashOf(b byte) contenthash.ShortHash {
	var h contenthash.ShortHash
	h[0] = b

	return h
}

// TestHardLimitEvictionOrdering implements spec.md §8 end-to-end scenario 5:
// three 10-byte reservations queue at the hard limit; evicting 10 bytes
// completes only the first.
func TestHardLimitEvictionOrdering(t *testing.T) {
	t.Parallel()

	remover := newFakeRemover()
	rule := quota.MaxSizeRule{HardBytes: 10, SoftPercent: 100, TargetPercent: 100}

	k := quota.New(quota.Config{
		Rules:   []quota.Rule{rule},
		Remover: remover,
	}, nil)
	defer k.Stop()

	ctx := context.Background()

	tx0, err := k.Reserve(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, tx0.Commit())
	k.Touch(hashOf(1), 10)
	remover.mu.Lock()
	remover.size[hashOf(1)] = 10
	remover.mu.Unlock()

	results := make(chan *quota.Transaction, 3)
	errs := make(chan error, 3)

	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tx, err := k.Reserve(ctx, 10)
			if err != nil {
				errs <- err

				return
			}

			results <- tx
		}()

		time.Sleep(10 * time.Millisecond) // keep arrival order deterministic for the FIFO assertion
	}

	wg.Wait()
	close(results)
	close(errs)

	completed := 0
	for range results {
		completed++
	}

	assert.Equal(t, 1, completed, "only one of the three queued reservations should complete after evicting 10 bytes")
}

// TestCalibrationRelaxesElasticRuleUnderPressure covers the boundary where a
// hard limit is exceeded but every failing rule is Calibratable: the
// reservation must succeed immediately via Relax rather than queueing for
// eviction.
func TestCalibrationRelaxesElasticRuleUnderPressure(t *testing.T) {
	t.Parallel()

	rule := quota.NewElasticSizeRule(100, 10, 90, 80) // hard limit starts at 10 bytes

	k := quota.New(quota.Config{
		Rules:   []quota.Rule{rule},
		Remover: newFakeRemover(),
	}, nil)
	defer k.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tx, err := k.Reserve(ctx, 50)
	require.NoError(t, err, "an elastic (calibratable) rule must relax rather than queue eviction")
	require.NoError(t, tx.Commit())

	rule.CalibrateAsync(50)
	assert.True(t, rule.IsInsideHardLimit(50))
}

func TestSeedAddsToAllContentSizeWithoutBlocking(t *testing.T) {
	t.Parallel()

	rule := quota.MaxSizeRule{HardBytes: 10, SoftPercent: 100, TargetPercent: 100}

	k := quota.New(quota.Config{
		Rules:   []quota.Rule{rule},
		Remover: newFakeRemover(),
	}, nil)
	defer k.Stop()

	k.Seed(hashOf(1), 100) // already exceeds the hard limit, must not block or evict
	assert.Equal(t, int64(100), k.AllContentSize())
}

func TestReserveAbortReleasesRequestedSize(t *testing.T) {
	t.Parallel()

	rule := quota.MaxSizeRule{HardBytes: 100, SoftPercent: 90, TargetPercent: 80}

	k := quota.New(quota.Config{
		Rules:   []quota.Rule{rule},
		Remover: newFakeRemover(),
	}, nil)
	defer k.Stop()

	ctx := context.Background()

	tx, err := k.Reserve(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	assert.Equal(t, int64(0), k.AllContentSize())
}
