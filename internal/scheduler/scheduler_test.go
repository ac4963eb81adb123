package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/buildmesh/internal/pipgraph"
	"github.com/Sumatoshi-tech/buildmesh/internal/scheduler"
	"github.com/Sumatoshi-tech/buildmesh/internal/worker"
)

type fixedSelector struct {
	w *worker.Worker
}

func (s *fixedSelector) SelectWorker(pipgraph.Pip) (*worker.Worker, bool) { return s.w, true }
func (s *fixedSelector) ReleaseWorker(*worker.Worker, pipgraph.Pip, int64, int64) {}

type recordingPublisher struct {
	published []pipgraph.PipId
}

func (p *recordingPublisher) PublishAvailable(pip pipgraph.Pip) {
	p.published = append(p.published, pip.ID)
}

func success() pipgraph.Result { return pipgraph.Result{Success: true} }

// scriptedExecutor always succeeds on every step except ExecuteProcess,
// whose outcome is driven by a caller-supplied sequence of exit codes.
type scriptedExecutor struct {
	exitCodes []int
	calls     int
}

func (e *scriptedExecutor) CacheLookup(context.Context, *worker.Worker, pipgraph.Pip) pipgraph.Result {
	return success()
}

func (e *scriptedExecutor) MaterializeInputs(context.Context, *worker.Worker, pipgraph.Pip) pipgraph.Result {
	return success()
}

func (e *scriptedExecutor) ExecuteProcess(context.Context, *worker.Worker, pipgraph.Pip) pipgraph.Result {
	code := e.exitCodes[e.calls]
	e.calls++

	return pipgraph.Result{Success: code == 0, ExitCode: code}
}

func (e *scriptedExecutor) PostProcess(context.Context, *worker.Worker, pipgraph.Pip) pipgraph.Result {
	return success()
}

func (e *scriptedExecutor) MaterializeOutputs(context.Context, *worker.Worker, pipgraph.Pip) pipgraph.Result {
	return success()
}

func newTestWorker() *worker.Worker {
	w := worker.New(worker.Capacity{
		TotalProcessSlots: 4,
		TotalRAMBytes:     1 << 30,
		TotalCommitBytes:  1 << 30,
	})
	w.Start()

	return w
}

// TestRetryOnExitCode implements spec.md §8 end-to-end scenario 6.
func TestRetryOnExitCode(t *testing.T) {
	t.Parallel()

	pip := pipgraph.Pip{
		ID:   1,
		Kind: pipgraph.KindProcess,
		Process: pipgraph.ProcessDetails{
			Weight:         1,
			RetryExitCodes: []int{42},
			ProcessRetries: 1,
		},
	}

	executor := &scriptedExecutor{exitCodes: []int{42, 0}}
	publisher := &recordingPublisher{}
	runner := scheduler.New(&fixedSelector{w: newTestWorker()}, executor, publisher, nil)

	outcome := runner.Run(context.Background(), pipgraph.NewRunnablePip(pip))

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Retries)
	assert.Equal(t, 2, executor.calls)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, pipgraph.PipId(1), publisher.published[0])
}

func TestTerminalFailureStopsWithoutRetry(t *testing.T) {
	t.Parallel()

	pip := pipgraph.Pip{
		ID:   2,
		Kind: pipgraph.KindProcess,
		Process: pipgraph.ProcessDetails{
			Weight:         1,
			RetryExitCodes: []int{42},
			ProcessRetries: 1,
		},
	}

	executor := &scriptedExecutor{exitCodes: []int{1}} // exit code not in RetryExitCodes
	runner := scheduler.New(&fixedSelector{w: newTestWorker()}, executor, &recordingPublisher{}, nil)

	outcome := runner.Run(context.Background(), pipgraph.NewRunnablePip(pip))

	assert.False(t, outcome.Success)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, 1, executor.calls)
}
