// Package scheduler implements the Pip Runner: advancing each pip through
// its execution steps while respecting worker capacity, resource
// availability, and dependency ordering, grounded on the teacher
// repository's internal/framework.Runner step-chain shape (Run ->
// processCommits -> per-item step dispatch) generalized from a fixed
// analyzer pipeline to the spec's CacheLookup/MaterializeInputs/
// ExecuteProcess/PostProcess/MaterializeOutputs step chain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/buildmesh/internal/pipgraph"
	"github.com/Sumatoshi-tech/buildmesh/internal/worker"
)

const tracerName = "buildmesh/scheduler"

// ErrUnknownStep is a structural violation, per spec.md §7's fatal
// assertion treatment of unknown pip/step shapes.
var ErrUnknownStep = errors.New("scheduler: unknown step")

// StepExecutor performs the concrete work of one execution step against a
// worker. Local and remote implementations differ only in here; the
// Runner's step-chain logic is identical either way.
type StepExecutor interface {
	CacheLookup(ctx context.Context, w *worker.Worker, pip pipgraph.Pip) pipgraph.Result
	MaterializeInputs(ctx context.Context, w *worker.Worker, pip pipgraph.Pip) pipgraph.Result
	ExecuteProcess(ctx context.Context, w *worker.Worker, pip pipgraph.Pip) pipgraph.Result
	PostProcess(ctx context.Context, w *worker.Worker, pip pipgraph.Pip) pipgraph.Result
	MaterializeOutputs(ctx context.Context, w *worker.Worker, pip pipgraph.Pip) pipgraph.Result
}

// WorkerSelector chooses which worker should run a pip, preferring one
// already holding the content per spec.md §4.7 step 1.
type WorkerSelector interface {
	// SelectWorker returns the chosen worker and whether acquisition
	// succeeded; ok is false if no worker can currently accept the pip.
	SelectWorker(pip pipgraph.Pip) (w *worker.Worker, ok bool)
	ReleaseWorker(w *worker.Worker, pip pipgraph.Pip, memoryBytes, commitBytes int64)
}

// AvailabilityPublisher records that a pip's output content is now
// available, per spec.md §4.7 step 3.
type AvailabilityPublisher interface {
	PublishAvailable(pip pipgraph.Pip)
}

// Runner advances RunnablePips through their step chain.
type Runner struct {
	selector  WorkerSelector
	executor  StepExecutor
	publisher AvailabilityPublisher
	log       *slog.Logger
	tracer    trace.Tracer
}

// New creates a Runner.
func New(selector WorkerSelector, executor StepExecutor, publisher AvailabilityPublisher, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		selector:  selector,
		executor:  executor,
		publisher: publisher,
		log:       log,
		tracer:    otel.Tracer(tracerName),
	}
}

// RunOutcome is the terminal result of driving one pip to completion.
type RunOutcome struct {
	Success bool
	Retries int
	Err     error
}

// Run drives rp through its full step chain, retrying ExecuteProcess
// per the pip's retry-exit-codes, until it reaches StepDone or fails
// terminally.
func (r *Runner) Run(ctx context.Context, rp *pipgraph.RunnablePip) RunOutcome {
	ctx, span := r.tracer.Start(ctx, "scheduler.Run", trace.WithAttributes(attribute.Int64("pip.id", int64(rp.Pip.ID))))
	defer span.End()

	for {
		w, ok := r.selector.SelectWorker(rp.Pip)
		if !ok {
			return RunOutcome{Err: fmt.Errorf("scheduler: no worker available for pip %d", rp.Pip.ID)}
		}

		rp.BeginAttempt("")

		outcome := r.runOnce(ctx, rp, w)

		memBytes, commitBytes := w.DefaultMemory()
		r.selector.ReleaseWorker(w, rp.Pip, memBytes, commitBytes)

		if outcome.Success {
			return outcome
		}

		if outcome.Err != nil {
			return outcome
		}

		if !rp.ShouldRetry(rp.LastResult.ExitCode) {
			return outcome
		}

		r.log.Info("scheduler retrying pip", "pip_id", rp.Pip.ID, "attempt", rp.Attempt(), "exit_code", rp.LastResult.ExitCode)
	}
}

func (r *Runner) runOnce(ctx context.Context, rp *pipgraph.RunnablePip, w *worker.Worker) RunOutcome {
	for {
		step := rp.Step()
		if step == pipgraph.StepDone {
			return RunOutcome{Success: true, Retries: rp.Attempt() - 1}
		}

		result, err := r.dispatch(ctx, step, w, rp.Pip)
		if err != nil {
			return RunOutcome{Err: err}
		}

		rp.LastResult = result

		if !result.Success {
			if step == pipgraph.StepExecuteProcess {
				return RunOutcome{Retries: rp.Attempt() - 1}
			}

			return RunOutcome{Err: result.Err}
		}

		next, ok := step.Next()
		if !ok {
			return RunOutcome{Success: true, Retries: rp.Attempt() - 1}
		}

		rp.Advance(next)

		if next == pipgraph.StepDone {
			if r.publisher != nil {
				r.publisher.PublishAvailable(rp.Pip)
			}

			return RunOutcome{Success: true, Retries: rp.Attempt() - 1}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, step pipgraph.Step, w *worker.Worker, pip pipgraph.Pip) (pipgraph.Result, error) {
	switch step {
	case pipgraph.StepCacheLookup:
		return r.executor.CacheLookup(ctx, w, pip), nil
	case pipgraph.StepMaterializeInputs:
		return r.executor.MaterializeInputs(ctx, w, pip), nil
	case pipgraph.StepExecuteProcess:
		return r.executor.ExecuteProcess(ctx, w, pip), nil
	case pipgraph.StepPostProcess:
		return r.executor.PostProcess(ctx, w, pip), nil
	case pipgraph.StepMaterializeOutputs:
		return r.executor.MaterializeOutputs(ctx, w, pip), nil
	default:
		return pipgraph.Result{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
}
