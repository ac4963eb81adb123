package pipgraph

import "sync/atomic"

// Step identifies a stage in a pip's execution lifecycle. Steps advance
// monotonically; a step may only repeat when the scheduler retries the
// whole attempt.
type Step int

// Execution steps, in the order a Process pip advances through them.
const (
	StepCacheLookup Step = iota
	StepMaterializeInputs
	StepExecuteProcess
	StepPostProcess
	StepMaterializeOutputs
	StepDone
)

// String renders a Step for logging/tracing span names.
func (s Step) String() string {
	switch s {
	case StepCacheLookup:
		return "CacheLookup"
	case StepMaterializeInputs:
		return "MaterializeInputs"
	case StepExecuteProcess:
		return "ExecuteProcess"
	case StepPostProcess:
		return "PostProcess"
	case StepMaterializeOutputs:
		return "MaterializeOutputs"
	case StepDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Next returns the step that follows s in the canonical Process sequence,
// and whether s was already terminal.
func (s Step) Next() (Step, bool) {
	if s >= StepDone {
		return StepDone, false
	}

	return s + 1, true
}

// Result captures the outcome of one execution step.
type Result struct {
	Success  bool
	ExitCode int
	Err      error
	// Canceled distinguishes a cooperative cancellation from a failure;
	// cancellation never counts toward the retry budget.
	Canceled bool
}

// RunnablePip is the mutable per-execution envelope around a Pip. A single
// RunnablePip instance is never accessed concurrently by more than one
// worker: the scheduler guarantees steps run strictly in order on one
// worker before the next attempt (possibly on a different worker) begins.
type RunnablePip struct {
	Pip Pip

	step          atomic.Int32 // Step, stored atomically for lock-free reads by status reporters.
	assignedOnce  atomic.Bool
	AssignedModel string // opaque worker identity the scheduler last assigned

	attempt atomic.Int32

	LastResult Result
}

// NewRunnablePip creates a fresh envelope at StepCacheLookup, attempt 0.
func NewRunnablePip(pip Pip) *RunnablePip {
	rp := &RunnablePip{Pip: pip}
	rp.step.Store(int32(StepCacheLookup))

	return rp
}

// Step returns the current execution step.
func (rp *RunnablePip) Step() Step {
	return Step(rp.step.Load())
}

// Advance moves the envelope to the given step. It is the scheduler's
// responsibility to call this only with the value returned by Step.Next.
func (rp *RunnablePip) Advance(next Step) {
	rp.step.Store(int32(next))
}

// Attempt returns the current (1-based) attempt counter.
func (rp *RunnablePip) Attempt() int {
	return int(rp.attempt.Load())
}

// BeginAttempt increments and returns the new attempt counter, resetting
// the step back to StepCacheLookup for the retry.
func (rp *RunnablePip) BeginAttempt(assignedModel string) int {
	rp.step.Store(int32(StepCacheLookup))
	rp.AssignedModel = assignedModel
	rp.assignedOnce.Store(true)

	return int(rp.attempt.Add(1))
}

// ShouldRetry decides whether a failed Process execution should be retried,
// given the pip's declared retry-exit-codes and remaining retry budget.
func (rp *RunnablePip) ShouldRetry(exitCode int) bool {
	if rp.Pip.Kind != KindProcess {
		return false
	}

	if rp.Attempt() > rp.Pip.Process.ProcessRetries {
		return false
	}

	for _, code := range rp.Pip.Process.RetryExitCodes {
		if code == exitCode {
			return true
		}
	}

	return false
}
