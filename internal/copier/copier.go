// Package copier implements the Distributed Content Copier: a
// retry/backoff walk across replicas with reputation tracking and
// I/O-concurrency gates, grounded on the teacher repository's
// internal/streaming.Planner chunk/retry shape and its use of bounded
// worker-pool gates elsewhere in internal/framework.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
	"github.com/Sumatoshi-tech/buildmesh/pkg/machineset"
)

var tracer = otel.Tracer("buildmesh/copier")

// Outcome is the result of one replica copy attempt, per spec.md §7's
// error-kind table.
type Outcome int

const (
	// OutcomeSuccess means the content was copied and (if checked)
	// verified.
	OutcomeSuccess Outcome = iota
	OutcomeFileNotFound
	OutcomeSourcePathError
	OutcomeDestinationPathError
	OutcomeCopyTimeout
	OutcomeBandwidthTimeout
	OutcomeInvalidHash
	OutcomeUnknown
)

// String renders the outcome for logs and tests.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeFileNotFound:
		return "FileNotFound"
	case OutcomeSourcePathError:
		return "SourcePathError"
	case OutcomeDestinationPathError:
		return "DestinationPathError"
	case OutcomeCopyTimeout:
		return "CopyTimeout"
	case OutcomeBandwidthTimeout:
		return "BandwidthTimeout"
	case OutcomeInvalidHash:
		return "InvalidHash"
	default:
		return "Unknown"
	}
}

// Reputation is the per-replica standing tracked across attempts.
type Reputation int

const (
	ReputationGood Reputation = iota
	ReputationBad
	ReputationMissing
	ReputationTimeout
)

// String renders the reputation for logs and tests.
func (r Reputation) String() string {
	switch r {
	case ReputationGood:
		return "Good"
	case ReputationBad:
		return "Bad"
	case ReputationMissing:
		return "Missing"
	case ReputationTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ErrMaxRetry is returned by the walk once total attempts exceed
// maxRetryCount.
var ErrMaxRetry = errors.New("copier: max retry count exceeded")

// ErrAllReplicasMissing is returned once every replica has been reported
// missing; the walk stops rather than retrying.
var ErrAllReplicasMissing = errors.New("copier: all replicas reported missing")

// Replica is one candidate source for a piece of content.
type Replica struct {
	MachineID machineset.MachineId
}

// Transfer is the copy primitive the Copier drives per replica. Real
// implementations open an RPC stream (internal/rpcmsg); tests substitute a
// scripted fake.
type Transfer interface {
	Copy(ctx context.Context, replica Replica, hash contenthash.Hash, dest io.Writer) (reportedSize int64, outcome Outcome, err error)
}

// Placement receives the copied temp file and decides where it lives
// permanently. It returns the hash actually observed so the walk can
// detect corruption, and whether it took ownership of the temp path
// (suppressing the Copier's own cleanup).
type Placement interface {
	Place(ctx context.Context, tempPath string, expected contenthash.Hash) (observed contenthash.Hash, moved bool, err error)
}

// ReputationTracker records outcomes per replica across the Copier's
// lifetime, independent of any single walk.
type ReputationTracker interface {
	Record(machineID machineset.MachineId, rep Reputation)
}

// Config tunes retry/backoff and concurrency behavior.
type Config struct {
	RetryIntervals                   []time.Duration
	MaxRetryCount                    int
	MaxConcurrentCopyOperations      int
	MaxConcurrentProactiveOperations int
	ProactiveTimeout                 time.Duration
	TrustedHashSizeBoundary          int64
	BlobInlineBoundary               int64
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		RetryIntervals:                    []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		MaxRetryCount:                     10,
		MaxConcurrentCopyOperations:       8,
		MaxConcurrentProactiveOperations:  4,
		ProactiveTimeout:                  30 * time.Second,
		TrustedHashSizeBoundary:           64 << 20,
		BlobInlineBoundary:                64 << 10,
	}
}

// Copier walks a replica list with retry/backoff, gated I/O concurrency,
// and reputation tracking.
type Copier struct {
	cfg        Config
	transfer   Transfer
	placement  Placement
	reputation ReputationTracker
	log        *slog.Logger
	rng        func() float64

	copyGate      chan struct{}
	proactiveGate chan struct{}
}

// New creates a Copier.
func New(cfg Config, transfer Transfer, placement Placement, reputation ReputationTracker, log *slog.Logger) *Copier {
	if log == nil {
		log = slog.Default()
	}

	if cfg.MaxConcurrentCopyOperations <= 0 {
		cfg.MaxConcurrentCopyOperations = 1
	}

	if cfg.MaxConcurrentProactiveOperations <= 0 {
		cfg.MaxConcurrentProactiveOperations = 1
	}

	return &Copier{
		cfg:           cfg,
		transfer:      transfer,
		placement:     placement,
		reputation:    reputation,
		log:           log,
		rng:           rand.Float64,
		copyGate:      make(chan struct{}, cfg.MaxConcurrentCopyOperations),
		proactiveGate: make(chan struct{}, cfg.MaxConcurrentProactiveOperations),
	}
}

type replicaState struct {
	missing    bool
	lastFailed time.Time
}

// TempWriter opens the bounded-working-directory temp destination for a
// copy attempt and reports its final path. Injected so tests never touch a
// real filesystem.
type TempWriter interface {
	Open(ctx context.Context, hash contenthash.Hash) (w io.WriteCloser, path string, err error)
	Remove(path string) error
}

// Fetch runs the retry/walk algorithm of spec.md §4.5 against replicas,
// invoking placement exactly once per successful copy.
func (c *Copier) Fetch(ctx context.Context, hash contenthash.Hash, expectedSize int64, replicas []Replica, temp TempWriter) error {
	ctx, span := tracer.Start(ctx, "copier.Fetch", trace.WithAttributes(attribute.String("hash", hash.String())))
	defer span.End()

	states := make(map[machineset.MachineId]*replicaState, len(replicas))
	for _, r := range replicas {
		states[r.MachineID] = &replicaState{}
	}

	totalAttempts := 0

	for attempt := 0; attempt <= len(c.cfg.RetryIntervals); attempt++ {
		for _, replica := range replicas {
			state := states[replica.MachineID]
			if state.missing {
				continue
			}

			if totalAttempts >= c.cfg.MaxRetryCount {
				return ErrMaxRetry
			}

			if !state.lastFailed.IsZero() {
				delay := c.jitteredDelay(attempt)
				if remaining := delay - time.Since(state.lastFailed); remaining > 0 {
					select {
					case <-time.After(remaining):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			totalAttempts++

			ok, err := c.attemptReplica(ctx, replica, state, hash, expectedSize, temp)
			if err != nil {
				return err
			}

			if ok {
				return nil
			}
		}

		if c.allMissing(states) {
			return ErrAllReplicasMissing
		}

		if attempt < len(c.cfg.RetryIntervals) {
			select {
			case <-time.After(c.jitteredDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return ErrMaxRetry
}

func (c *Copier) allMissing(states map[machineset.MachineId]*replicaState) bool {
	for _, s := range states {
		if !s.missing {
			return false
		}
	}

	return len(states) > 0
}

func (c *Copier) jitteredDelay(attempt int) time.Duration {
	idx := attempt
	if idx >= len(c.cfg.RetryIntervals) {
		idx = len(c.cfg.RetryIntervals) - 1
	}

	if idx < 0 {
		return 0
	}

	base := c.cfg.RetryIntervals[idx]
	factor := 0.5 + c.rng()

	return time.Duration(float64(base) * factor)
}

// attemptReplica performs one copy+placement attempt and reports whether
// the overall Fetch is done (success).
func (c *Copier) attemptReplica(ctx context.Context, replica Replica, state *replicaState, hash contenthash.Hash, expectedSize int64, temp TempWriter) (bool, error) {
	select {
	case c.copyGate <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-c.copyGate }()

	w, path, err := temp.Open(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("copier: open temp destination: %w", err)
	}

	var dest io.Writer = w
	if expectedSize > 0 && expectedSize <= c.cfg.TrustedHashSizeBoundary {
		dest = newHashingWriter(w)
	}

	reportedSize, outcome, copyErr := c.transfer.Copy(ctx, replica, hash, dest)
	_ = w.Close()

	if errors.Is(copyErr, context.Canceled) {
		_ = temp.Remove(path)

		return false, copyErr
	}

	switch outcome {
	case OutcomeFileNotFound:
		state.missing = true
		c.report(replica.MachineID, ReputationMissing)
		_ = temp.Remove(path)

		return false, nil
	case OutcomeSourcePathError:
		state.lastFailed = time.Now()
		c.report(replica.MachineID, ReputationBad)
		_ = temp.Remove(path)

		return false, nil
	case OutcomeDestinationPathError:
		_ = temp.Remove(path)

		return false, fmt.Errorf("copier: destination path error: %w", copyErr)
	case OutcomeCopyTimeout, OutcomeBandwidthTimeout:
		state.lastFailed = time.Now()
		c.report(replica.MachineID, ReputationTimeout)
		_ = temp.Remove(path)

		return false, nil
	case OutcomeUnknown:
		state.lastFailed = time.Now()
		_ = temp.Remove(path)

		return false, nil
	}

	if expectedSize > 0 && reportedSize != expectedSize {
		_ = temp.Remove(path)

		return false, nil // skip without blaming the replica
	}

	if hw, ok := dest.(*hashingWriter); ok {
		if hw.Sum() != hash {
			state.lastFailed = time.Now()
			c.report(replica.MachineID, ReputationBad)
			_ = temp.Remove(path)

			return false, nil
		}
	}

	observed, moved, placeErr := c.placement.Place(ctx, path, hash)
	if placeErr != nil {
		_ = temp.Remove(path)

		return false, fmt.Errorf("copier: placement failed: %w", placeErr)
	}

	if observed != hash {
		c.report(replica.MachineID, ReputationBad)
		_ = temp.Remove(path)

		return false, nil
	}

	if !moved {
		_ = temp.Remove(path)
	}

	c.report(replica.MachineID, ReputationGood)

	return true, nil
}

func (c *Copier) report(id machineset.MachineId, rep Reputation) {
	if c.reputation != nil {
		c.reputation.Record(id, rep)
	}
}

// Existence is the per-replica result of a Verify call.
type Existence int

const (
	ExistencePresent Existence = iota
	ExistenceAbsent
	ExistenceUnknown
)

// ExistenceChecker queries a single replica for a hash's presence.
type ExistenceChecker interface {
	CheckExists(ctx context.Context, replica Replica, hash contenthash.Hash) (bool, error)
}

// Verify queries every replica's existence in parallel under the copy
// gate with a bounded timeout, never failing the overall call on a
// per-replica error.
func (c *Copier) Verify(ctx context.Context, checker ExistenceChecker, hash contenthash.Hash, replicas []Replica, timeout time.Duration) map[machineset.MachineId]Existence {
	results := make(map[machineset.MachineId]Existence, len(replicas))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, replica := range replicas {
		wg.Add(1)

		go func(r Replica) {
			defer wg.Done()

			select {
			case c.copyGate <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				results[r.MachineID] = ExistenceUnknown
				mu.Unlock()

				return
			}
			defer func() { <-c.copyGate }()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			exists, err := checker.CheckExists(callCtx, r, hash)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				results[r.MachineID] = ExistenceUnknown
			case exists:
				results[r.MachineID] = ExistencePresent
			default:
				results[r.MachineID] = ExistenceAbsent
			}
		}(replica)
	}

	wg.Wait()

	return results
}

// PushTarget performs a proactive push of hash to target, invoked under the
// proactive I/O gate separate from pull traffic.
type PushTarget interface {
	PushFile(ctx context.Context, hash contenthash.Hash, streamFactory func() (io.Reader, error)) error
}

// PushFile proactively pushes hash to a target under the proactive gate
// with a per-call timeout.
func (c *Copier) PushFile(ctx context.Context, target PushTarget, hash contenthash.Hash, streamFactory func() (io.Reader, error)) error {
	select {
	case c.proactiveGate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.proactiveGate }()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProactiveTimeout)
	defer cancel()

	return target.PushFile(callCtx, hash, streamFactory)
}

// RequestTarget asks a remote to pull a hash from this node.
type RequestTarget interface {
	RequestCopyFile(ctx context.Context, hash contenthash.Hash) error
}

// RequestCopyFile proactively asks target to pull hash, under the
// proactive gate with a per-call timeout.
func (c *Copier) RequestCopyFile(ctx context.Context, target RequestTarget, hash contenthash.Hash) error {
	select {
	case c.proactiveGate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.proactiveGate }()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProactiveTimeout)
	defer cancel()

	return target.RequestCopyFile(callCtx, hash)
}
