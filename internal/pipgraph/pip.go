// Package pipgraph defines the DAG work-unit data model consumed by the
// scheduler: pips, their execution steps, and the mutable per-execution
// envelope (RunnablePip) that tracks a pip through one attempt.
//
// Graph construction rules (how pips come to be connected, fingerprint
// computation) are out of scope per the design this package implements;
// only the shapes the scheduler and workers consume are defined here.
package pipgraph

import (
	"errors"
	"hash/fnv"
	"time"

	"github.com/Sumatoshi-tech/buildmesh/pkg/contenthash"
)

// PipId identifies a pip within a graph fragment.
type PipId uint64

// Kind discriminates the pip variants of spec.md's data model.
type Kind int

// Pip variants.
const (
	KindProcess Kind = iota
	KindCopyFile
	KindWriteFile
	KindSealDirectory
	KindIpc
	KindModule
	KindSpecFile
	KindValue
	KindHashSourceFile
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "Process"
	case KindCopyFile:
		return "CopyFile"
	case KindWriteFile:
		return "WriteFile"
	case KindSealDirectory:
		return "SealDirectory"
	case KindIpc:
		return "Ipc"
	case KindModule:
		return "Module"
	case KindSpecFile:
		return "SpecFile"
	case KindValue:
		return "Value"
	case KindHashSourceFile:
		return "HashSourceFile"
	default:
		return "Unknown"
	}
}

// ErrSharedOpaqueDirectory is returned when a SealDirectory pip attempts to
// seal a shared-opaque directory; this is an explicitly unsupported
// combination carried over from the source design.
var ErrSharedOpaqueDirectory = errors.New("pipgraph: shared-opaque directories are not supported")

// FileArtifact identifies a materialized file by path and expected content.
type FileArtifact struct {
	Path string
	Hash contenthash.Hash
}

// DirectoryArtifact identifies a sealed directory by root path and the
// (ordered) file members sealed under it.
type DirectoryArtifact struct {
	RootPath string
	Members  []FileArtifact
	// SharedOpaque marks a directory whose members are discovered rather
	// than statically declared. Sealing one is unsupported (ErrSharedOpaqueDirectory).
	SharedOpaque bool
}

// ProcessDetails carries the fields specific to a Process pip.
type ProcessDetails struct {
	Weight             int // slot count consumed on a worker
	ExpectedMemoryMb   int64
	ExpectedCommitMb   int64
	RetryExitCodes     []int
	ProcessRetries     int
	Timeout            time.Duration
	WorkingDirectory   string
	Environment        map[string]string
	DeclaredInputs     []FileArtifact
	DeclaredOutputs    []FileArtifact
	DeclaredDirOutputs []DirectoryArtifact
}

// Pip is a single DAG node. Exactly one of the *Details fields is
// meaningful, selected by Kind; this mirrors the tagged-union style the
// teacher repository uses for checkpoint metadata variants
// (internal/checkpoint.AggregatorSpillEntry / Metadata).
type Pip struct {
	ID   PipId
	Kind Kind

	// Process is populated when Kind == KindProcess.
	Process ProcessDetails

	// CopySource/CopyDestination are populated for KindCopyFile.
	CopySource      FileArtifact
	CopyDestination FileArtifact

	// WriteDestination and WriteContent are populated for KindWriteFile.
	WriteDestination FileArtifact
	WriteContent     []byte

	// SealDirectory is populated for KindSealDirectory.
	SealDirectory DirectoryArtifact

	// ServiceID names the Ipc service pip's moniker for KindIpc.
	ServiceID string

	// ModuleName/SpecPath are populated for KindModule/KindSpecFile.
	ModuleName string
	SpecPath   string

	// ValueName/ValueHash are populated for KindValue/KindHashSourceFile.
	ValueName string
	ValueHash contenthash.Hash
}

// SemiStableHash returns a dedup key stable across graph fragments that
// describe the same logical work, independent of PipId renumbering. It is
// computed over the pip's kind and its declared static content, not over
// its identity or upstream dependency edges.
func (p Pip) SemiStableHash() uint64 {
	h := fnv.New64a()

	write := func(b []byte) {
		_, _ = h.Write(b)
	}

	write([]byte{byte(p.Kind)})

	switch p.Kind {
	case KindProcess:
		write([]byte(p.Process.WorkingDirectory))

		for _, in := range p.Process.DeclaredInputs {
			write([]byte(in.Path))
			write(in.Hash[:])
		}
	case KindCopyFile:
		write([]byte(p.CopySource.Path))
		write([]byte(p.CopyDestination.Path))
	case KindWriteFile:
		write([]byte(p.WriteDestination.Path))
		write(p.WriteContent)
	case KindSealDirectory:
		write([]byte(p.SealDirectory.RootPath))
	case KindIpc:
		write([]byte(p.ServiceID))
	case KindModule:
		write([]byte(p.ModuleName))
	case KindSpecFile:
		write([]byte(p.SpecPath))
	case KindValue, KindHashSourceFile:
		write([]byte(p.ValueName))
		write(p.ValueHash[:])
	}

	return h.Sum64()
}

// Validate checks invariants that are cheap to verify statically, in
// particular the shared-opaque-directory restriction.
func (p Pip) Validate() error {
	if p.Kind == KindSealDirectory && p.SealDirectory.SharedOpaque {
		return ErrSharedOpaqueDirectory
	}

	return nil
}
