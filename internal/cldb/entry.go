// Package cldb implements the content-location database: a durable,
// checkpointable map from a short content hash to the set of machines
// holding that content, with per-hash last-access/size metadata.
package cldb

import (
	"errors"
	"time"

	"github.com/Sumatoshi-tech/buildmesh/pkg/machineset"
)

// ErrInvalidEntry is returned when an entry violates a data-model invariant.
var ErrInvalidEntry = errors.New("cldb: invalid entry")

// Entry is the durable record for one content hash: the machines that hold
// it, its size, and access/creation timestamps. An Entry whose Locations
// set is empty is semantically absent and must never be stored; callers
// construct it only transiently before deletion.
type Entry struct {
	Locations     machineset.Set
	ContentSize   int64
	LastAccessUtc time.Time
	CreationUtc   time.Time
}

// Validate checks the invariants spec.md assigns to an entry: non-negative
// size and LastAccessUtc no earlier than CreationUtc.
func (e Entry) Validate() error {
	if e.ContentSize < 0 {
		return ErrInvalidEntry
	}

	if e.LastAccessUtc.Before(e.CreationUtc) {
		return ErrInvalidEntry
	}

	return nil
}

// IsAbsent reports whether e represents a deleted/never-created entry.
func (e Entry) IsAbsent() bool {
	return e.Locations.IsEmpty()
}

// clone returns a value copy of e. Entry's only reference-like field is
// Locations, a machineset.Set, which is already immutable, so a shallow
// copy is a full deep copy.
func (e Entry) clone() Entry {
	return e
}

// RosterChecker reports whether a machine is currently considered part of
// the active cluster roster. CLDB never tracks roster membership itself;
// it is injected so entries returned to callers can have stale/decommissioned
// machines filtered out without CLDB depending on the roster service.
type RosterChecker interface {
	IsActive(id machineset.MachineId) bool
}

// AllActiveRoster treats every machine as active; useful for tests and for
// deployments with no separate roster service.
type AllActiveRoster struct{}

// IsActive implements RosterChecker.
func (AllActiveRoster) IsActive(machineset.MachineId) bool { return true }

// filterInactive returns a copy of loc with every machine the roster
// reports as inactive removed.
func filterInactive(roster RosterChecker, loc machineset.Set) machineset.Set {
	filtered := loc

	for _, id := range loc.ToSlice() {
		if !roster.IsActive(id) {
			filtered = filtered.SetExistence(id, false)
		}
	}

	return filtered
}
