// Package machineset provides an immutable, ordered set of machine ids.
// Values are never mutated in place: every modification returns a new Set,
// so readers holding an older Set never observe a torn or partial update.
// This mirrors the copy-on-write helpers in the teacher repository's
// pkg/alg/mapx package, applied to a sorted-slice set instead of a map.
package machineset

import "slices"

// MachineId is a small integer index into the cluster roster.
type MachineId int32

// Set is an immutable, sorted, deduplicated collection of MachineId.
// The zero value is the empty set.
type Set struct {
	ids []MachineId
}

// Of builds a Set from the given ids, sorting and deduplicating them.
func Of(ids ...MachineId) Set {
	if len(ids) == 0 {
		return Set{}
	}

	cloned := slices.Clone(ids)
	slices.Sort(cloned)
	cloned = slices.Compact(cloned)

	return Set{ids: cloned}
}

// Len returns the number of machines in the set.
func (s Set) Len() int {
	return len(s.ids)
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool {
	return len(s.ids) == 0
}

// Contains reports whether id is a member of the set.
func (s Set) Contains(id MachineId) bool {
	_, found := slices.BinarySearch(s.ids, id)

	return found
}

// ToSlice returns the set's members in sorted order. The returned slice is
// a copy; mutating it does not affect s.
func (s Set) ToSlice() []MachineId {
	return slices.Clone(s.ids)
}

// SetExistence returns a new Set reflecting id's membership: when exists is
// true, id is present in the result (inserted if absent); when false, id is
// absent from the result (removed if present). s itself is never mutated.
func (s Set) SetExistence(id MachineId, exists bool) Set {
	idx, found := slices.BinarySearch(s.ids, id)

	switch {
	case exists && found:
		return s
	case exists && !found:
		next := make([]MachineId, 0, len(s.ids)+1)
		next = append(next, s.ids[:idx]...)
		next = append(next, id)
		next = append(next, s.ids[idx:]...)

		return Set{ids: next}
	case !exists && found:
		next := make([]MachineId, 0, len(s.ids)-1)
		next = append(next, s.ids[:idx]...)
		next = append(next, s.ids[idx+1:]...)

		return Set{ids: next}
	default: // !exists && !found
		return s
	}
}

// Equal reports whether s and other contain exactly the same members.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s.ids, other.ids)
}
