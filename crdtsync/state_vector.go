// Package crdtsync is the patch-exchange convenience layer sitting on top
// of the core engine: state vectors for computing what a peer is missing,
// a patch store abstraction (in-memory and Redis-backed), and a
// broadcaster abstraction (in-memory and Redis Streams-backed) for
// publishing Patch.ToBinary() blobs on a topic per document. None of it
// reaches into replica internals — only Patch.ToBinary/FromBinary and
// Replica.VectorClockEntries.
package crdtsync

import "sync"

// StateVector is a snapshot of a replica's peer map: the next-unused
// logical time known for each session, as returned by
// crdt.Replica.VectorClockEntries. Comparing two state vectors tells a
// peer which patches the other side is missing.
type StateVector struct {
	mu     sync.RWMutex
	vector map[uint64]uint64
}

// NewStateVector returns an empty state vector.
func NewStateVector() *StateVector {
	return &StateVector{vector: make(map[uint64]uint64)}
}

// Update records time as the next-unused logical time for sid, if it is
// newer than what is already recorded.
func (sv *StateVector) Update(sid, time uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if cur, ok := sv.vector[sid]; !ok || time > cur {
		sv.vector[sid] = time
	}
}

// UpdateFromMap merges every entry of m into the vector under the same
// newer-wins rule as Update.
func (sv *StateVector) UpdateFromMap(m map[uint64]uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for sid, time := range m {
		if cur, ok := sv.vector[sid]; !ok || time > cur {
			sv.vector[sid] = time
		}
	}
}

// Get returns a copy of the vector's current session-to-time map.
func (sv *StateVector) Get() map[uint64]uint64 {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[uint64]uint64, len(sv.vector))
	for sid, time := range sv.vector {
		out[sid] = time
	}
	return out
}

// Counter returns the recorded next-unused time for sid, or 0 if sid has
// never been observed.
func (sv *StateVector) Counter(sid uint64) uint64 {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.vector[sid]
}

// HasUpdatesOver reports whether this vector knows about logical time for
// some session that other does not yet know about.
func (sv *StateVector) HasUpdatesOver(other map[uint64]uint64) bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for sid, t := range sv.vector {
		if o, ok := other[sid]; !ok || t > o {
			return true
		}
	}
	return false
}

// Merge folds other into this vector under the newer-wins rule.
func (sv *StateVector) Merge(other map[uint64]uint64) {
	sv.UpdateFromMap(other)
}
