package crdtsync

import (
	"sort"
	"sync"

	"jsoncrdt/clock"
	"jsoncrdt/crdtpatch"
	"jsoncrdt/internal/crdterr"
)

// PatchStore persists patches keyed by the timestamp of their first
// operation and answers "everything a peer at state vector sv is missing"
// queries, so a late-joining or reconnecting replica can catch up.
type PatchStore interface {
	StorePatch(p *crdtpatch.Patch) error
	GetPatches(sv map[uint64]uint64) ([]*crdtpatch.Patch, error)
	GetPatch(id clock.Timestamp) (*crdtpatch.Patch, error)
	Close() error
}

// MemoryPatchStore is an in-process PatchStore backed by maps. It is
// useful for tests and single-process deployments; RedisPatchStore is the
// durable, multi-process counterpart.
type MemoryPatchStore struct {
	mu        sync.RWMutex
	patches   map[clock.Timestamp]*crdtpatch.Patch
	bySession map[uint64][]clock.Timestamp
}

// NewMemoryPatchStore returns an empty MemoryPatchStore.
func NewMemoryPatchStore() *MemoryPatchStore {
	return &MemoryPatchStore{
		patches:   make(map[clock.Timestamp]*crdtpatch.Patch),
		bySession: make(map[uint64][]clock.Timestamp),
	}
}

// StorePatch records p under its id, the timestamp of its first operation.
// Storing the same id twice is a no-op.
func (s *MemoryPatchStore) StorePatch(p *crdtpatch.Patch) error {
	id := p.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patches[id]; ok {
		return nil
	}
	s.patches[id] = p

	ids := s.bySession[id.SID]
	i := sort.Search(len(ids), func(i int) bool { return ids[i].Time >= id.Time })
	ids = append(ids, clock.Timestamp{})
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	s.bySession[id.SID] = ids
	return nil
}

// GetPatches returns every stored patch whose originating session is
// unknown to sv, or whose id.Time is at or beyond sv's recorded counter
// for that session, in session-then-time order.
func (s *MemoryPatchStore) GetPatches(sv map[uint64]uint64) ([]*crdtpatch.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sids := make([]uint64, 0, len(s.bySession))
	for sid := range s.bySession {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	var out []*crdtpatch.Patch
	for _, sid := range sids {
		ids := s.bySession[sid]
		from := sv[sid]
		for _, id := range ids {
			if id.Time < from {
				continue
			}
			out = append(out, s.patches[id])
		}
	}
	return out, nil
}

// GetPatch returns the patch stored under id, or an error if none exists.
func (s *MemoryPatchStore) GetPatch(id clock.Timestamp) (*crdtpatch.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patches[id]
	if !ok {
		return nil, crdterr.InvalidOperation{Message: "patch not found"}
	}
	return p, nil
}

// Close discards all stored patches.
func (s *MemoryPatchStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = make(map[clock.Timestamp]*crdtpatch.Patch)
	s.bySession = make(map[uint64][]clock.Timestamp)
	return nil
}
