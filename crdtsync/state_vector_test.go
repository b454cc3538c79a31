package crdtsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateVectorUpdateKeepsNewest(t *testing.T) {
	sv := NewStateVector()
	sv.Update(1, 5)
	sv.Update(1, 3)
	assert.Equal(t, uint64(5), sv.Counter(1))
}

func TestStateVectorUpdateFromMap(t *testing.T) {
	sv := NewStateVector()
	sv.UpdateFromMap(map[uint64]uint64{1: 2, 2: 7})
	assert.Equal(t, map[uint64]uint64{1: 2, 2: 7}, sv.Get())
}

func TestStateVectorCounterUnknownSessionIsZero(t *testing.T) {
	sv := NewStateVector()
	assert.Equal(t, uint64(0), sv.Counter(99))
}

func TestStateVectorHasUpdatesOver(t *testing.T) {
	sv := NewStateVector()
	sv.Update(1, 10)
	sv.Update(2, 4)

	assert.True(t, sv.HasUpdatesOver(map[uint64]uint64{1: 5}))
	assert.False(t, sv.HasUpdatesOver(map[uint64]uint64{1: 10, 2: 4}))
	assert.False(t, sv.HasUpdatesOver(map[uint64]uint64{1: 20, 2: 20}))
}

func TestStateVectorMerge(t *testing.T) {
	sv := NewStateVector()
	sv.Update(1, 3)
	sv.Merge(map[uint64]uint64{1: 8, 2: 1})
	assert.Equal(t, map[uint64]uint64{1: 8, 2: 1}, sv.Get())
}
