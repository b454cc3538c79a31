package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/internal/crdterr"
)

func TestTimestampCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", New(1, 5), New(1, 5), 0},
		{"time wins", New(9, 4), New(1, 5), -1},
		{"time wins other way", New(1, 5), New(9, 4), 1},
		{"sid tiebreak", New(2, 5), New(1, 5), 1},
		{"sid tiebreak other way", New(1, 5), New(2, 5), -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestTimestampString(t *testing.T) {
	assert.Equal(t, "1.5", New(1, 5).String())
	assert.Equal(t, "..6789.3", New(123456789, 3).String())
}

func TestContainsAndContainsID(t *testing.T) {
	base := New(7, 10)
	assert.True(t, Contains(base, 5, New(7, 12), 2))
	assert.False(t, Contains(base, 5, New(7, 12), 10))
	assert.False(t, Contains(base, 5, New(8, 12), 2))

	assert.True(t, ContainsID(base, 5, New(7, 14)))
	assert.False(t, ContainsID(base, 5, New(7, 15)))
}

func TestLogicalClockTick(t *testing.T) {
	c := NewLogicalClock(3, 10)
	stamp := c.Tick(4)
	assert.Equal(t, New(3, 10), stamp)
	assert.Equal(t, New(3, 14), c.Ts())
}

func TestClockVectorObserveIsIdempotent(t *testing.T) {
	cv := NewClockVector(1, 0)
	cv.Observe(New(2, 5), 3) // covers times 5,6,7
	assert.Equal(t, uint64(8), cv.Time)
	require.Contains(t, cv.Peers, uint64(2))
	assert.Equal(t, New(2, 7), cv.Peers[2])

	// Replaying the same span must not move the clock further.
	cv.Observe(New(2, 5), 3)
	assert.Equal(t, uint64(8), cv.Time)
	assert.Equal(t, New(2, 7), cv.Peers[2])

	// A contained, smaller span must not regress the peer high-water mark.
	cv.Observe(New(2, 6), 1)
	assert.Equal(t, New(2, 7), cv.Peers[2])
}

func TestClockVectorObserveOwnSessionSkipsPeerMap(t *testing.T) {
	cv := NewClockVector(1, 0)
	cv.Observe(New(1, 5), 1)
	assert.Equal(t, uint64(6), cv.Time)
	assert.NotContains(t, cv.Peers, uint64(1))
}

func TestClockVectorForkObservesParentEdge(t *testing.T) {
	parent := NewClockVector(1, 10)
	parent.Observe(New(2, 20), 1)

	forked := parent.Fork(99)
	assert.Equal(t, uint64(99), forked.SID)
	assert.Equal(t, uint64(21), forked.Time)

	// The fork must know the parent session cannot be reissued below 21.
	require.Contains(t, forked.Peers, uint64(1))
	assert.Equal(t, New(1, 20), forked.Peers[1])

	// Existing peer edges are carried over.
	require.Contains(t, forked.Peers, uint64(2))
	assert.Equal(t, New(2, 20), forked.Peers[2])
}

func TestClockVectorCloneSameKeepsSession(t *testing.T) {
	parent := NewClockVector(5, 3)
	clone := parent.CloneSame()
	assert.Equal(t, uint64(5), clone.SID)
	assert.NotContains(t, clone.Peers, uint64(5))
}

func TestServerClockVectorRejectsInvalidSession(t *testing.T) {
	sc := NewServerClockVector(100)
	err := sc.Observe(New(9, 50), 1)
	require.Error(t, err)
	var invalid crdterr.InvalidServerSession
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, uint64(9), invalid.SID)
}

func TestServerClockVectorRejectsTimeTravel(t *testing.T) {
	sc := NewServerClockVector(5)
	err := sc.Observe(New(SessionServerMin, 100), 1)
	require.Error(t, err)
	var travel crdterr.TimeTravel
	require.ErrorAs(t, err, &travel)
	assert.Equal(t, uint64(100), travel.Observed)
	assert.Equal(t, uint64(5), travel.Known)
}

func TestServerClockVectorAdvances(t *testing.T) {
	sc := NewServerClockVector(5)
	require.NoError(t, sc.Observe(New(SessionServerMin, 2), 1))
	assert.Equal(t, uint64(5), sc.Time)

	require.NoError(t, sc.Observe(New(SessionServerMin, 5), 3))
	assert.Equal(t, uint64(8), sc.Time)
}
