package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/clock"
)

func TestEmptyReplicaViewIsNil(t *testing.T) {
	r := NewReplica(65536)
	v, err := r.View()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestConLiteralRoot(t *testing.T) {
	r := NewReplica(1, WithDebugChecks())
	conID := clock.New(1, 1)
	require.NoError(t, r.NewCon(conID, float64(42)))
	require.NoError(t, r.InsVal(clock.New(1, 2), clock.Origin, conID))

	v, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestStringInsertThenReplayIsIdempotent(t *testing.T) {
	build := func() *Replica {
		r := NewReplica(7, WithDebugChecks())
		strID := clock.New(7, 1)
		require.NoError(t, r.NewStr(strID))
		require.NoError(t, r.InsVal(clock.New(7, 2), clock.Origin, strID))

		require.NoError(t, r.InsStr(clock.New(7, 3), strID, clock.Origin, "a"))
		require.NoError(t, r.InsStr(clock.New(7, 4), strID, clock.New(7, 3), "b"))
		require.NoError(t, r.InsStr(clock.New(7, 5), strID, clock.New(7, 4), "c"))
		return r
	}

	r1 := build()
	v1, err := r1.View()
	require.NoError(t, err)
	assert.Equal(t, "abc", v1)

	// Replay on an already-built replica: apply 4, 5 then 3 again
	// (idempotence on replay).
	r2 := build()
	strID := clock.New(7, 1)
	require.NoError(t, r2.InsStr(clock.New(7, 4), strID, clock.New(7, 3), "b"))
	require.NoError(t, r2.InsStr(clock.New(7, 5), strID, clock.New(7, 4), "c"))
	require.NoError(t, r2.InsStr(clock.New(7, 3), strID, clock.Origin, "a"))
	// Replay the first insert again.
	require.NoError(t, r2.InsStr(clock.New(7, 3), strID, clock.Origin, "a"))

	v2, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, "abc", v2)
}

func TestArrayPushAndDelete(t *testing.T) {
	r := NewReplica(9, WithDebugChecks())
	arrID := clock.New(9, 1)
	require.NoError(t, r.NewArr(arrID))
	require.NoError(t, r.InsVal(clock.New(9, 2), clock.Origin, arrID))

	c1, c2, c3 := clock.New(9, 10), clock.New(9, 11), clock.New(9, 12)
	require.NoError(t, r.NewCon(c1, float64(1)))
	require.NoError(t, r.NewCon(c2, float64(2)))
	require.NoError(t, r.NewCon(c3, float64(3)))
	require.NoError(t, r.InsArr(clock.New(9, 20), arrID, clock.Origin, []clock.Timestamp{c1, c2, c3}))

	v, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, v)

	require.NoError(t, r.Del(arrID, []clock.Timespan{clock.NewSpan(9, 21, 1)}))
	v, err = r.View()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), float64(3)}, v)
}

func TestArrayDeleteBeforeInsertConverges(t *testing.T) {
	arrID := clock.New(9, 1)
	c1, c2, c3 := clock.New(9, 10), clock.New(9, 11), clock.New(9, 12)

	r := NewReplica(9, WithDebugChecks())
	require.NoError(t, r.NewArr(arrID))
	require.NoError(t, r.InsVal(clock.New(9, 2), clock.Origin, arrID))
	// Apply the deletion before the nodes it targets even exist.
	require.NoError(t, r.Del(arrID, []clock.Timespan{clock.NewSpan(9, 21, 1)}))

	require.NoError(t, r.NewCon(c1, float64(1)))
	require.NoError(t, r.NewCon(c2, float64(2)))
	require.NoError(t, r.NewCon(c3, float64(3)))
	require.NoError(t, r.InsArr(clock.New(9, 20), arrID, clock.Origin, []clock.Timestamp{c1, c2, c3}))

	v, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), float64(3)}, v)
}

func TestObjectLWWConvergesRegardlessOfOrder(t *testing.T) {
	objID := clock.New(1, 1)
	xv1, xv2 := clock.New(1, 10), clock.New(2, 11)
	c1, c2 := clock.New(1, 10), clock.New(2, 11)

	apply := func(r *Replica, order []int) {
		setup := map[int]func(){
			0: func() {
				require.NoError(t, r.NewObj(objID))
				require.NoError(t, r.InsVal(clock.New(1, 2), clock.Origin, objID))
			},
			1: func() {
				require.NoError(t, r.NewCon(c1, float64(1)))
				require.NoError(t, r.InsObj(xv1, objID, []ObjEntry{{Key: "x", Child: c1}}))
			},
			2: func() {
				require.NoError(t, r.NewCon(c2, float64(2)))
				require.NoError(t, r.InsObj(xv2, objID, []ObjEntry{{Key: "x", Child: c2}}))
			},
		}
		for _, step := range order {
			setup[step]()
		}
	}

	r1 := NewReplica(1, WithDebugChecks())
	apply(r1, []int{0, 1, 2})
	v1, err := r1.View()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"x": float64(2)}, v1)

	r2 := NewReplica(1, WithDebugChecks())
	apply(r2, []int{0, 2, 1})
	v2, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestServerClockTimeTravel(t *testing.T) {
	r := NewReplica(clock.SessionServerMin, WithServerClock())
	require.NoError(t, r.Observe(clock.New(clock.SessionServerMin, 0), 50))
	err := r.Observe(clock.New(clock.SessionServerMin, 60), 1)
	require.Error(t, err)
}

func TestForkObservesParentSession(t *testing.T) {
	r := NewReplica(1)
	require.NoError(t, r.Observe(clock.New(1, 5), 1))
	forked := r.Fork(99)
	assert.Equal(t, uint64(99), forked.sid)
	assert.NotEqual(t, r, forked)
}
