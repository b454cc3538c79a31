package structbin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/clock"
	"jsoncrdt/crdt"
)

func buildSampleReplica(t *testing.T) *crdt.Replica {
	t.Helper()
	r := crdt.NewReplica(7, crdt.WithDebugChecks())
	objID := clock.New(7, 1)
	require.NoError(t, r.NewObj(objID))
	require.NoError(t, r.InsVal(clock.New(7, 2), clock.Origin, objID))

	strID := clock.New(7, 10)
	require.NoError(t, r.NewStr(strID))
	require.NoError(t, r.InsObj(clock.New(7, 11), objID, []crdt.ObjEntry{{Key: "name", Child: strID}}))
	require.NoError(t, r.InsStr(clock.New(7, 20), strID, clock.Origin, "hi"))

	arrID := clock.New(7, 30)
	require.NoError(t, r.NewArr(arrID))
	require.NoError(t, r.InsObj(clock.New(7, 31), objID, []crdt.ObjEntry{{Key: "tags", Child: arrID}}))
	c1, c2, c3 := clock.New(7, 40), clock.New(7, 41), clock.New(7, 42)
	require.NoError(t, r.NewCon(c1, float64(1)))
	require.NoError(t, r.NewCon(c2, float64(2)))
	require.NoError(t, r.NewCon(c3, float64(3)))
	require.NoError(t, r.InsArr(clock.New(7, 50), arrID, clock.Origin, []clock.Timestamp{c1, c2, c3}))
	require.NoError(t, r.Del(arrID, []clock.Timespan{clock.NewSpan(7, 51, 1)}))

	binID := clock.New(7, 60)
	require.NoError(t, r.NewBin(binID))
	require.NoError(t, r.InsObj(clock.New(7, 61), objID, []crdt.ObjEntry{{Key: "blob", Child: binID}}))
	require.NoError(t, r.InsBin(clock.New(7, 70), binID, clock.Origin, []byte{1, 2, 3, 4}))

	return r
}

func TestVectorModeRoundTrip(t *testing.T) {
	r := buildSampleReplica(t)
	want, err := r.View()
	require.NoError(t, err)

	data, err := Encode(r)
	require.NoError(t, err)

	r2, err := Decode(7, data)
	require.NoError(t, err)
	got, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVectorModeEncodeIsCanonical(t *testing.T) {
	r := buildSampleReplica(t)
	a, err := Encode(r)
	require.NoError(t, err)
	b, err := Encode(r)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestObjectKeyOrderIsCanonicalAcrossInsertionOrder builds the same
// logical object on two replicas via opposite field insertion orders (as
// concurrent ins_obj ops applied in opposite order would produce) and
// asserts the encoded bytes are identical even though each replica's
// ObjNode.Keys (insertion order, used by the view materializer) differs.
func TestObjectKeyOrderIsCanonicalAcrossInsertionOrder(t *testing.T) {
	build := func(firstKey, secondKey string) *crdt.Replica {
		r := crdt.NewReplica(9, crdt.WithDebugChecks())
		objID := clock.New(9, 1)
		require.NoError(t, r.NewObj(objID))
		require.NoError(t, r.InsVal(clock.New(9, 2), clock.Origin, objID))

		aID, bID := clock.New(9, 10), clock.New(9, 11)
		require.NoError(t, r.NewCon(aID, "a-value"))
		require.NoError(t, r.NewCon(bID, "b-value"))
		childOf := map[string]clock.Timestamp{"a": aID, "b": bID}

		require.NoError(t, r.InsObj(clock.New(9, 20), objID, []crdt.ObjEntry{{Key: firstKey, Child: childOf[firstKey]}}))
		require.NoError(t, r.InsObj(clock.New(9, 21), objID, []crdt.ObjEntry{{Key: secondKey, Child: childOf[secondKey]}}))
		return r
	}

	ab := build("a", "b")
	ba := build("b", "a")

	objAB, ok := ab.Get(clock.New(9, 1))
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, objAB.(*crdt.ObjNode).Keys)

	objBA, ok := ba.Get(clock.New(9, 1))
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, objBA.(*crdt.ObjNode).Keys)

	dataAB, err := Encode(ab)
	require.NoError(t, err)
	dataBA, err := Encode(ba)
	require.NoError(t, err)
	assert.Equal(t, dataAB, dataBA)
}

func TestVectorModeDecodeThenReencodeIsByteIdentical(t *testing.T) {
	r := buildSampleReplica(t)
	data, err := Encode(r)
	require.NoError(t, err)

	r2, err := Decode(7, data)
	require.NoError(t, err)
	data2, err := Encode(r2)
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestServerModeRoundTrip(t *testing.T) {
	r := crdt.NewReplica(clock.SessionServerMin, crdt.WithServerClock(), crdt.WithDebugChecks())
	valID := clock.New(clock.SessionServerMin, 1)
	require.NoError(t, r.NewCon(valID, "hello"))
	require.NoError(t, r.InsVal(clock.New(clock.SessionServerMin, 2), clock.Origin, valID))
	require.NoError(t, r.Observe(clock.New(clock.SessionServerMin, 0), 3))

	data, err := Encode(r)
	require.NoError(t, err)
	require.NotZero(t, data[0]&serverModeFlag)

	r2, err := Decode(clock.SessionServerMin, data)
	require.NoError(t, err)
	got, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestEmptyReplicaRoundTrips(t *testing.T) {
	r := crdt.NewReplica(3)
	data, err := Encode(r)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), data[4])

	r2, err := Decode(3, data)
	require.NoError(t, err)
	v, err := r2.View()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStrRunsWithTombstonesRoundTrip(t *testing.T) {
	r := crdt.NewReplica(2, crdt.WithDebugChecks())
	strID := clock.New(2, 1)
	require.NoError(t, r.NewStr(strID))
	require.NoError(t, r.InsVal(clock.New(2, 2), clock.Origin, strID))
	require.NoError(t, r.InsStr(clock.New(2, 10), strID, clock.Origin, "hello"))
	require.NoError(t, r.Del(strID, []clock.Timespan{clock.NewSpan(2, 11, 2)}))

	want, err := r.View()
	require.NoError(t, err)

	data, err := Encode(r)
	require.NoError(t, err)
	r2, err := Decode(2, data)
	require.NoError(t, err)
	got, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	n, ok := r2.Get(strID)
	require.True(t, ok)
	str := n.(*crdt.StrNode)
	var tombstoned int
	for _, a := range str.Atoms {
		if a.Tombstoned {
			tombstoned++
		}
	}
	assert.Equal(t, 2, tombstoned)
}

func TestConReferenceRoundTrips(t *testing.T) {
	r := crdt.NewReplica(1, crdt.WithDebugChecks())
	litID := clock.New(1, 1)
	require.NoError(t, r.NewCon(litID, float64(9)))
	refID := clock.New(1, 2)
	require.NoError(t, r.NewConRef(refID, litID))
	require.NoError(t, r.InsVal(clock.New(1, 3), clock.Origin, refID))

	data, err := Encode(r)
	require.NoError(t, err)
	r2, err := Decode(1, data)
	require.NoError(t, err)
	got, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, float64(9), got)
}

func TestPeerSessionReferenceRoundTrips(t *testing.T) {
	r := crdt.NewReplica(5, crdt.WithDebugChecks())
	foreign := clock.New(11, 100)
	require.NoError(t, r.NewCon(foreign, "from peer"))
	require.NoError(t, r.InsVal(clock.New(5, 1), clock.Origin, foreign))
	require.NoError(t, r.Observe(foreign, 1))

	data, err := Encode(r)
	require.NoError(t, err)
	r2, err := Decode(5, data)
	require.NoError(t, err)
	got, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, "from peer", got)

	_, peers := r2.VectorClockEntries()
	assert.Contains(t, peers, uint64(11))
}
