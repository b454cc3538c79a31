package crdtpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/clock"
	"jsoncrdt/crdt"
)

func buildSamplePatch(sid uint64) *Patch {
	b := NewBuilder(sid, 1)
	valID := b.NewVal().OpID
	conID := b.NewCon(float64(42)).OpID
	b.InsVal(valID, conID)
	return b.Flush()
}

func TestPatchBinaryRoundTrip(t *testing.T) {
	p := buildSamplePatch(7)
	data, err := p.ToBinary()
	require.NoError(t, err)

	got, err := FromBinary(data)
	require.NoError(t, err)
	require.False(t, got.IsMalformed())

	require.Equal(t, p.ID(), got.ID())
	require.Equal(t, len(p.Ops()), len(got.Ops()))
	for i, op := range p.Ops() {
		assert.Equal(t, op.ID(), got.Ops()[i].ID())
		assert.Equal(t, op.Opcode(), got.Ops()[i].Opcode())
		assert.Equal(t, op.Span(), got.Ops()[i].Span())
	}
}

func TestPatchBinaryRoundTripAppliesIdentically(t *testing.T) {
	p := buildSamplePatch(7)
	data, err := p.ToBinary()
	require.NoError(t, err)
	got, err := FromBinary(data)
	require.NoError(t, err)

	r1 := crdt.NewReplica(7, crdt.WithDebugChecks())
	require.NoError(t, p.Apply(r1))
	require.NoError(t, r1.InsVal(clock.New(7, 0), clock.Origin, clock.New(7, 1)))

	r2 := crdt.NewReplica(7, crdt.WithDebugChecks())
	require.NoError(t, got.Apply(r2))
	require.NoError(t, r2.InsVal(clock.New(7, 0), clock.Origin, clock.New(7, 1)))

	v1, err := r1.View()
	require.NoError(t, err)
	v2, err := r2.View()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestPatchWithPeerReferenceRoundTrips(t *testing.T) {
	b := NewBuilder(9, 1)
	// Reference a foreign session (simulating a node created by session 3).
	foreignCon := clock.New(3, 500)
	valID := b.NewVal().OpID
	b.InsVal(valID, foreignCon)
	p := b.Flush()

	data, err := p.ToBinary()
	require.NoError(t, err)
	got, err := FromBinary(data)
	require.NoError(t, err)
	require.False(t, got.IsMalformed())

	insVal := got.Ops()[1].(*InsValOp)
	assert.Equal(t, foreignCon, insVal.Value)
}

func TestPatchApplyIsAtomicOnFailure(t *testing.T) {
	r := crdt.NewReplica(1, crdt.WithDebugChecks())
	before, err := r.View()
	require.NoError(t, err)

	b := NewBuilder(1, 1)
	b.InsVal(clock.New(99, 1), clock.New(1, 5)) // target does not exist
	p := b.Flush()

	err = p.Apply(r)
	require.Error(t, err)

	after, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFromBinaryHardFailsOn0x7bLeadingByte(t *testing.T) {
	_, err := FromBinary([]byte{0x7b, 0x01, 0x02})
	require.Error(t, err)
}

func TestFromBinaryPermissiveFallbackOnTruncation(t *testing.T) {
	p := buildSamplePatch(5)
	data, err := p.ToBinary()
	require.NoError(t, err)

	truncated := data[:len(data)-1]
	got, err := FromBinary(truncated)
	require.NoError(t, err)
	assert.True(t, got.IsMalformed())

	back, err := got.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, truncated, back)
}

func TestFromBinaryHardFailsOnUnknownOpcode(t *testing.T) {
	// Build a one-op patch with the nop opcode, then flip its opcode field to
	// 7, a reserved gap in the opcode table.
	b := NewBuilder(1, 1)
	b.Nop(1)
	p := b.Flush()
	data, err := p.ToBinary()
	require.NoError(t, err)

	// The op's opcode/length octet is the final byte ToBinary appended.
	bad := append([]byte(nil), data...)
	bad[len(bad)-1] = byte(7) << 3
	_, err = FromBinary(bad)
	require.Error(t, err)
}

func TestPatchRewriteTimeShiftsOwnSessionOnly(t *testing.T) {
	p := buildSamplePatch(7)
	rewritten := p.RewriteTime(clock.New(7, 1000))

	delta := int64(1000) - int64(p.ID().Time)
	for i, op := range p.Ops() {
		want := clock.New(op.ID().SID, uint64(int64(op.ID().Time)+delta))
		assert.Equal(t, want, rewritten.Ops()[i].ID())
	}
}

func TestPatchSpanIsSumOfOperationSpans(t *testing.T) {
	p := buildSamplePatch(7)
	var want uint64
	for _, op := range p.Ops() {
		want += op.Span()
	}
	assert.Equal(t, want, p.Span())
}

func TestPatchCompactMergesAdjacentStringInserts(t *testing.T) {
	b := NewBuilder(7, 1)
	strID := b.NewStr().OpID
	first := b.InsStr(strID, clock.Origin, "hello ")
	b.InsStr(strID, first.OpID.Tick(first.Span()-1), "world")
	p := b.Flush()
	require.Len(t, p.Ops(), 3)

	compacted := p.Compact()
	require.Len(t, compacted.Ops(), 2)
	merged, ok := compacted.Ops()[1].(*InsStrOp)
	require.True(t, ok)
	assert.Equal(t, "hello world", merged.Text)
	assert.Equal(t, first.OpID, merged.OpID)
	assert.Equal(t, clock.Origin, merged.After)
}

func TestPatchCompactDoesNotMergeNonContiguousInserts(t *testing.T) {
	b := NewBuilder(7, 1)
	strID := b.NewStr().OpID
	b.InsStr(strID, clock.Origin, "hello")
	// Inserted at the origin again, not after the first run's last atom, so
	// it must stay a separate operation.
	b.InsStr(strID, clock.Origin, "world")
	p := b.Flush()

	compacted := p.Compact()
	assert.Equal(t, len(p.Ops()), len(compacted.Ops()))
}

func TestPatchCompactPreservesNetEffect(t *testing.T) {
	b := NewBuilder(7, 1)
	strID := b.NewStr().OpID
	first := b.InsStr(strID, clock.Origin, "hello ")
	b.InsStr(strID, first.OpID.Tick(first.Span()-1), "world")
	p := b.Flush()
	compacted := p.Compact()

	r1 := crdt.NewReplica(7, crdt.WithDebugChecks())
	require.NoError(t, p.Apply(r1))
	view1, err := r1.View()
	require.NoError(t, err)

	r2 := crdt.NewReplica(7, crdt.WithDebugChecks())
	require.NoError(t, compacted.Apply(r2))
	view2, err := r2.View()
	require.NoError(t, err)

	assert.Equal(t, view1, view2)
}

func TestCombineMergesContiguousPatchesFromOneSession(t *testing.T) {
	b1 := NewBuilder(7, 1)
	strID := b1.NewStr().OpID
	first := b1.InsStr(strID, clock.Origin, "hello ")
	p1 := b1.Flush()

	b2 := NewBuilder(7, p1.ID().Time+p1.Span())
	b2.InsStr(strID, first.OpID.Tick(first.Span()-1), "world")
	p2 := b2.Flush()

	combined, err := Combine([]*Patch{p1, p2})
	require.NoError(t, err)
	require.Len(t, combined.Ops(), 2)
	merged, ok := combined.Ops()[1].(*InsStrOp)
	require.True(t, ok)
	assert.Equal(t, "hello world", merged.Text)

	r := crdt.NewReplica(7, crdt.WithDebugChecks())
	require.NoError(t, combined.Apply(r))
	require.NoError(t, r.InsVal(clock.New(7, 0), clock.Origin, strID))
	view, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, "hello world", view)
}

func TestCombineRejectsPatchesFromDifferentSessions(t *testing.T) {
	p1 := buildSamplePatch(7)
	p2 := buildSamplePatch(8)
	_, err := Combine([]*Patch{p1, p2})
	require.Error(t, err)
}

func TestCombineRejectsNonContiguousPatches(t *testing.T) {
	p1 := buildSamplePatch(7)
	b2 := NewBuilder(7, p1.ID().Time+p1.Span()+10)
	b2.NewVal()
	p2 := b2.Flush()
	_, err := Combine([]*Patch{p1, p2})
	require.Error(t, err)
}
