package crdtpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/clock"
)

func TestBuilderAssignsConsecutiveIDs(t *testing.T) {
	b := NewBuilder(3, 10)
	val := b.NewVal()
	con := b.NewCon(float64(1))
	ins := b.InsVal(val.OpID, con.OpID)

	assert.Equal(t, clock.New(3, 10), val.OpID)
	assert.Equal(t, clock.New(3, 11), con.OpID)
	assert.Equal(t, clock.New(3, 12), ins.OpID)
	assert.Equal(t, clock.New(3, 13), b.Next())
}

func TestBuilderInsStrAdvancesByUTF16Span(t *testing.T) {
	b := NewBuilder(3, 1)
	str := b.NewStr()
	ins := b.InsStr(str.OpID, clock.Origin, "hi")
	assert.Equal(t, uint64(2), ins.Span())
	assert.Equal(t, clock.New(3, 2), ins.OpID)
	assert.Equal(t, clock.New(3, 4), b.Next())
}

func TestBuilderFlushResetsPending(t *testing.T) {
	b := NewBuilder(1, 1)
	b.NewVal()
	p := b.Flush()
	require.NotNil(t, p)
	assert.Len(t, p.Ops(), 1)
	assert.Nil(t, b.Flush())
}
