package varint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVu57RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16383, 16384, 1 << 30, 1 << 48, 9007199254740991}
	for _, v := range values {
		buf := AppendVu57(nil, v)
		got, n, err := DecodeVu57(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestVu57ShortestForm(t *testing.T) {
	assert.Len(t, AppendVu57(nil, 0), 1)
	assert.Len(t, AppendVu57(nil, 127), 1)
	assert.Len(t, AppendVu57(nil, 128), 2)
}

func TestVu57DecodeOverflow(t *testing.T) {
	_, _, err := DecodeVu57([]byte{0x80})
	require.Error(t, err)

	_, _, err = DecodeVu57(nil)
	require.Error(t, err)
}

func TestB1Vu56RoundTrip(t *testing.T) {
	cases := []struct {
		flag bool
		n    uint64
	}{
		{false, 0},
		{true, 0},
		{false, 10},
		{true, 10},
		{false, 63},
		{true, 64},
		{false, 9007199254740991},
		{true, 9007199254740991},
	}
	for _, tc := range cases {
		buf := AppendB1Vu56(nil, tc.flag, tc.n)
		flag, value, n, err := DecodeB1Vu56(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, tc.flag, flag)
		assert.Equal(t, tc.n, value)
	}
}

func TestB1Vu56DecodeOverflow(t *testing.T) {
	_, _, _, err := DecodeB1Vu56(nil)
	require.Error(t, err)

	_, _, _, err = DecodeB1Vu56([]byte{0xC0})
	require.Error(t, err)
}
