package cborval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	values := []interface{}{
		nil,
		true,
		float64(42),
		"hello",
		[]interface{}{float64(1), "two", nil},
		map[string]interface{}{"a": float64(1), "b": "c"},
	}
	for _, v := range values {
		data, err := Marshal(v)
		require.NoError(t, err)
		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestUnmarshalPrefixLeavesTrailingBytes(t *testing.T) {
	first, err := Marshal("first")
	require.NoError(t, err)
	second, err := Marshal(float64(99))
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second...)
	v, n, err := UnmarshalPrefix(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	assert.Equal(t, len(first), n)

	v2, _, err := UnmarshalPrefix(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, float64(99), v2)
}
