package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsoncrdt/crdt"
	"jsoncrdt/crdtpatch"
)

func applyToFreshReplica(t *testing.T, s Schema) interface{} {
	t.Helper()
	p, err := ToPatch(s, 1, 1)
	require.NoError(t, err)

	r := crdt.NewReplica(1, crdt.WithDebugChecks())
	require.NoError(t, p.Apply(r))
	v, err := r.View()
	require.NoError(t, err)
	return v
}

func TestConSchema(t *testing.T) {
	v := applyToFreshReplica(t, Con(float64(42)))
	assert.Equal(t, float64(42), v)
}

func TestStrSchema(t *testing.T) {
	v := applyToFreshReplica(t, Str("hello"))
	assert.Equal(t, "hello", v)
}

func TestEmptyStrSchema(t *testing.T) {
	v := applyToFreshReplica(t, Str(""))
	assert.Equal(t, "", v)
}

func TestBinSchema(t *testing.T) {
	v := applyToFreshReplica(t, Bin([]byte{1, 2, 3}))
	assert.Equal(t, map[string]interface{}{"0": float64(1), "1": float64(2), "2": float64(3)}, v)
}

func TestValSchema(t *testing.T) {
	v := applyToFreshReplica(t, Val(Con("wrapped")))
	assert.Equal(t, "wrapped", v)
}

func TestObjSchema(t *testing.T) {
	v := applyToFreshReplica(t, Obj(
		Field{Key: "name", Value: Con("ada")},
		Field{Key: "age", Value: Con(float64(30))},
	))
	assert.Equal(t, map[string]interface{}{"name": "ada", "age": float64(30)}, v)
}

func TestArrSchema(t *testing.T) {
	v := applyToFreshReplica(t, Arr(Con(float64(1)), Con(float64(2)), Con(float64(3))))
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, v)
}

func TestVecSchemaWithAbsentSlot(t *testing.T) {
	v := applyToFreshReplica(t, Vec(Con(float64(1)), nil, Con(float64(3))))
	assert.Equal(t, []interface{}{float64(1), nil, float64(3)}, v)
}

func TestNestedSchema(t *testing.T) {
	s := Obj(
		Field{Key: "tags", Value: Arr(Str("a"), Str("b"))},
		Field{Key: "payload", Value: Val(Bin([]byte{0xff}))},
	)
	v := applyToFreshReplica(t, s)
	assert.Equal(t, map[string]interface{}{
		"tags":    []interface{}{"a", "b"},
		"payload": map[string]interface{}{"0": float64(0xff)},
	}, v)
}

func TestToPatchProducesApplicableBinary(t *testing.T) {
	p, err := ToPatch(Obj(Field{Key: "x", Value: Con(float64(1))}), 5, 1)
	require.NoError(t, err)

	data, err := p.ToBinary()
	require.NoError(t, err)

	r := crdt.NewReplica(5, crdt.WithDebugChecks())
	got, err := crdtpatch.FromBinary(data)
	require.NoError(t, err)
	require.NoError(t, got.Apply(r))

	v, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, v)
}
