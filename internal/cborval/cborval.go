// Package cborval wraps github.com/fxamacker/cbor/v2 for the two places
// the engine embeds arbitrary JSON-shaped literals in a binary stream: a
// con node's immediate value, and a patch's metadata field.
package cborval

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = m

	dopts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]interface{}(nil))}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Marshal encodes v (typically a decoded JSON value: nil, bool, float64,
// string, []interface{}, or map[string]interface{}) to canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR value into a generic interface{} tree.
func Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalPrefix decodes a single CBOR value from the front of data and
// reports how many bytes it consumed, for callers that need to keep
// reading a stream after the value (new_con literal payloads, patch meta).
func UnmarshalPrefix(data []byte) (interface{}, int, error) {
	r := bytes.NewReader(data)
	dec := decMode.NewDecoder(r)
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, 0, err
	}
	return v, dec.NumBytesRead(), nil
}
