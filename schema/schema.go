// Package schema implements the algebraic schema builder described in
// spec §4.9: a declarative description of a target view's shape and leaf
// values, compiled into a single patch whose application to an empty
// replica produces that shape.
package schema

import (
	"jsoncrdt/clock"
	"jsoncrdt/crdt"
	"jsoncrdt/crdtpatch"
	"jsoncrdt/internal/crdterr"
)

// Schema is an algebraic node: con, str, bin, val, obj, arr, or vec.
// Values are built with the package-level constructors; the interface
// itself is unexported on purpose, since a schema only ever does one
// thing — compile into patch operations.
type Schema interface {
	build(b *crdtpatch.Builder) (clock.Timestamp, error)
}

// Field is one key/value pair of an Obj schema. Fields are applied to the
// underlying ins_obj in the order given, matching the view materializer's
// insertion-order key rule.
type Field struct {
	Key   string
	Value Schema
}

// ToPatch compiles s into a single patch built against session sid
// starting at logical time baseTime, ending with the ins_val that binds
// the synthetic root (0,0) to the schema's top-level node.
func ToPatch(s Schema, sid, baseTime uint64) (*crdtpatch.Patch, error) {
	b := crdtpatch.NewBuilder(sid, baseTime)
	rootID, err := s.build(b)
	if err != nil {
		return nil, err
	}
	b.InsVal(clock.Origin, rootID)
	return b.Flush(), nil
}

type conSchema struct{ value interface{} }

// Con describes a constant leaf holding an embedded literal value.
func Con(value interface{}) Schema { return conSchema{value} }

func (s conSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	return b.NewCon(s.value).OpID, nil
}

type strSchema struct{ text string }

// Str describes an RGA text sequence seeded with text.
func Str(text string) Schema { return strSchema{text} }

func (s strSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	op := b.NewStr()
	if s.text != "" {
		b.InsStr(op.OpID, clock.Origin, s.text)
	}
	return op.OpID, nil
}

type binSchema struct{ data []byte }

// Bin describes an RGA byte sequence seeded with data.
func Bin(data []byte) Schema { return binSchema{data} }

func (s binSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	op := b.NewBin()
	if len(s.data) > 0 {
		b.InsBin(op.OpID, clock.Origin, s.data)
	}
	return op.OpID, nil
}

type valSchema struct{ inner Schema }

// Val describes a last-writer-wins register bound to inner.
func Val(inner Schema) Schema { return valSchema{inner} }

func (s valSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	op := b.NewVal()
	innerID, err := s.inner.build(b)
	if err != nil {
		return clock.Timestamp{}, err
	}
	b.InsVal(op.OpID, innerID)
	return op.OpID, nil
}

type objSchema struct{ fields []Field }

// Obj describes a last-writer-wins map with the given fields, built and
// bound in a single ins_obj.
func Obj(fields ...Field) Schema { return objSchema{fields} }

func (s objSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	op := b.NewObj()
	entries := make([]crdt.ObjEntry, 0, len(s.fields))
	for _, f := range s.fields {
		childID, err := f.Value.build(b)
		if err != nil {
			return clock.Timestamp{}, err
		}
		entries = append(entries, crdt.ObjEntry{Key: f.Key, Child: childID})
	}
	if len(entries) > 0 {
		b.InsObj(op.OpID, entries...)
	}
	return op.OpID, nil
}

type arrSchema struct{ elements []Schema }

// Arr describes an RGA sequence of child nodes, built and inserted at the
// head in a single ins_arr.
func Arr(elements ...Schema) Schema { return arrSchema{elements} }

func (s arrSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	op := b.NewArr()
	children := make([]clock.Timestamp, 0, len(s.elements))
	for _, e := range s.elements {
		childID, err := e.build(b)
		if err != nil {
			return clock.Timestamp{}, err
		}
		children = append(children, childID)
	}
	if len(children) > 0 {
		b.InsArr(op.OpID, clock.Origin, children...)
	}
	return op.OpID, nil
}

type vecSchema struct{ slots []Schema }

// Vec describes a fixed-width last-writer-wins tuple. A nil slot is left
// absent; every other slot is built and bound by position in a single
// ins_vec.
func Vec(slots ...Schema) Schema { return vecSchema{slots} }

func (s vecSchema) build(b *crdtpatch.Builder) (clock.Timestamp, error) {
	if len(s.slots) > 256 {
		return clock.Timestamp{}, crdterr.InvalidOperation{Message: "vec schema exceeds 256 slots"}
	}
	op := b.NewVec()
	entries := make([]crdt.VecEntry, 0, len(s.slots))
	for i, slot := range s.slots {
		if slot == nil {
			continue
		}
		childID, err := slot.build(b)
		if err != nil {
			return clock.Timestamp{}, err
		}
		entries = append(entries, crdt.VecEntry{Index: uint8(i), Child: childID})
	}
	if len(entries) > 0 {
		b.InsVec(op.OpID, entries...)
	}
	return op.OpID, nil
}
