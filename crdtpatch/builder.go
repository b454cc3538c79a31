package crdtpatch

import (
	"jsoncrdt/clock"
	"jsoncrdt/crdt"
)

// Builder accumulates operations against a single session's logical clock
// and flushes them into a Patch, auto-assigning each operation's id and
// advancing the counter by the operation's span.
type Builder struct {
	sid     uint64
	counter uint64
	ops     []Op
}

// NewBuilder creates a Builder for session sid starting at logical time
// startTime (typically the replica's own NextTime()).
func NewBuilder(sid, startTime uint64) *Builder {
	return &Builder{sid: sid, counter: startTime}
}

// Next returns the timestamp the next operation will be assigned, without
// consuming it.
func (b *Builder) Next() clock.Timestamp {
	return clock.New(b.sid, b.counter)
}

func (b *Builder) advance(span uint64) clock.Timestamp {
	ts := b.Next()
	b.counter += span
	return ts
}

func (b *Builder) add(op Op) Op {
	b.ops = append(b.ops, op)
	return op
}

// NewCon appends a new_con operation holding a literal value.
func (b *Builder) NewCon(literal interface{}) *NewConOp {
	op := &NewConOp{OpID: b.advance(1), Literal: literal}
	b.add(op)
	return op
}

// NewConRef appends a new_con operation holding a reference to another node.
func (b *Builder) NewConRef(ref clock.Timestamp) *NewConOp {
	op := &NewConOp{OpID: b.advance(1), IsRef: true, Ref: ref}
	b.add(op)
	return op
}

// NewVal appends a new_val operation.
func (b *Builder) NewVal() *NewValOp {
	op := &NewValOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// NewObj appends a new_obj operation.
func (b *Builder) NewObj() *NewObjOp {
	op := &NewObjOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// NewVec appends a new_vec operation.
func (b *Builder) NewVec() *NewVecOp {
	op := &NewVecOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// NewStr appends a new_str operation.
func (b *Builder) NewStr() *NewStrOp {
	op := &NewStrOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// NewBin appends a new_bin operation.
func (b *Builder) NewBin() *NewBinOp {
	op := &NewBinOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// NewArr appends a new_arr operation.
func (b *Builder) NewArr() *NewArrOp {
	op := &NewArrOp{OpID: b.advance(1)}
	b.add(op)
	return op
}

// InsVal appends an ins_val operation setting target's child to value.
func (b *Builder) InsVal(target, value clock.Timestamp) *InsValOp {
	op := &InsValOp{OpID: b.advance(1), Target: target, Value: value}
	b.add(op)
	return op
}

// InsObj appends an ins_obj operation setting one or more keys of target.
func (b *Builder) InsObj(target clock.Timestamp, entries ...crdt.ObjEntry) *InsObjOp {
	op := &InsObjOp{OpID: b.advance(1), Target: target, Entries: entries}
	b.add(op)
	return op
}

// InsVec appends an ins_vec operation setting one or more slots of target.
func (b *Builder) InsVec(target clock.Timestamp, entries ...crdt.VecEntry) *InsVecOp {
	op := &InsVecOp{OpID: b.advance(1), Target: target, Entries: entries}
	b.add(op)
	return op
}

// InsStr appends an ins_str operation inserting text into target after
// slot after, advancing the counter by the UTF-16 code-unit length of text.
func (b *Builder) InsStr(target, after clock.Timestamp, text string) *InsStrOp {
	id := b.Next()
	op := NewInsStrOp(id, target, after, text)
	b.counter += op.Span()
	b.add(op)
	return op
}

// InsBin appends an ins_bin operation inserting data into target after slot
// after.
func (b *Builder) InsBin(target, after clock.Timestamp, data []byte) *InsBinOp {
	op := &InsBinOp{OpID: b.advance(uint64(len(data))), Target: target, After: after, Data: data}
	b.add(op)
	return op
}

// InsArr appends an ins_arr operation inserting children into target after
// slot after.
func (b *Builder) InsArr(target, after clock.Timestamp, children ...clock.Timestamp) *InsArrOp {
	op := &InsArrOp{OpID: b.advance(uint64(len(children))), Target: target, After: after, Children: children}
	b.add(op)
	return op
}

// UpdArr appends an upd_arr operation replacing the child at rga slot ref.
func (b *Builder) UpdArr(target, ref, value clock.Timestamp) *UpdArrOp {
	op := &UpdArrOp{OpID: b.advance(1), Target: target, Ref: ref, Value: value}
	b.add(op)
	return op
}

// Del appends a del operation tombstoning the given spans within target.
func (b *Builder) Del(target clock.Timestamp, spans ...clock.Timespan) *DelOp {
	op := &DelOp{OpID: b.advance(1), Target: target, Spans: spans}
	b.add(op)
	return op
}

// Nop appends a nop operation occupying span clock ticks.
func (b *Builder) Nop(span uint64) *NopOp {
	op := &NopOp{OpID: b.advance(span), SpanValue: span}
	b.add(op)
	return op
}

// Flush builds a Patch from every operation accumulated so far and resets
// the builder's pending operation list. The patch's id is the id its first
// operation was assigned; flushing an empty builder returns nil.
func (b *Builder) Flush() *Patch {
	if len(b.ops) == 0 {
		return nil
	}
	patch := NewPatch(b.ops[0].ID())
	for _, op := range b.ops {
		patch.AddOp(op)
	}
	b.ops = nil
	return patch
}
