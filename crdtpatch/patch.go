package crdtpatch

import (
	"github.com/pkg/errors"

	"jsoncrdt/clock"
	"jsoncrdt/crdt"
	"jsoncrdt/crdtid"
	"jsoncrdt/internal/cborval"
	"jsoncrdt/internal/crdterr"
	"jsoncrdt/varint"
)

// Patch is a self-contained, ordered sequence of operations sharing one
// session and one contiguous span of logical time: the patch's own id is
// the id of its first operation. Operation ids are never stored on the
// wire — each operation's id is the patch id advanced by the cumulative
// span of the operations before it, so decode recomputes ids exactly as
// encode assigned them.
type Patch struct {
	id   clock.Timestamp
	meta interface{}
	ops  []Op

	// malformed and raw hold the permissive-decode fallback: a patch
	// decoded from input that failed framing outside the narrow hard-fail
	// classes decodes to zero operations, preserving its original bytes.
	malformed bool
	raw       []byte
}

// NewPatch constructs an empty patch whose first operation will be
// assigned id.
func NewPatch(id clock.Timestamp) *Patch {
	return &Patch{id: id}
}

// ID returns the patch's id (the id of its first operation).
func (p *Patch) ID() clock.Timestamp { return p.id }

// Meta returns the patch's metadata value (typically nil).
func (p *Patch) Meta() interface{} { return p.meta }

// SetMeta sets the patch's metadata value, encoded as CBOR on the wire.
func (p *Patch) SetMeta(v interface{}) { p.meta = v }

// Ops returns the patch's operations in order.
func (p *Patch) Ops() []Op { return p.ops }

// AddOp appends op to the patch.
func (p *Patch) AddOp(op Op) { p.ops = append(p.ops, op) }

// Span returns the total number of clock ticks the patch's operations
// occupy.
func (p *Patch) Span() uint64 {
	var total uint64
	for _, op := range p.ops {
		total += op.Span()
	}
	return total
}

// IsMalformed reports whether this patch is a permissive-decode fallback
// carrying no operations.
func (p *Patch) IsMalformed() bool { return p.malformed }

// Apply applies every operation in the patch to r, in order, observing
// the clock for each. Application is atomic: on any error the replica is
// left exactly as it was before the call.
func (p *Patch) Apply(r *crdt.Replica) error {
	if p.malformed {
		return nil
	}
	snapshot := r.Snapshot()
	for _, op := range p.ops {
		if err := r.Observe(op.ID(), op.Span()); err != nil {
			r.Restore(snapshot)
			return errors.Wrap(err, "observe patch operation")
		}
		if err := op.Apply(r); err != nil {
			r.Restore(snapshot)
			return errors.Wrap(err, "apply patch operation")
		}
	}
	return nil
}

// ToBinary encodes the patch per the wire layout:
// vu57(sid) || vu57(time) || cbor(meta) || vu57(op_count) || op*.
// A malformed patch's ToBinary returns exactly the bytes it was decoded
// from.
func (p *Patch) ToBinary() ([]byte, error) {
	if p.malformed {
		return append([]byte(nil), p.raw...), nil
	}
	buf := varint.AppendVu57(nil, p.id.SID)
	buf = varint.AppendVu57(buf, p.id.Time)

	metaBytes, err := cborval.Marshal(p.meta)
	if err != nil {
		return nil, errors.Wrap(err, "marshal patch metadata")
	}
	buf = append(buf, metaBytes...)
	buf = varint.AppendVu57(buf, uint64(len(p.ops)))

	table := crdtid.NewSessionTable(p.id.SID, nil)
	for _, op := range p.ops {
		buf, err = encodeOp(buf, op, table, p.id)
		if err != nil {
			return nil, errors.Wrap(err, "encode operation")
		}
	}
	return buf, nil
}

// FromBinary decodes a patch from its wire form. Per §4.4's decoder
// permissiveness rule, input that is not well-formed but does not fall
// into the narrow hard-fail set (unknown opcode, leading byte 0x7b)
// decodes to a zero-operation patch that preserves the original bytes
// rather than returning an error.
func FromBinary(data []byte) (*Patch, error) {
	if len(data) > 0 && data[0] == 0x7b {
		return nil, crdterr.MalformedInput{Reason: "leading byte 0x7b"}
	}
	p, err := decodeBinary(data)
	if err != nil {
		if _, ok := errors.Cause(err).(crdterr.UnknownOpcode); ok {
			return nil, err
		}
		return &Patch{malformed: true, raw: append([]byte(nil), data...)}, nil
	}
	return p, nil
}

func decodeBinary(data []byte) (*Patch, error) {
	sid, n, err := varint.DecodeVu57(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]

	t, n, err := varint.DecodeVu57(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]

	meta, n, err := cborval.UnmarshalPrefix(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]

	opCount, n, err := varint.DecodeVu57(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]

	id := clock.New(sid, t)
	p := NewPatch(id)
	p.meta = meta

	table := crdtid.NewSessionTable(sid, nil)
	cursor := id
	for i := uint64(0); i < opCount; i++ {
		op, consumed, err := decodeOp(data, cursor, table, id)
		if err != nil {
			return nil, err
		}
		data = data[consumed:]
		p.ops = append(p.ops, op)
		cursor = cursor.Tick(op.Span())
	}
	return p, nil
}

// RewriteTime produces a new patch whose operation ids are every id and
// reference shifted by the delta between newID and the patch's own id.
// References to other sessions are left untouched.
func (p *Patch) RewriteTime(newID clock.Timestamp) *Patch {
	rewrite := func(ts clock.Timestamp) clock.Timestamp {
		if ts.SID != p.id.SID {
			return ts
		}
		delta := int64(newID.Time) - int64(p.id.Time)
		return clock.New(ts.SID, uint64(int64(ts.Time)+delta))
	}

	out := NewPatch(newID)
	out.meta = p.meta
	for _, op := range p.ops {
		out.ops = append(out.ops, rewriteOp(op, rewrite))
	}
	return out
}

// Rebase shifts every id of the patch's own session that is at or after
// horizon by newTime - patch_start. It is idempotent when newTime equals
// the patch's own starting time.
func (p *Patch) Rebase(newTime uint64, horizon clock.Timestamp) *Patch {
	if newTime == p.id.Time {
		return p.RewriteTime(p.id)
	}
	delta := int64(newTime) - int64(p.id.Time)
	rewrite := func(ts clock.Timestamp) clock.Timestamp {
		if ts.SID != p.id.SID || ts.Time < horizon.Time {
			return ts
		}
		return clock.New(ts.SID, uint64(int64(ts.Time)+delta))
	}

	newID := rewrite(p.id)
	out := NewPatch(newID)
	out.meta = p.meta
	for _, op := range p.ops {
		out.ops = append(out.ops, rewriteOp(op, rewrite))
	}
	return out
}

// Compact canonicalizes a patch's own operation list: adjacent operations
// that insert into the same RGA target, where the second picks up exactly
// where the first left off, are folded into a single operation. A run of
// adjacent nop operations is folded the same way. The result has the same
// net effect on a replica as the original and never encodes to more bytes.
func (p *Patch) Compact() *Patch {
	out := NewPatch(p.id)
	out.meta = p.meta
	for _, op := range p.ops {
		if n := len(out.ops); n > 0 {
			if merged := mergeOp(out.ops[n-1], op); merged != nil {
				out.ops[n-1] = merged
				continue
			}
		}
		out.ops = append(out.ops, op)
	}
	return out
}

// mergeOp reports whether next can be folded into prev without changing
// net effect, returning the merged operation, or nil if the pair must stay
// separate.
func mergeOp(prev, next Op) Op {
	switch a := prev.(type) {
	case *InsStrOp:
		b, ok := next.(*InsStrOp)
		if !ok || b.Target != a.Target || b.After != a.OpID.Tick(a.Span()-1) {
			return nil
		}
		return NewInsStrOp(a.OpID, a.Target, a.After, a.Text+b.Text)
	case *InsBinOp:
		b, ok := next.(*InsBinOp)
		if !ok || b.Target != a.Target || b.After != a.OpID.Tick(a.Span()-1) {
			return nil
		}
		merged := *a
		merged.Data = append(append([]byte(nil), a.Data...), b.Data...)
		return &merged
	case *InsArrOp:
		b, ok := next.(*InsArrOp)
		if !ok || b.Target != a.Target || b.After != a.OpID.Tick(a.Span()-1) {
			return nil
		}
		merged := *a
		merged.Children = append(append([]clock.Timestamp(nil), a.Children...), b.Children...)
		return &merged
	case *NopOp:
		b, ok := next.(*NopOp)
		if !ok {
			return nil
		}
		merged := *a
		merged.SpanValue = a.SpanValue + b.SpanValue
		return &merged
	default:
		return nil
	}
}

// Combine merges a run of adjacent patches that share a session into one
// patch with the same net effect on a replica, then compacts the result.
// Patches must be given in session order with no gaps: each patch's id
// must equal the time the previous patch's span ends at.
func Combine(patches []*Patch) (*Patch, error) {
	if len(patches) == 0 {
		return nil, crdterr.InvalidOperation{Message: "combine requires at least one patch"}
	}
	first := patches[0]
	if first.malformed {
		return nil, crdterr.InvalidOperation{Message: "cannot combine a malformed patch"}
	}

	out := NewPatch(first.id)
	out.meta = first.meta
	cursor := first.id
	for _, p := range patches {
		if p.malformed {
			return nil, crdterr.InvalidOperation{Message: "cannot combine a malformed patch"}
		}
		if p.id.SID != first.id.SID {
			return nil, crdterr.InvalidOperation{Message: "combine requires patches from the same session"}
		}
		if p.id != cursor {
			return nil, crdterr.InvalidOperation{Message: "combine requires contiguous, gap-free patches"}
		}
		out.ops = append(out.ops, p.ops...)
		cursor = cursor.Tick(p.Span())
	}
	return out.Compact(), nil
}

func rewriteOp(op Op, f func(clock.Timestamp) clock.Timestamp) Op {
	switch o := op.(type) {
	case *NewConOp:
		n := *o
		n.OpID = f(o.OpID)
		if n.IsRef {
			n.Ref = f(o.Ref)
		}
		return &n
	case *NewValOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *NewObjOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *NewVecOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *NewStrOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *NewBinOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *NewArrOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	case *InsValOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.Value = f(o.Value)
		return &n
	case *InsObjOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.Entries = append([]crdt.ObjEntry(nil), o.Entries...)
		for i := range n.Entries {
			n.Entries[i].Child = f(n.Entries[i].Child)
		}
		return &n
	case *InsVecOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.Entries = append([]crdt.VecEntry(nil), o.Entries...)
		for i := range n.Entries {
			n.Entries[i].Child = f(n.Entries[i].Child)
		}
		return &n
	case *InsStrOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.After = f(o.After)
		return &n
	case *InsBinOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.After = f(o.After)
		return &n
	case *InsArrOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.After = f(o.After)
		n.Children = append([]clock.Timestamp(nil), o.Children...)
		for i := range n.Children {
			n.Children[i] = f(n.Children[i])
		}
		return &n
	case *UpdArrOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.Ref = f(o.Ref)
		n.Value = f(o.Value)
		return &n
	case *DelOp:
		n := *o
		n.OpID = f(o.OpID)
		n.Target = f(o.Target)
		n.Spans = append([]clock.Timespan(nil), o.Spans...)
		for i := range n.Spans {
			start := f(n.Spans[i].Ts())
			n.Spans[i] = clock.NewSpan(start.SID, start.Time, n.Spans[i].Span)
		}
		return &n
	case *NopOp:
		n := *o
		n.OpID = f(o.OpID)
		return &n
	default:
		return op
	}
}
