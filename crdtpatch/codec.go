package crdtpatch

import (
	"unicode/utf8"

	"jsoncrdt/clock"
	"jsoncrdt/crdt"
	"jsoncrdt/crdtid"
	"jsoncrdt/internal/cborval"
	"jsoncrdt/internal/crdterr"
	"jsoncrdt/varint"
)

// baseTimeFor returns the time-delta base a compact id for session sid is
// packed relative to: the patch's own session bases off the patch header's
// own starting time, since every one of its own references falls inside or
// before the patch's own span; any other (peer) session bases off zero,
// since a patch can only ever reference an already-observed absolute peer
// time.
func baseTimeFor(sid uint64, patchID clock.Timestamp) uint64 {
	if sid == patchID.SID {
		return patchID.Time
	}
	return 0
}

func encodeTS(buf []byte, table *crdtid.SessionTable, ts, patchID clock.Timestamp) []byte {
	return table.EncodeTimestamp(buf, ts, func(sid uint64) uint64 { return baseTimeFor(sid, patchID) })
}

func decodeTS(data []byte, table *crdtid.SessionTable, patchID clock.Timestamp) (clock.Timestamp, int, error) {
	return table.DecodeTimestamp(data, func(sid uint64) uint64 { return baseTimeFor(sid, patchID) })
}

// appendLength appends a general length octet: values 0-6 are encoded
// directly in the low 3 bits; 7 means the true length follows as a vu57.
func appendLength(buf []byte, opcode Opcode, low3extra byte, n uint64) []byte {
	if n <= 6 {
		return append(buf, byte(opcode)<<3|low3extra|byte(n))
	}
	buf = append(buf, byte(opcode)<<3|low3extra|0x7)
	return varint.AppendVu57(buf, n)
}

func decodeLength(data []byte, low3 byte) (uint64, int, error) {
	if low3 != 0x7 {
		return uint64(low3), 0, nil
	}
	n, consumed, err := varint.DecodeVu57(data)
	if err != nil {
		return 0, 0, err
	}
	return n, consumed, nil
}

// encodeOp appends op's wire encoding to buf. The opcode/length octet is
// `opcode<<3 | low3`, where low3 is 0-6 for a literal small count or 7 to
// signal that the true count follows as a vu57; new_con instead uses its
// low bit as a literal-vs-ref discriminator, per its own payload shape.
func encodeOp(buf []byte, op Op, table *crdtid.SessionTable, patchID clock.Timestamp) ([]byte, error) {
	switch o := op.(type) {
	case *NewConOp:
		low := byte(0)
		if o.IsRef {
			low = 1
		}
		buf = append(buf, byte(OpNewCon)<<3|low)
		if o.IsRef {
			buf = encodeTS(buf, table, o.Ref, patchID)
			return buf, nil
		}
		lit, err := cborval.Marshal(o.Literal)
		if err != nil {
			return nil, err
		}
		return append(buf, lit...), nil

	case *NewValOp:
		return append(buf, byte(OpNewVal)<<3), nil
	case *NewObjOp:
		return append(buf, byte(OpNewObj)<<3), nil
	case *NewVecOp:
		return append(buf, byte(OpNewVec)<<3), nil
	case *NewStrOp:
		return append(buf, byte(OpNewStr)<<3), nil
	case *NewBinOp:
		return append(buf, byte(OpNewBin)<<3), nil
	case *NewArrOp:
		return append(buf, byte(OpNewArr)<<3), nil

	case *InsValOp:
		buf = append(buf, byte(OpInsVal)<<3)
		buf = encodeTS(buf, table, o.Target, patchID)
		buf = encodeTS(buf, table, o.Value, patchID)
		return buf, nil

	case *InsObjOp:
		buf = appendLength(buf, OpInsObj, 0, uint64(len(o.Entries)))
		buf = encodeTS(buf, table, o.Target, patchID)
		for _, e := range o.Entries {
			key, err := cborval.Marshal(e.Key)
			if err != nil {
				return nil, err
			}
			buf = append(buf, key...)
			buf = encodeTS(buf, table, e.Child, patchID)
		}
		return buf, nil

	case *InsVecOp:
		buf = appendLength(buf, OpInsVec, 0, uint64(len(o.Entries)))
		buf = encodeTS(buf, table, o.Target, patchID)
		for _, e := range o.Entries {
			buf = append(buf, e.Index)
			buf = encodeTS(buf, table, e.Child, patchID)
		}
		return buf, nil

	case *InsStrOp:
		units := o.Span()
		buf = appendLength(buf, OpInsStr, 0, units)
		buf = encodeTS(buf, table, o.Target, patchID)
		buf = encodeTS(buf, table, o.After, patchID)
		return append(buf, []byte(o.Text)...), nil

	case *InsBinOp:
		buf = appendLength(buf, OpInsBin, 0, uint64(len(o.Data)))
		buf = encodeTS(buf, table, o.Target, patchID)
		buf = encodeTS(buf, table, o.After, patchID)
		return append(buf, o.Data...), nil

	case *InsArrOp:
		buf = appendLength(buf, OpInsArr, 0, uint64(len(o.Children)))
		buf = encodeTS(buf, table, o.Target, patchID)
		buf = encodeTS(buf, table, o.After, patchID)
		for _, c := range o.Children {
			buf = encodeTS(buf, table, c, patchID)
		}
		return buf, nil

	case *UpdArrOp:
		buf = append(buf, byte(OpUpdArr)<<3)
		buf = encodeTS(buf, table, o.Target, patchID)
		buf = encodeTS(buf, table, o.Ref, patchID)
		buf = encodeTS(buf, table, o.Value, patchID)
		return buf, nil

	case *DelOp:
		buf = appendLength(buf, OpDel, 0, uint64(len(o.Spans)))
		buf = encodeTS(buf, table, o.Target, patchID)
		for _, sp := range o.Spans {
			buf = encodeTS(buf, table, sp.Ts(), patchID)
			buf = varint.AppendVu57(buf, sp.Span)
		}
		return buf, nil

	case *NopOp:
		return appendLength(buf, OpNop, 0, o.SpanValue), nil

	default:
		return nil, crdterr.InvalidOperation{Message: "unknown op type in encoder"}
	}
}

// decodeOp decodes a single operation from the front of data, returning the
// op, bytes consumed, and error. id is the implicit id this operation is
// assigned: the patch id advanced by the cumulative span of every prior
// operation in the patch.
func decodeOp(data []byte, id clock.Timestamp, table *crdtid.SessionTable, patchID clock.Timestamp) (Op, int, error) {
	if len(data) < 1 {
		return nil, 0, crdterr.Overflow{Context: "operation"}
	}
	octet := data[0]
	opcode := Opcode(octet >> 3)
	low3 := octet & 0x7
	pos := 1

	switch opcode {
	case OpNewCon:
		if low3&1 != 0 {
			ref, n, err := decodeTS(data[pos:], table, patchID)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			return &NewConOp{OpID: id, IsRef: true, Ref: ref}, pos, nil
		}
		lit, n, err := cborval.UnmarshalPrefix(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		return &NewConOp{OpID: id, Literal: lit}, pos, nil

	case OpNewVal:
		return &NewValOp{OpID: id}, pos, nil
	case OpNewObj:
		return &NewObjOp{OpID: id}, pos, nil
	case OpNewVec:
		return &NewVecOp{OpID: id}, pos, nil
	case OpNewStr:
		return &NewStrOp{OpID: id}, pos, nil
	case OpNewBin:
		return &NewBinOp{OpID: id}, pos, nil
	case OpNewArr:
		return &NewArrOp{OpID: id}, pos, nil

	case OpInsVal:
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		value, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		return &InsValOp{OpID: id, Target: target, Value: value}, pos, nil

	case OpInsObj:
		count, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		entries := make([]crdt.ObjEntry, count)
		for i := uint64(0); i < count; i++ {
			key, n, err := cborval.UnmarshalPrefix(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			pos += n
			child, n, err := decodeTS(data[pos:], table, patchID)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			keyStr, _ := key.(string)
			entries[i] = crdt.ObjEntry{Key: keyStr, Child: child}
		}
		return &InsObjOp{OpID: id, Target: target, Entries: entries}, pos, nil

	case OpInsVec:
		count, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		entries := make([]crdt.VecEntry, count)
		for i := uint64(0); i < count; i++ {
			if pos >= len(data) {
				return nil, 0, crdterr.Overflow{Context: "ins_vec index"}
			}
			idx := data[pos]
			pos++
			child, n, err := decodeTS(data[pos:], table, patchID)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			entries[i] = crdt.VecEntry{Index: idx, Child: child}
		}
		return &InsVecOp{OpID: id, Target: target, Entries: entries}, pos, nil

	case OpInsStr:
		units, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		after, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		text, consumed, err := decodeUTF16PrefixedText(data[pos:], units)
		if err != nil {
			return nil, 0, err
		}
		pos += consumed
		return &InsStrOp{OpID: id, Target: target, After: after, Text: text, span: units}, pos, nil

	case OpInsBin:
		count, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		after, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if uint64(len(data)-pos) < count {
			return nil, 0, crdterr.Overflow{Context: "ins_bin data"}
		}
		payload := append([]byte(nil), data[pos:pos+int(count)]...)
		pos += int(count)
		return &InsBinOp{OpID: id, Target: target, After: after, Data: payload}, pos, nil

	case OpInsArr:
		count, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		after, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		children := make([]clock.Timestamp, count)
		for i := uint64(0); i < count; i++ {
			child, n, err := decodeTS(data[pos:], table, patchID)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			children[i] = child
		}
		return &InsArrOp{OpID: id, Target: target, After: after, Children: children}, pos, nil

	case OpUpdArr:
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		ref, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		value, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		return &UpdArrOp{OpID: id, Target: target, Ref: ref, Value: value}, pos, nil

	case OpDel:
		count, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		target, n, err := decodeTS(data[pos:], table, patchID)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		spans := make([]clock.Timespan, count)
		for i := uint64(0); i < count; i++ {
			start, n, err := decodeTS(data[pos:], table, patchID)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			span, n, err := varint.DecodeVu57(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			pos += n
			spans[i] = clock.NewSpan(start.SID, start.Time, span)
		}
		return &DelOp{OpID: id, Target: target, Spans: spans}, pos, nil

	case OpNop:
		span, n, err := decodeLength(data[pos:], low3)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		return &NopOp{OpID: id, SpanValue: span}, pos, nil

	default:
		return nil, 0, crdterr.UnknownOpcode{Opcode: byte(opcode)}
	}
}

// decodeUTF16PrefixedText reads a UTF-8 string whose length, measured in
// UTF-16 code units, is exactly units. Since the wire payload carries UTF-8
// bytes rather than UTF-16 units, the string is decoded incrementally so
// non-BMP runes (two code units, four UTF-8 bytes) are accounted for
// correctly.
func decodeUTF16PrefixedText(data []byte, units uint64) (string, int, error) {
	var consumedUnits uint64
	pos := 0
	for consumedUnits < units {
		if pos >= len(data) {
			return "", 0, crdterr.Overflow{Context: "ins_str text"}
		}
		r, size := utf8.DecodeRune(data[pos:])
		if r == utf8.RuneError && size <= 1 {
			return "", 0, crdterr.MalformedInput{Reason: "invalid utf-8 in ins_str text"}
		}
		pos += size
		if r > 0xFFFF {
			consumedUnits += 2
		} else {
			consumedUnits++
		}
	}
	return string(data[:pos]), pos, nil
}
