// Package structbin implements the canonical whole-replica structural
// binary codec: the on-disk and wire snapshot form, independent of the
// patch binary codec in crdtpatch. Encoding the same replica twice, or
// round-tripping through a decode, always produces byte-identical output.
package structbin

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"jsoncrdt/clock"
	"jsoncrdt/crdt"
	"jsoncrdt/crdtid"
	"jsoncrdt/internal/cborval"
	"jsoncrdt/internal/crdterr"
	"jsoncrdt/varint"
)

const serverModeFlag = 0x80

// major type tags for the node encoding's octet, `(major << 5) | length`.
const (
	majorCon = 0
	majorVal = 1
	majorObj = 2
	majorVec = 3
	majorStr = 4
	majorBin = 5
	majorArr = 6
)

const lengthEscape = 31

// Encode produces the canonical structural binary snapshot of r.
func Encode(r *crdt.Replica) ([]byte, error) {
	if r.IsServerMode() {
		return encodeServerMode(r)
	}
	return encodeVectorMode(r)
}

func encodeServerMode(r *crdt.Replica) ([]byte, error) {
	buf := []byte{serverModeFlag}
	buf = varint.AppendVu57(buf, r.ServerClockTime())

	// A server-mode replica has no explicit clock table, so node sessions
	// are announced inline the first time they are referenced, exactly as
	// crdtpatch's compact ids do for peer sessions.
	table := crdtid.NewSessionTable(r.SID(), nil)
	root, err := encodeRootSection(r, table)
	if err != nil {
		return nil, err
	}
	return append(buf, root...), nil
}

func encodeVectorMode(r *crdt.Replica) ([]byte, error) {
	localTime, peers := r.VectorClockEntries()

	peerSIDs := make([]uint64, 0, len(peers))
	for sid := range peers {
		peerSIDs = append(peerSIDs, sid)
	}
	table := crdtid.NewSessionTable(r.SID(), peerSIDs)

	rootBytes, err := encodeRootSection(r, table)
	if err != nil {
		return nil, err
	}

	clockTable := varint.AppendVu57(nil, uint64(len(table.Sessions())))
	for _, sid := range table.Sessions() {
		time := localTime
		if sid != r.SID() {
			time = peers[sid]
		}
		clockTable = varint.AppendVu57(clockTable, sid)
		clockTable = varint.AppendVu57(clockTable, time)
	}

	offset := 4 + len(rootBytes)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(offset))

	out := append(header, rootBytes...)
	out = append(out, clockTable...)
	return out, nil
}

func encodeRootSection(r *crdt.Replica, table *crdtid.SessionTable) ([]byte, error) {
	root := r.Root()
	if !root.HasChild {
		return []byte{0x00}, nil
	}
	return encodeNode(r, root.Child, table)
}

// encodeID packs a node reference relative to base time zero: the
// structural codec has no patch-relative baseline, every id is either an
// already-tabled session's index or, in server mode, an inline
// announcement of a session seen for the first time.
func encodeID(buf []byte, table *crdtid.SessionTable, id clock.Timestamp) []byte {
	return table.EncodeTimestamp(buf, id, func(uint64) uint64 { return 0 })
}

func decodeID(data []byte, table *crdtid.SessionTable) (clock.Timestamp, int, error) {
	return table.DecodeTimestamp(data, func(uint64) uint64 { return 0 })
}

func encodeNode(r *crdt.Replica, id clock.Timestamp, table *crdtid.SessionTable) ([]byte, error) {
	n, ok := r.Get(id)
	if !ok {
		return nil, crdterr.NodeNotFound{SID: id.SID, Time: id.Time}
	}
	buf := encodeID(nil, table, id)

	switch node := n.(type) {
	case *crdt.ConNode:
		if node.IsRef {
			buf = append(buf, byte(majorCon<<5)|1)
			return encodeID(buf, table, node.Ref), nil
		}
		buf = append(buf, byte(majorCon<<5))
		lit, err := cborval.Marshal(node.Literal)
		if err != nil {
			return nil, err
		}
		return append(buf, lit...), nil

	case *crdt.ValNode:
		buf = append(buf, byte(majorVal<<5))
		if !node.HasChild {
			return append(buf, 0x00), nil
		}
		child, err := encodeNode(r, node.Child, table)
		if err != nil {
			return nil, err
		}
		return append(buf, child...), nil

	case *crdt.ObjNode:
		// Canonical form sorts keys lexicographically by code point,
		// independent of insertion order, so two replicas that built the
		// same object via different concurrent ins_obj orderings still
		// encode to identical bytes.
		keys := make([]string, 0, len(node.Keys))
		for _, key := range node.Keys {
			if _, ok := node.Fields[key]; ok {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		buf = appendLength(buf, majorObj, len(keys))
		for _, key := range keys {
			field := node.Fields[key]
			keyBytes, err := cborval.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyBytes...)
			child, err := encodeNode(r, field.Child, table)
			if err != nil {
				return nil, err
			}
			buf = append(buf, child...)
		}
		return buf, nil

	case *crdt.VecNode:
		buf = appendLength(buf, majorVec, len(node.Slots))
		for _, slot := range node.Slots {
			if !slot.Present {
				buf = append(buf, 0x00)
				continue
			}
			child, err := encodeNode(r, slot.Child, table)
			if err != nil {
				return nil, err
			}
			buf = append(buf, child...)
		}
		return buf, nil

	case *crdt.StrNode:
		return encodeStrNode(node, table, buf)

	case *crdt.BinNode:
		return encodeBinNode(node, table, buf)

	case *crdt.ArrNode:
		return encodeArrNode(r, node, table, buf)
	}
	return nil, crdterr.InvalidNodePayload{Reason: "unknown node kind at " + id.String()}
}

func appendLength(buf []byte, major byte, n int) []byte {
	if n < lengthEscape {
		return append(buf, (major<<5)|byte(n))
	}
	buf = append(buf, (major<<5)|lengthEscape)
	return varint.AppendVu57(buf, uint64(n))
}

func decodeLength(data []byte, octet byte) (uint64, int, error) {
	low := octet & 0x1F
	if low != lengthEscape {
		return uint64(low), 0, nil
	}
	return varint.DecodeVu57(data)
}

// strRun, binRun, arrRun describe one maximal contiguous, same-tombstone-
// state run of atoms, the unit the wire format actually chunks on (not
// individual atoms): `compact_id(run_start) || b1vu56(tombstoned, span) ||
// payload?`, payload present only when the run is alive.

func encodeStrNode(node *crdt.StrNode, table *crdtid.SessionTable, buf []byte) ([]byte, error) {
	runs := chunkStrAtoms(node.Atoms)
	buf = appendLength(buf, majorStr, len(runs))
	for _, run := range runs {
		buf = encodeID(buf, table, run.start)
		buf = varint.AppendB1Vu56(buf, run.tombstoned, run.span)
		if !run.tombstoned {
			buf = append(buf, []byte(string(utf16.Decode(run.units)))...)
		}
	}
	return buf, nil
}

func encodeBinNode(node *crdt.BinNode, table *crdtid.SessionTable, buf []byte) ([]byte, error) {
	runs := chunkBinAtoms(node.Atoms)
	buf = appendLength(buf, majorBin, len(runs))
	for _, run := range runs {
		buf = encodeID(buf, table, run.start)
		buf = varint.AppendB1Vu56(buf, run.tombstoned, run.span)
		if !run.tombstoned {
			buf = append(buf, run.data...)
		}
	}
	return buf, nil
}

func encodeArrNode(r *crdt.Replica, node *crdt.ArrNode, table *crdtid.SessionTable, buf []byte) ([]byte, error) {
	runs := chunkArrAtoms(node.Atoms)
	buf = appendLength(buf, majorArr, len(runs))
	for _, run := range runs {
		buf = encodeID(buf, table, run.start)
		buf = varint.AppendB1Vu56(buf, run.tombstoned, run.span)
		if !run.tombstoned {
			for _, child := range run.children {
				enc, err := encodeNode(r, child, table)
				if err != nil {
					return nil, err
				}
				buf = append(buf, enc...)
			}
		}
	}
	return buf, nil
}

type strRunT struct {
	start      clock.Timestamp
	span       uint64
	tombstoned bool
	units      []uint16
}

func chunkStrAtoms(atoms []crdt.StrAtom) []strRunT {
	var runs []strRunT
	for _, a := range atoms {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.tombstoned == a.Tombstoned && contiguous(last.start, last.span, a.Slot) {
				last.span++
				if !a.Tombstoned {
					last.units = append(last.units, a.CodeUnit)
				}
				continue
			}
		}
		run := strRunT{start: a.Slot, span: 1, tombstoned: a.Tombstoned}
		if !a.Tombstoned {
			run.units = []uint16{a.CodeUnit}
		}
		runs = append(runs, run)
	}
	return runs
}

type binRunT struct {
	start      clock.Timestamp
	span       uint64
	tombstoned bool
	data       []byte
}

func chunkBinAtoms(atoms []crdt.BinAtom) []binRunT {
	var runs []binRunT
	for _, a := range atoms {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.tombstoned == a.Tombstoned && contiguous(last.start, last.span, a.Slot) {
				last.span++
				if !a.Tombstoned {
					last.data = append(last.data, a.Byte)
				}
				continue
			}
		}
		run := binRunT{start: a.Slot, span: 1, tombstoned: a.Tombstoned}
		if !a.Tombstoned {
			run.data = []byte{a.Byte}
		}
		runs = append(runs, run)
	}
	return runs
}

type arrRunT struct {
	start      clock.Timestamp
	span       uint64
	tombstoned bool
	children   []clock.Timestamp
}

func chunkArrAtoms(atoms []crdt.ArrAtom) []arrRunT {
	var runs []arrRunT
	for _, a := range atoms {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.tombstoned == a.Tombstoned && contiguous(last.start, last.span, a.Slot) {
				last.span++
				if !a.Tombstoned {
					last.children = append(last.children, a.Child)
				}
				continue
			}
		}
		run := arrRunT{start: a.Slot, span: 1, tombstoned: a.Tombstoned}
		if !a.Tombstoned {
			run.children = []clock.Timestamp{a.Child}
		}
		runs = append(runs, run)
	}
	return runs
}

func contiguous(start clock.Timestamp, span uint64, next clock.Timestamp) bool {
	return next.SID == start.SID && next.Time == start.Time+span
}

// Decode reconstructs a replica from a structural binary snapshot produced
// by Encode. The returned replica is bound to localSID, which must match
// the session that produced the snapshot: the snapshot's clock table (or,
// in server mode, its inline announcements) records every session's own
// identity, but the caller still designates which one continues as local.
func Decode(localSID uint64, data []byte, opts ...crdt.Option) (*crdt.Replica, error) {
	if len(data) < 1 {
		return nil, crdterr.MalformedInput{Reason: "empty structural binary"}
	}
	if data[0]&serverModeFlag != 0 {
		return decodeServerMode(localSID, data, opts...)
	}
	return decodeVectorMode(localSID, data, opts...)
}

func decodeServerMode(localSID uint64, data []byte, opts ...crdt.Option) (*crdt.Replica, error) {
	serverTime, n, err := varint.DecodeVu57(data[1:])
	if err != nil {
		return nil, err
	}
	pos := 1 + n

	r := crdt.NewReplica(localSID, append(opts, crdt.WithServerClock())...)
	table := crdtid.NewSessionTable(localSID, nil)
	if err := decodeRootSection(r, data[pos:], table); err != nil {
		return nil, err
	}
	r.SeedServerClock(serverTime)
	return r, nil
}

func decodeVectorMode(localSID uint64, data []byte, opts ...crdt.Option) (*crdt.Replica, error) {
	if len(data) < 4 {
		return nil, crdterr.MalformedInput{Reason: "structural binary header truncated"}
	}
	offset := int(binary.BigEndian.Uint32(data[:4]))
	if offset < 4 || offset > len(data) {
		return nil, crdterr.MalformedInput{Reason: "structural binary offset out of range"}
	}
	rootBytes := data[4:offset]
	clockTableBytes := data[offset:]

	n, count, err := varint.DecodeVu57(clockTableBytes)
	if err != nil {
		return nil, err
	}
	pos := n
	sids := make([]uint64, 0, count)
	times := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		sid, n, err := varint.DecodeVu57(clockTableBytes[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		t, n, err := varint.DecodeVu57(clockTableBytes[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		sids = append(sids, sid)
		times[sid] = t
	}
	if len(sids) == 0 || sids[0] != localSID {
		return nil, crdterr.InvalidClockTable{Reason: "first clock table entry must be the local session"}
	}

	r := crdt.NewReplica(localSID, opts...)
	table := crdtid.NewSessionTable(localSID, sids[1:])
	if err := decodeRootSection(r, rootBytes, table); err != nil {
		return nil, err
	}

	localTime := times[localSID]
	peers := make(map[uint64]uint64, len(times))
	for sid, t := range times {
		if sid == localSID {
			continue
		}
		peers[sid] = t
	}
	r.SeedVectorClock(localTime, peers)
	return r, nil
}

func decodeRootSection(r *crdt.Replica, data []byte, table *crdtid.SessionTable) error {
	if len(data) > 0 && data[0] == 0x00 {
		return nil
	}
	rootID, _, err := decodeNode(r, data, table)
	if err != nil {
		return err
	}
	r.SetRootChild(rootID, rootID)
	return nil
}

// decodeNode decodes one node (and, recursively, its children) from the
// front of data, writes it into r's arena, and returns the node's own id
// and the number of bytes consumed.
func decodeNode(r *crdt.Replica, data []byte, table *crdtid.SessionTable) (clock.Timestamp, int, error) {
	id, n, err := decodeID(data, table)
	if err != nil {
		return clock.Timestamp{}, 0, err
	}
	pos := n
	if pos >= len(data) {
		return clock.Timestamp{}, 0, crdterr.Overflow{Context: "node octet"}
	}
	octet := data[pos]
	major := octet >> 5
	pos++

	switch major {
	case majorCon:
		if octet&0x1F == 1 {
			ref, n, err := decodeID(data[pos:], table)
			if err != nil {
				return clock.Timestamp{}, 0, err
			}
			pos += n
			r.PutNode(id, &crdt.ConNode{NodeID: id, IsRef: true, Ref: ref})
			return id, pos, nil
		}
		lit, n, err := cborval.UnmarshalPrefix(data[pos:])
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		r.PutNode(id, &crdt.ConNode{NodeID: id, Literal: lit})
		return id, pos, nil

	case majorVal:
		if pos < len(data) && data[pos] == 0x00 {
			r.PutNode(id, &crdt.ValNode{NodeID: id, Writer: id})
			return id, pos + 1, nil
		}
		child, n, err := decodeNode(r, data[pos:], table)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		r.PutNode(id, &crdt.ValNode{NodeID: id, Writer: child, Child: child, HasChild: true})
		return id, pos, nil

	case majorObj:
		count, n, err := decodeLength(data[pos:], octet)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		obj := &crdt.ObjNode{NodeID: id, Fields: make(map[string]crdt.ObjField, count)}
		for i := uint64(0); i < count; i++ {
			key, n, err := cborval.UnmarshalPrefix(data[pos:])
			if err != nil {
				return clock.Timestamp{}, 0, err
			}
			pos += n
			child, n, err := decodeNode(r, data[pos:], table)
			if err != nil {
				return clock.Timestamp{}, 0, err
			}
			pos += n
			keyStr, _ := key.(string)
			obj.Keys = append(obj.Keys, keyStr)
			obj.Fields[keyStr] = crdt.ObjField{Writer: child, Child: child}
		}
		r.PutNode(id, obj)
		return id, pos, nil

	case majorVec:
		count, n, err := decodeLength(data[pos:], octet)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		vec := &crdt.VecNode{NodeID: id, Slots: make([]crdt.VecSlot, count)}
		for i := uint64(0); i < count; i++ {
			if pos < len(data) && data[pos] == 0x00 {
				pos++
				continue
			}
			child, n, err := decodeNode(r, data[pos:], table)
			if err != nil {
				return clock.Timestamp{}, 0, err
			}
			pos += n
			vec.Slots[i] = crdt.VecSlot{Writer: child, Child: child, Present: true}
		}
		r.PutNode(id, vec)
		return id, pos, nil

	case majorStr:
		atoms, n, err := decodeStrRuns(data[pos:], octet, table)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		r.PutNode(id, &crdt.StrNode{NodeID: id, Atoms: atoms})
		return id, pos, nil

	case majorBin:
		atoms, n, err := decodeBinRuns(data[pos:], octet, table)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		r.PutNode(id, &crdt.BinNode{NodeID: id, Atoms: atoms})
		return id, pos, nil

	case majorArr:
		atoms, n, err := decodeArrRuns(r, data[pos:], octet, table)
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
		pos += n
		r.PutNode(id, &crdt.ArrNode{NodeID: id, Atoms: atoms})
		return id, pos, nil
	}
	return clock.Timestamp{}, 0, crdterr.InvalidNodePayload{Reason: "unknown major type " + id.String()}
}

func decodeStrRuns(data []byte, octet byte, table *crdtid.SessionTable) ([]crdt.StrAtom, int, error) {
	count, n, err := decodeLength(data, octet)
	if err != nil {
		return nil, 0, err
	}
	pos := n
	var atoms []crdt.StrAtom
	for i := uint64(0); i < count; i++ {
		start, n, err := decodeID(data[pos:], table)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		flag, span, n, err := varint.DecodeB1Vu56(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if flag {
			for j := uint64(0); j < span; j++ {
				atoms = append(atoms, crdt.StrAtom{Slot: start.Tick(j), Tombstoned: true})
			}
			continue
		}
		text, n, err := decodeUTF16Span(data[pos:], span)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		units := utf16.Encode([]rune(text))
		for j, u := range units {
			atoms = append(atoms, crdt.StrAtom{Slot: start.Tick(uint64(j)), CodeUnit: u})
		}
	}
	return atoms, pos, nil
}

func decodeBinRuns(data []byte, octet byte, table *crdtid.SessionTable) ([]crdt.BinAtom, int, error) {
	count, n, err := decodeLength(data, octet)
	if err != nil {
		return nil, 0, err
	}
	pos := n
	var atoms []crdt.BinAtom
	for i := uint64(0); i < count; i++ {
		start, n, err := decodeID(data[pos:], table)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		flag, span, n, err := varint.DecodeB1Vu56(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if flag {
			for j := uint64(0); j < span; j++ {
				atoms = append(atoms, crdt.BinAtom{Slot: start.Tick(j), Tombstoned: true})
			}
			continue
		}
		if uint64(len(data)-pos) < span {
			return nil, 0, crdterr.Overflow{Context: "bin run payload"}
		}
		for j := uint64(0); j < span; j++ {
			atoms = append(atoms, crdt.BinAtom{Slot: start.Tick(j), Byte: data[pos+int(j)]})
		}
		pos += int(span)
	}
	return atoms, pos, nil
}

func decodeArrRuns(r *crdt.Replica, data []byte, octet byte, table *crdtid.SessionTable) ([]crdt.ArrAtom, int, error) {
	count, n, err := decodeLength(data, octet)
	if err != nil {
		return nil, 0, err
	}
	pos := n
	var atoms []crdt.ArrAtom
	for i := uint64(0); i < count; i++ {
		start, n, err := decodeID(data[pos:], table)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		flag, span, n, err := varint.DecodeB1Vu56(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if flag {
			for j := uint64(0); j < span; j++ {
				atoms = append(atoms, crdt.ArrAtom{Slot: start.Tick(j), Tombstoned: true})
			}
			continue
		}
		for j := uint64(0); j < span; j++ {
			child, n, err := decodeNode(r, data[pos:], table)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			slot := start.Tick(j)
			atoms = append(atoms, crdt.ArrAtom{Slot: slot, Writer: child, Child: child})
		}
	}
	return atoms, pos, nil
}

// decodeUTF16Span reads a UTF-8 string whose length, measured in UTF-16
// code units, is exactly units — the same incremental accounting
// crdtpatch's ins_str decoder uses, since the wire payload is UTF-8 while
// the span is counted in UTF-16 units.
func decodeUTF16Span(data []byte, units uint64) (string, int, error) {
	var consumed uint64
	pos := 0
	for consumed < units {
		if pos >= len(data) {
			return "", 0, crdterr.Overflow{Context: "str run text"}
		}
		r, size := utf8.DecodeRune(data[pos:])
		if r == utf8.RuneError && size <= 1 {
			return "", 0, crdterr.MalformedInput{Reason: "invalid utf-8 in str run"}
		}
		pos += size
		if r > 0xFFFF {
			consumed += 2
		} else {
			consumed++
		}
	}
	return string(data[:pos]), pos, nil
}
