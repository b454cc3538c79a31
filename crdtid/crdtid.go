// Package crdtid implements the compact identifier codec used by the
// patch binary wire format: a timestamp relative to a patch's own id is
// encoded as a (session-table index, time delta) pair, packed into as
// little as one byte.
package crdtid

import (
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"

	"jsoncrdt/clock"
	"jsoncrdt/internal/crdterr"
	"jsoncrdt/varint"
)

// EncodeID appends the compact encoding of (flag, x, y) to buf. The single
// byte form 0xxxyyyy is only available when flag is clear and x fits in 3
// bits and y fits in 4 bits; otherwise x is written as a flagged b1vu56 and
// y as a vu57. The flag bit distinguishes, in the session-table context,
// whether x is a table index (flag clear) or a session id being announced
// for the first time (flag set) — the single-byte form can therefore never
// carry a session announcement.
func EncodeID(buf []byte, flag bool, x, y uint64) []byte {
	if !flag && x <= 0x7 && y <= 0xF {
		return append(buf, byte((x<<4)|y))
	}
	buf = varint.AppendB1Vu56(buf, flag, x)
	buf = varint.AppendVu57(buf, y)
	return buf
}

// DecodeID decodes a compact id from the front of data, returning its flag,
// (x, y), and the number of bytes consumed.
func DecodeID(data []byte) (flag bool, x, y uint64, n int, err error) {
	if len(data) < 1 {
		return false, 0, 0, 0, crdterr.Overflow{Context: "id"}
	}
	b := data[0]
	if b <= 0x7F {
		return false, uint64(b >> 4), uint64(b & 0x0F), 1, nil
	}
	flag, x, n1, err := varint.DecodeB1Vu56(data)
	if err != nil {
		return false, 0, 0, 0, err
	}
	y, n2, err := varint.DecodeVu57(data[n1:])
	if err != nil {
		return false, 0, 0, 0, err
	}
	return flag, x, y, n1 + n2, nil
}

// SessionTable assigns small indices to the session ids referenced by a
// patch, so that timestamps can be written as (table index, time delta)
// rather than repeating the full session id at every reference. Index 0 is
// always the patch's own session; the peers passed to NewSessionTable follow
// in ascending session id order. Sessions added later by IndexOfNew or
// AddSession are appended after them in first-reference order, not sorted
// into place.
type SessionTable struct {
	local uint64
	peers []uint64
	index map[uint64]int
}

// NewSessionTable builds a table rooted at localSID, with peers (deduped and
// sorted ascending) following.
func NewSessionTable(localSID uint64, peers []uint64) *SessionTable {
	seen := make(map[uint64]struct{}, len(peers))
	uniq := make([]uint64, 0, len(peers))
	for _, p := range peers {
		if p == localSID {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	index := make(map[uint64]int, len(uniq)+1)
	index[localSID] = 0
	for i, sid := range uniq {
		index[sid] = i + 1
	}
	return &SessionTable{local: localSID, peers: uniq, index: index}
}

// IndexOf returns the table index for sid, adding it as a new peer entry if
// it has not been seen before.
func (t *SessionTable) IndexOf(sid uint64) int {
	idx, _ := t.IndexOfNew(sid)
	return idx
}

// IndexOfNew returns the table index for sid and reports whether this call
// just added sid to the table. A caller encoding a reference to a session
// table has not yet seen must transmit the session id itself, not merely its
// freshly assigned index, since nothing else on the wire carries it.
func (t *SessionTable) IndexOfNew(sid uint64) (idx int, isNew bool) {
	if idx, ok := t.index[sid]; ok {
		return idx, false
	}
	idx = len(t.peers) + 1
	t.peers = append(t.peers, sid)
	t.index[sid] = idx
	return idx, true
}

// AddSession records sid as the next peer table entry, for a decoder that
// has just read a first-reference session announcement. It is a no-op if
// sid is already present (a replayed or redundant announcement).
func (t *SessionTable) AddSession(sid uint64) int {
	idx, _ := t.IndexOfNew(sid)
	return idx
}

// SIDAt returns the session id stored at table index idx.
func (t *SessionTable) SIDAt(idx int) (uint64, error) {
	if idx == 0 {
		return t.local, nil
	}
	pos := idx - 1
	if pos < 0 || pos >= len(t.peers) {
		return 0, crdterr.InvalidClockTable{Reason: "session index out of range"}
	}
	return t.peers[pos], nil
}

// Sessions returns the table's session ids in index order: local first,
// then the initial peers ascending, then any sessions added since in
// first-reference order.
func (t *SessionTable) Sessions() []uint64 {
	out := make([]uint64, 0, len(t.peers)+1)
	out = append(out, t.local)
	out = append(out, t.peers...)
	return out
}

// EncodeTimestamp writes a timestamp relative to this table: either its
// table index, or — the first time its session is referenced — the session
// id itself, plus the delta between its time and baseTime(ts.SID). Deltas
// may be negative relative to that base in absolute terms, but within a
// single patch every referenced timestamp either belongs to the patch's own
// span (time >= base) or an already-observed peer timestamp (time <= the
// peer's last known time), so the delta is always encoded as the signed
// distance shifted into an unsigned range by packTimeDelta.
func (t *SessionTable) EncodeTimestamp(buf []byte, ts clock.Timestamp, baseTime func(sid uint64) uint64) []byte {
	idx, isNew := t.IndexOfNew(ts.SID)
	delta := packTimeDelta(ts.Time, baseTime(ts.SID))
	if isNew {
		return EncodeID(buf, true, ts.SID, delta)
	}
	return EncodeID(buf, false, uint64(idx), delta)
}

// DecodeTimestamp reads a compact id from the front of data, resolving a
// session announcement (first reference) by recording it at the next table
// index, or a table index against sessions already known, then returning
// the absolute timestamp.
func (t *SessionTable) DecodeTimestamp(data []byte, baseTime func(sid uint64) uint64) (clock.Timestamp, int, error) {
	flag, x, delta, n, err := DecodeID(data)
	if err != nil {
		return clock.Timestamp{}, 0, err
	}
	var sid uint64
	if flag {
		sid = x
		t.AddSession(sid)
	} else {
		sid, err = t.SIDAt(int(x))
		if err != nil {
			return clock.Timestamp{}, 0, err
		}
	}
	return clock.Timestamp{SID: sid, Time: unpackTimeDelta(delta, baseTime(sid))}, n, nil
}

// packTimeDelta zig-zag encodes the signed distance between time and base so
// that both references into the patch's own span (time >= base) and
// references to already-observed earlier timestamps (time < base) round
// trip through the unsigned id encoding.
func packTimeDelta(time, base uint64) uint64 {
	if time >= base {
		d := time - base
		return d << 1
	}
	d := base - time
	return (d << 1) | 1
}

func unpackTimeDelta(packed, base uint64) uint64 {
	d := packed >> 1
	if packed&1 == 0 {
		return base + d
	}
	return base - d
}

var (
	nodeMu   sync.Mutex
	snowNode *snowflake.Node
)

// NewSessionID mints a fresh, time-ordered 63-bit session id for a replica
// that doesn't already have one of its own, backed by a single process-wide
// snowflake node. Session ids minted this way never fall in the reserved
// server range (1-8): the snowflake epoch guarantees every generated value
// is far larger.
func NewSessionID() (uint64, error) {
	nodeMu.Lock()
	defer nodeMu.Unlock()
	if snowNode == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return 0, err
		}
		snowNode = node
	}
	id := snowNode.Generate().Int64()
	if id < 0 {
		id = -id
	}
	if uint64(id) <= clock.SessionServerMax {
		id += int64(clock.SessionServerMax) + 1
	}
	return uint64(id), nil
}
