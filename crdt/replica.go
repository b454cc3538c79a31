package crdt

import (
	"unicode/utf16"

	"go.uber.org/zap"

	"jsoncrdt/clock"
	"jsoncrdt/internal/crdterr"
	"jsoncrdt/internal/crdtlog"
)

// Option configures a Replica at construction time.
type Option func(*Replica)

// WithDebugChecks turns on the invariant checker described in spec §4.6,
// run after every applied op. It is off by default because it walks every
// reference the op touched.
func WithDebugChecks() Option {
	return func(r *Replica) { r.debug = true }
}

// WithServerClock puts the replica in server-clock mode: every operation
// is assumed to share a single reserved session id and the clock is a
// strict global counter that rejects time travel.
func WithServerClock() Option {
	return func(r *Replica) {
		r.serverMode = true
		r.server = clock.NewServerClockVector(0)
	}
}

// Replica is the in-memory replica graph: an arena of nodes addressed by
// timestamp, a root register at the fixed id (0,0), and the clock that
// issues and observes timestamps for this session. It is not safe for
// concurrent mutation; callers needing parallelism serialize applications
// per replica.
type Replica struct {
	sid        uint64
	vclock     *clock.ClockVector
	server     *clock.ServerClockVector
	serverMode bool
	arena      map[clock.Timestamp]Node
	debug      bool
}

// NewReplica constructs an empty replica bound to session sid, with an
// implicit unset root register at clock.Origin.
func NewReplica(sid uint64, opts ...Option) *Replica {
	r := &Replica{
		sid:    sid,
		vclock: clock.NewClockVector(sid, 1),
		arena:  make(map[clock.Timestamp]Node),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.arena[clock.Origin] = &ValNode{NodeID: clock.Origin, Writer: clock.Origin}
	return r
}

// SID returns the replica's own session id.
func (r *Replica) SID() uint64 { return r.sid }

// Observe advances the replica's clock past the timespan [id, id+span),
// the step the applicator performs for every operation it applies.
func (r *Replica) Observe(id clock.Timestamp, span uint64) error {
	if r.serverMode {
		return r.server.Observe(id, span)
	}
	r.vclock.Observe(id, span)
	return nil
}

// NextTime returns the next unused logical time for the replica's own
// session, as recorded by its clock.
func (r *Replica) NextTime() uint64 {
	if r.serverMode {
		return r.server.Time
	}
	return r.vclock.Time
}

// Get looks up a node by id.
func (r *Replica) Get(id clock.Timestamp) (Node, bool) {
	n, ok := r.arena[id]
	return n, ok
}

// Root returns the replica's root register, which always exists.
func (r *Replica) Root() *ValNode {
	return r.arena[clock.Origin].(*ValNode)
}

// Fork produces an independent replica under a new session id whose clock
// records the original session as a peer, so neither replica can ever
// reissue a timestamp the other could still produce. The arena is copied
// so the fork shares no mutable state with its parent.
func (r *Replica) Fork(newSID uint64) *Replica {
	forked := &Replica{
		sid:        newSID,
		arena:      make(map[clock.Timestamp]Node, len(r.arena)),
		debug:      r.debug,
		serverMode: r.serverMode,
	}
	if r.serverMode {
		s := *r.server
		forked.server = &s
	} else {
		forked.vclock = r.vclock.Fork(newSID)
	}
	for id, n := range r.arena {
		forked.arena[id] = n
	}
	return forked
}

// Snapshot captures the replica's current arena and clock state so a failed
// multi-operation application can be rolled back. The arena is shallow
// copied: node values are never mutated in place (every mutator replaces
// slices and maps it changes), so sharing the old node pointers is safe.
type Snapshot struct {
	arena  map[clock.Timestamp]Node
	vclock *clock.ClockVector
	server *clock.ServerClockVector
}

// Snapshot returns a point-in-time copy of the replica's state.
func (r *Replica) Snapshot() *Snapshot {
	arena := make(map[clock.Timestamp]Node, len(r.arena))
	for id, n := range r.arena {
		arena[id] = n
	}
	snap := &Snapshot{arena: arena}
	if r.serverMode {
		s := *r.server
		snap.server = &s
	} else {
		v := *r.vclock
		peers := make(map[uint64]clock.Timestamp, len(r.vclock.Peers))
		for k, p := range r.vclock.Peers {
			peers[k] = p
		}
		v.Peers = peers
		snap.vclock = &v
	}
	return snap
}

// Restore replaces the replica's arena and clock state with a previously
// captured snapshot.
func (r *Replica) Restore(snap *Snapshot) {
	r.arena = snap.arena
	if r.serverMode {
		r.server = snap.server
	} else {
		r.vclock = snap.vclock
	}
}

// Nodes returns the replica's live node arena. Callers must treat it as
// read-only; it is shared with the replica, not copied.
func (r *Replica) Nodes() map[clock.Timestamp]Node {
	return r.arena
}

// IsServerMode reports whether the replica uses a single-counter server
// clock rather than a per-session vector clock.
func (r *Replica) IsServerMode() bool { return r.serverMode }

// VectorClockEntries returns the replica's own next-unused logical time and
// the next-unused time recorded for every peer session it has observed, for
// a non-server-mode replica.
func (r *Replica) VectorClockEntries() (localTime uint64, peers map[uint64]uint64) {
	peers = make(map[uint64]uint64, len(r.vclock.Peers))
	for sid, ts := range r.vclock.Peers {
		peers[sid] = ts.Time + 1
	}
	return r.vclock.Time, peers
}

// ServerClockTime returns the server clock's next-unused logical time, for
// a server-mode replica.
func (r *Replica) ServerClockTime() uint64 { return r.server.Time }

// SeedVectorClock sets the replica's own next-unused time and its recorded
// peer watermarks directly, for reconstructing a replica from a structural
// binary snapshot's clock table. peers maps session id to next-unused time.
func (r *Replica) SeedVectorClock(localTime uint64, peers map[uint64]uint64) {
	r.vclock.Time = localTime
	for sid, time := range peers {
		if time == 0 {
			continue
		}
		r.vclock.Observe(clock.Timestamp{SID: sid, Time: time - 1}, 1)
	}
}

// SeedServerClock sets the server clock's next-unused time directly, for
// reconstructing a server-mode replica from a structural binary header.
func (r *Replica) SeedServerClock(time uint64) {
	r.server.Time = time
}

// PutNode writes n into the arena at id directly, without the
// already-exists check the New* mutators apply. It exists for whole-tree
// reconstruction (structural binary decode), where every node is built
// fresh and the usual one-op-at-a-time existence guard does not apply.
func (r *Replica) PutNode(id clock.Timestamp, n Node) {
	r.arena[id] = n
}

// SetRootChild points the root register at child directly, recording
// writer as the register's writer timestamp. It exists for whole-tree
// reconstruction, where the root's binding is restored in one step rather
// than through InsVal's LWW comparison.
func (r *Replica) SetRootChild(child, writer clock.Timestamp) {
	root := r.Root()
	root.Child = child
	root.Writer = writer
	root.HasChild = true
}

// CheckAllInvariants runs the debug invariant checker described in spec
// §4.6 over every node currently in the arena, regardless of whether debug
// checks are enabled for ordinary mutation. It exists for callers (notably
// structural binary decode) that want to validate a freshly reconstructed
// graph once, in full, rather than incrementally per touched node.
func (r *Replica) CheckAllInvariants() error {
	if _, ok := r.arena[clock.Origin]; !ok {
		return crdterr.InvariantViolation{Reason: "root missing from arena"}
	}
	for _, n := range r.arena {
		if err := r.checkNodeRefs(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) checkInvariants(touched clock.Timestamp) error {
	if !r.debug {
		return nil
	}
	if _, ok := r.arena[clock.Origin]; !ok {
		crdtlog.Error("root missing from arena")
		return crdterr.InvariantViolation{Reason: "root missing from arena"}
	}
	n, ok := r.arena[touched]
	if !ok {
		return nil
	}
	if err := r.checkNodeRefs(n); err != nil {
		crdtlog.Warn("invariant violation", zap.String("node", touched.String()), zap.Error(err))
		return err
	}
	return nil
}

func (r *Replica) checkNodeRefs(n Node) error {
	exists := func(id clock.Timestamp) error {
		if _, ok := r.arena[id]; !ok {
			return crdterr.InvariantViolation{Reason: "dangling reference to " + id.String()}
		}
		return nil
	}
	switch node := n.(type) {
	case *ConNode:
		if node.IsRef {
			return exists(node.Ref)
		}
	case *ValNode:
		if node.HasChild {
			return exists(node.Child)
		}
	case *ObjNode:
		seen := make(map[string]struct{}, len(node.Keys))
		for _, k := range node.Keys {
			if _, dup := seen[k]; dup {
				return crdterr.InvariantViolation{Reason: "duplicate obj key " + k}
			}
			seen[k] = struct{}{}
			if f, ok := node.Fields[k]; ok {
				if err := exists(f.Child); err != nil {
					return err
				}
			}
		}
	case *VecNode:
		for _, slot := range node.Slots {
			if slot.Present {
				if err := exists(slot.Child); err != nil {
					return err
				}
			}
		}
	case *ArrNode:
		seenSlots := make(map[clock.Timestamp]struct{}, len(node.Atoms))
		for _, atom := range node.Atoms {
			if _, dup := seenSlots[atom.Slot]; dup {
				return crdterr.InvariantViolation{Reason: "duplicate rga slot " + atom.Slot.String()}
			}
			seenSlots[atom.Slot] = struct{}{}
			if !atom.Tombstoned {
				if err := exists(atom.Child); err != nil {
					return err
				}
			}
		}
	case *StrNode:
		seenSlots := make(map[clock.Timestamp]struct{}, len(node.Atoms))
		for _, atom := range node.Atoms {
			if _, dup := seenSlots[atom.Slot]; dup {
				return crdterr.InvariantViolation{Reason: "duplicate rga slot " + atom.Slot.String()}
			}
			seenSlots[atom.Slot] = struct{}{}
		}
	case *BinNode:
		seenSlots := make(map[clock.Timestamp]struct{}, len(node.Atoms))
		for _, atom := range node.Atoms {
			if _, dup := seenSlots[atom.Slot]; dup {
				return crdterr.InvariantViolation{Reason: "duplicate rga slot " + atom.Slot.String()}
			}
			seenSlots[atom.Slot] = struct{}{}
		}
	}
	return nil
}

// NewCon creates a con node holding a literal value, unless a node with
// this id already exists.
func (r *Replica) NewCon(id clock.Timestamp, literal interface{}) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &ConNode{NodeID: id, Literal: literal}
	return r.checkInvariants(id)
}

// NewConRef creates a con node holding a reference to another node, unless
// a node with this id already exists.
func (r *Replica) NewConRef(id, ref clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &ConNode{NodeID: id, IsRef: true, Ref: ref}
	return r.checkInvariants(id)
}

// NewVal creates an empty val register, unless a node with this id already
// exists.
func (r *Replica) NewVal(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &ValNode{NodeID: id, Writer: id}
	return r.checkInvariants(id)
}

// NewObj creates an empty obj map, unless a node with this id already
// exists.
func (r *Replica) NewObj(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &ObjNode{NodeID: id, Fields: make(map[string]ObjField)}
	return r.checkInvariants(id)
}

// NewVec creates an empty vec tuple, unless a node with this id already
// exists.
func (r *Replica) NewVec(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &VecNode{NodeID: id}
	return r.checkInvariants(id)
}

// NewStr creates an empty str RGA sequence, unless a node with this id
// already exists.
func (r *Replica) NewStr(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &StrNode{NodeID: id}
	return r.checkInvariants(id)
}

// NewBin creates an empty bin RGA sequence, unless a node with this id
// already exists.
func (r *Replica) NewBin(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &BinNode{NodeID: id}
	return r.checkInvariants(id)
}

// NewArr creates an empty arr RGA sequence, unless a node with this id
// already exists.
func (r *Replica) NewArr(id clock.Timestamp) error {
	if _, ok := r.arena[id]; ok {
		return nil
	}
	r.arena[id] = &ArrNode{NodeID: id}
	return r.checkInvariants(id)
}

// InsVal sets register target's child to point at child, if writerID beats
// the register's current writer.
func (r *Replica) InsVal(writerID, target, child clock.Timestamp) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	val, ok := n.(*ValNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_val against non-val node"}
	}
	if writerID.Compare(val.Writer) > 0 {
		val.Writer = writerID
		val.Child = child
		val.HasChild = true
	}
	return r.checkInvariants(target)
}

// ObjEntry is one key/child pair supplied to InsObj.
type ObjEntry struct {
	Key   string
	Child clock.Timestamp
}

// InsObj sets keys in target per the LWW rule, keyed by writerID.
func (r *Replica) InsObj(writerID, target clock.Timestamp, entries []ObjEntry) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	obj, ok := n.(*ObjNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_obj against non-obj node"}
	}
	for _, e := range entries {
		existing, has := obj.Fields[e.Key]
		if !has || writerID.Compare(existing.Writer) > 0 {
			if !has {
				obj.Keys = append(obj.Keys, e.Key)
			}
			obj.Fields[e.Key] = ObjField{Writer: writerID, Child: e.Child}
		}
	}
	return r.checkInvariants(target)
}

// VecEntry is one index/child pair supplied to InsVec.
type VecEntry struct {
	Index uint8
	Child clock.Timestamp
}

// InsVec sets slots in target per the LWW rule, keyed by writerID.
func (r *Replica) InsVec(writerID, target clock.Timestamp, entries []VecEntry) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	vec, ok := n.(*VecNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_vec against non-vec node"}
	}
	for _, e := range entries {
		idx := int(e.Index)
		for len(vec.Slots) <= idx {
			vec.Slots = append(vec.Slots, VecSlot{})
		}
		slot := vec.Slots[idx]
		if !slot.Present || writerID.Compare(slot.Writer) > 0 {
			vec.Slots[idx] = VecSlot{Writer: writerID, Child: e.Child, Present: true}
		}
	}
	return r.checkInvariants(target)
}

// InsStr inserts the UTF-8 text after rga slot after into target, assigning
// consecutive slot ids starting at opID in the op's own session. Atoms
// already present (replay) are skipped.
func (r *Replica) InsStr(opID, target, after clock.Timestamp, text string) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	str, ok := n.(*StrNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_str against non-str node"}
	}
	units := utf16.Encode([]rune(text))
	atoms := make([]StrAtom, len(units))
	for i, u := range units {
		atoms[i] = StrAtom{Slot: opID.Tick(uint64(i)), CodeUnit: u}
	}
	str.Atoms = insertStrAtoms(str.Atoms, after, atoms)
	return r.checkInvariants(target)
}

// InsBin inserts bytes after rga slot after into target.
func (r *Replica) InsBin(opID, target, after clock.Timestamp, data []byte) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	bin, ok := n.(*BinNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_bin against non-bin node"}
	}
	atoms := make([]BinAtom, len(data))
	for i, b := range data {
		atoms[i] = BinAtom{Slot: opID.Tick(uint64(i)), Byte: b}
	}
	bin.Atoms = insertBinAtoms(bin.Atoms, after, atoms)
	return r.checkInvariants(target)
}

// InsArr inserts child references after rga slot after into target.
func (r *Replica) InsArr(opID, target, after clock.Timestamp, children []clock.Timestamp) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	arr, ok := n.(*ArrNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "ins_arr against non-arr node"}
	}
	atoms := make([]ArrAtom, len(children))
	for i, c := range children {
		slot := opID.Tick(uint64(i))
		atoms[i] = ArrAtom{Slot: slot, Writer: slot, Child: c}
	}
	arr.Atoms = insertArrAtoms(arr.Atoms, after, atoms)
	return r.checkInvariants(target)
}

// UpdArr replaces the child reference at the live slot ref in target's arr
// node, under LWW keyed by writerID.
func (r *Replica) UpdArr(writerID, target, ref, child clock.Timestamp) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	arr, ok := n.(*ArrNode)
	if !ok {
		return crdterr.InvalidOperation{Message: "upd_arr against non-arr node"}
	}
	for i := range arr.Atoms {
		if arr.Atoms[i].Slot == ref {
			if writerID.Compare(arr.Atoms[i].Writer) > 0 {
				arr.Atoms[i].Writer = writerID
				arr.Atoms[i].Child = child
			}
			break
		}
	}
	return r.checkInvariants(target)
}

// Del tombstones every rga atom in target whose slot falls within any of
// the given timespans.
func (r *Replica) Del(target clock.Timestamp, spans []clock.Timespan) error {
	n, ok := r.arena[target]
	if !ok {
		return crdterr.NodeNotFound{SID: target.SID, Time: target.Time}
	}
	inSpans := func(slot clock.Timestamp) bool {
		for _, sp := range spans {
			if clock.ContainsID(sp.Ts(), sp.Span, slot) {
				return true
			}
		}
		return false
	}
	switch node := n.(type) {
	case *StrNode:
		for i := range node.Atoms {
			if inSpans(node.Atoms[i].Slot) {
				node.Atoms[i].Tombstoned = true
			}
		}
	case *BinNode:
		for i := range node.Atoms {
			if inSpans(node.Atoms[i].Slot) {
				node.Atoms[i].Tombstoned = true
			}
		}
	case *ArrNode:
		for i := range node.Atoms {
			if inSpans(node.Atoms[i].Slot) {
				node.Atoms[i].Tombstoned = true
			}
		}
	default:
		return crdterr.InvalidOperation{Message: "del against non-rga node"}
	}
	return r.checkInvariants(target)
}

// insertStrAtoms, insertBinAtoms, insertArrAtoms implement the shared RGA
// positioning rule: atoms inserted after the same slot are ordered by
// descending insertion timestamp, guaranteeing commutativity of
// concurrent inserts at the same position. Atoms whose slot already
// exists are skipped (idempotence on replay).

func insertStrAtoms(atoms []StrAtom, after clock.Timestamp, fresh []StrAtom) []StrAtom {
	existing := make(map[clock.Timestamp]struct{}, len(atoms))
	for _, a := range atoms {
		existing[a.Slot] = struct{}{}
	}
	pos := findStrPos(atoms, after)
	var toInsert []StrAtom
	for _, a := range fresh {
		if _, dup := existing[a.Slot]; dup {
			continue
		}
		toInsert = append(toInsert, a)
	}
	if len(toInsert) == 0 {
		return atoms
	}
	insertPos := pos + 1
	for insertPos < len(atoms) && atoms[insertPos].Slot.Compare(toInsert[0].Slot) > 0 {
		insertPos++
	}
	out := make([]StrAtom, 0, len(atoms)+len(toInsert))
	out = append(out, atoms[:insertPos]...)
	out = append(out, toInsert...)
	out = append(out, atoms[insertPos:]...)
	return out
}

func findStrPos(atoms []StrAtom, after clock.Timestamp) int {
	if after.Equal(clock.Origin) {
		return -1
	}
	for i, a := range atoms {
		if a.Slot.Equal(after) {
			return i
		}
	}
	return -1
}

func insertBinAtoms(atoms []BinAtom, after clock.Timestamp, fresh []BinAtom) []BinAtom {
	existing := make(map[clock.Timestamp]struct{}, len(atoms))
	for _, a := range atoms {
		existing[a.Slot] = struct{}{}
	}
	pos := -1
	if !after.Equal(clock.Origin) {
		for i, a := range atoms {
			if a.Slot.Equal(after) {
				pos = i
				break
			}
		}
	}
	var toInsert []BinAtom
	for _, a := range fresh {
		if _, dup := existing[a.Slot]; dup {
			continue
		}
		toInsert = append(toInsert, a)
	}
	if len(toInsert) == 0 {
		return atoms
	}
	insertPos := pos + 1
	for insertPos < len(atoms) && atoms[insertPos].Slot.Compare(toInsert[0].Slot) > 0 {
		insertPos++
	}
	out := make([]BinAtom, 0, len(atoms)+len(toInsert))
	out = append(out, atoms[:insertPos]...)
	out = append(out, toInsert...)
	out = append(out, atoms[insertPos:]...)
	return out
}

func insertArrAtoms(atoms []ArrAtom, after clock.Timestamp, fresh []ArrAtom) []ArrAtom {
	existing := make(map[clock.Timestamp]struct{}, len(atoms))
	for _, a := range atoms {
		existing[a.Slot] = struct{}{}
	}
	pos := -1
	if !after.Equal(clock.Origin) {
		for i, a := range atoms {
			if a.Slot.Equal(after) {
				pos = i
				break
			}
		}
	}
	var toInsert []ArrAtom
	for _, a := range fresh {
		if _, dup := existing[a.Slot]; dup {
			continue
		}
		toInsert = append(toInsert, a)
	}
	if len(toInsert) == 0 {
		return atoms
	}
	insertPos := pos + 1
	for insertPos < len(atoms) && atoms[insertPos].Slot.Compare(toInsert[0].Slot) > 0 {
		insertPos++
	}
	out := make([]ArrAtom, 0, len(atoms)+len(toInsert))
	out = append(out, atoms[:insertPos]...)
	out = append(out, toInsert...)
	out = append(out, atoms[insertPos:]...)
	return out
}
