// Package crdt implements the replica graph: the seven typed node
// variants, the arena that holds them, and the view materializer. Nodes
// never hold pointers to each other — every reference between nodes is a
// clock.Timestamp resolved through the owning Replica's arena, so cloning
// a replica is a shallow copy of one map and node identity survives a
// round trip through the structural binary codec unchanged.
package crdt

import "jsoncrdt/clock"

// NodeType discriminates the seven node variants.
type NodeType string

const (
	NodeTypeCon NodeType = "con"
	NodeTypeVal NodeType = "val"
	NodeTypeObj NodeType = "obj"
	NodeTypeVec NodeType = "vec"
	NodeTypeStr NodeType = "str"
	NodeTypeBin NodeType = "bin"
	NodeTypeArr NodeType = "arr"
)

// Node is the common interface every node variant satisfies. Application
// and view code mostly works through the concrete struct types fetched
// from a Replica's arena; this interface exists for the cases (debug
// invariant checks, structural codec traversal) that need to treat nodes
// uniformly.
type Node interface {
	ID() clock.Timestamp
	Type() NodeType
}

// ConNode is an immutable constant leaf: either a literal JSON value or a
// reference to another node. Its value never changes after creation.
type ConNode struct {
	NodeID  clock.Timestamp
	IsRef   bool
	Ref     clock.Timestamp
	Literal interface{}
}

func (n *ConNode) ID() clock.Timestamp { return n.NodeID }
func (n *ConNode) Type() NodeType      { return NodeTypeCon }

// ValNode is a last-writer-wins register holding a single child reference.
type ValNode struct {
	NodeID   clock.Timestamp
	Writer   clock.Timestamp
	Child    clock.Timestamp
	HasChild bool
}

func (n *ValNode) ID() clock.Timestamp { return n.NodeID }
func (n *ValNode) Type() NodeType      { return NodeTypeVal }

// ObjField is one entry of an ObjNode: the timestamp of the op that last
// won the key, and the child it points at.
type ObjField struct {
	Writer clock.Timestamp
	Child  clock.Timestamp
}

// ObjNode is a last-writer-wins map from string key to child reference.
// Keys is maintained in first-insertion order even though Fields is a map.
// The view materializer returns an obj node as a map[string]interface{}, so
// the materialized view does not carry that key order; Keys is the only
// place it is kept.
type ObjNode struct {
	NodeID clock.Timestamp
	Keys   []string
	Fields map[string]ObjField
}

func (n *ObjNode) ID() clock.Timestamp { return n.NodeID }
func (n *ObjNode) Type() NodeType      { return NodeTypeObj }

// VecSlot is one fixed-width position of a VecNode.
type VecSlot struct {
	Writer  clock.Timestamp
	Child   clock.Timestamp
	Present bool
}

// VecNode is a last-writer-wins tuple indexed by 8-bit position.
type VecNode struct {
	NodeID clock.Timestamp
	Slots  []VecSlot
}

func (n *VecNode) ID() clock.Timestamp { return n.NodeID }
func (n *VecNode) Type() NodeType      { return NodeTypeVec }

// StrAtom is one RGA slot of a StrNode: a UTF-16 code unit, alive or
// tombstoned.
type StrAtom struct {
	Slot       clock.Timestamp
	Tombstoned bool
	CodeUnit   uint16
}

// StrNode is an RGA sequence of UTF-16 code units materializing as UTF-8
// text.
type StrNode struct {
	NodeID clock.Timestamp
	Atoms  []StrAtom
}

func (n *StrNode) ID() clock.Timestamp { return n.NodeID }
func (n *StrNode) Type() NodeType      { return NodeTypeStr }

// BinAtom is one RGA slot of a BinNode: a single byte, alive or
// tombstoned.
type BinAtom struct {
	Slot       clock.Timestamp
	Tombstoned bool
	Byte       byte
}

// BinNode is an RGA sequence of bytes.
type BinNode struct {
	NodeID clock.Timestamp
	Atoms  []BinAtom
}

func (n *BinNode) ID() clock.Timestamp { return n.NodeID }
func (n *BinNode) Type() NodeType      { return NodeTypeBin }

// ArrAtom is one RGA slot of an ArrNode: a reference to a child node,
// alive or tombstoned, with its own last-writer-wins edit timestamp so
// upd_arr can replace the referenced child.
type ArrAtom struct {
	Slot       clock.Timestamp
	Tombstoned bool
	Writer     clock.Timestamp
	Child      clock.Timestamp
}

// ArrNode is an RGA sequence of child-node references.
type ArrNode struct {
	NodeID clock.Timestamp
	Atoms  []ArrAtom
}

func (n *ArrNode) ID() clock.Timestamp { return n.NodeID }
func (n *ArrNode) Type() NodeType      { return NodeTypeArr }
