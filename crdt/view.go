package crdt

import (
	"strconv"
	"unicode/utf16"

	"jsoncrdt/clock"
	"jsoncrdt/internal/crdterr"
)

// View materializes the replica's current JSON value: the view of whatever
// node the root register points at, or nil if unset. Materialization is
// pure and builds fresh maps, slices and strings for the graph's containers
// and sequences on every call; a con node's literal is returned as stored,
// so a literal map or slice is shared with the graph.
func (r *Replica) View() (interface{}, error) {
	root := r.Root()
	if !root.HasChild {
		return nil, nil
	}
	return r.viewOf(root.Child, make(map[clock.Timestamp]struct{}))
}

func (r *Replica) viewOf(id clock.Timestamp, visiting map[clock.Timestamp]struct{}) (interface{}, error) {
	n, ok := r.arena[id]
	if !ok {
		return nil, crdterr.Cycle{Reason: "dangling reference to " + id.String()}
	}
	switch node := n.(type) {
	case *ConNode:
		if !node.IsRef {
			return node.Literal, nil
		}
		if _, cyc := visiting[id]; cyc {
			return nil, crdterr.Cycle{Reason: "con-ref cycle at " + id.String()}
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)
		return r.viewOf(node.Ref, visiting)

	case *ValNode:
		if !node.HasChild {
			return nil, nil
		}
		return r.viewOf(node.Child, visiting)

	case *ObjNode:
		out := make(map[string]interface{}, len(node.Keys))
		for _, key := range node.Keys {
			field, ok := node.Fields[key]
			if !ok {
				continue
			}
			v, err := r.viewOf(field.Child, visiting)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	case *VecNode:
		out := make([]interface{}, len(node.Slots))
		for i, slot := range node.Slots {
			if !slot.Present {
				out[i] = nil
				continue
			}
			v, err := r.viewOf(slot.Child, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *StrNode:
		units := make([]uint16, 0, len(node.Atoms))
		for _, atom := range node.Atoms {
			if !atom.Tombstoned {
				units = append(units, atom.CodeUnit)
			}
		}
		return string(utf16.Decode(units)), nil

	case *BinNode:
		out := make(map[string]interface{})
		idx := 0
		for _, atom := range node.Atoms {
			if atom.Tombstoned {
				continue
			}
			out[strconv.Itoa(idx)] = float64(atom.Byte)
			idx++
		}
		return out, nil

	case *ArrNode:
		out := make([]interface{}, 0, len(node.Atoms))
		for _, atom := range node.Atoms {
			if atom.Tombstoned {
				continue
			}
			v, err := r.viewOf(atom.Child, visiting)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, crdterr.InvalidNodePayload{Reason: "unknown node kind at " + id.String()}
}
