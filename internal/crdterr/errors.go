// Package crdterr defines the typed error taxonomy shared by every package
// in the engine. Every fallible entry point returns one of these types (or
// wraps one with github.com/pkg/errors), never a bare errors.New string.
package crdterr

import "fmt"

// MalformedInput is returned when a patch or snapshot fails framing.
type MalformedInput struct {
	Reason string
}

func (e MalformedInput) Error() string {
	return fmt.Sprintf("malformed input: %s", e.Reason)
}

// UnknownOpcode is returned when a patch operation octet names an opcode the
// decoder does not recognize. Always fatal.
type UnknownOpcode struct {
	Opcode byte
}

func (e UnknownOpcode) Error() string {
	return fmt.Sprintf("unknown opcode: %d", e.Opcode)
}

// Overflow is returned when a varint decode overran its byte budget.
type Overflow struct {
	Context string
}

func (e Overflow) Error() string {
	return fmt.Sprintf("varint overflow: %s", e.Context)
}

// InvalidClockTable is returned when a snapshot's clock table is absent,
// empty, or inconsistent with the declared session.
type InvalidClockTable struct {
	Reason string
}

func (e InvalidClockTable) Error() string {
	return fmt.Sprintf("invalid clock table: %s", e.Reason)
}

// InvalidNodePayload is returned when a structural node encoding cannot be
// parsed.
type InvalidNodePayload struct {
	Reason string
}

func (e InvalidNodePayload) Error() string {
	return fmt.Sprintf("invalid node payload: %s", e.Reason)
}

// TimeTravel is returned by a ServerClockVector observing a time beyond its
// own current time.
type TimeTravel struct {
	Observed uint64
	Known    uint64
}

func (e TimeTravel) Error() string {
	return fmt.Sprintf("time travel: observed %d, clock is at %d", e.Observed, e.Known)
}

// InvalidServerSession is returned by a ServerClockVector observing an id
// whose session lies outside the reserved server range (1 through 8). This
// is distinct from TimeTravel: it rejects the id's session, not its time,
// and is fatal regardless of what time the clock is at.
type InvalidServerSession struct {
	SID uint64
}

func (e InvalidServerSession) Error() string {
	return fmt.Sprintf("invalid server session: %d", e.SID)
}

// InvariantViolation is returned by the debug-mode invariant checker (§4.6).
type InvariantViolation struct {
	Reason string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Reason)
}

// Cycle is returned by the view materializer when a con-ref cycle is
// detected, or when a referenced node cannot be found (treated as the
// NOT_FOUND-equivalent case spec.md describes).
type Cycle struct {
	Reason string
}

func (e Cycle) Error() string {
	return fmt.Sprintf("cycle or dangling reference: %s", e.Reason)
}

// NodeNotFound is returned when a node with the given id is not present in
// the replica's arena.
type NodeNotFound struct {
	SID  uint64
	Time uint64
}

func (e NodeNotFound) Error() string {
	return fmt.Sprintf("node not found: (%d, %d)", e.SID, e.Time)
}

// InvalidOperation is returned when an operation cannot apply to the node it
// targets (e.g. an ins_str against an obj node).
type InvalidOperation struct {
	Message string
}

func (e InvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}
