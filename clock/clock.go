// Package clock implements the logical-clock and identifier algebra that
// every node, operation, and patch in the engine is addressed by: a
// timestamp is a (session id, logical time) pair, never a pointer.
package clock

import (
	"fmt"

	"jsoncrdt/internal/crdterr"
)

// Reserved session ids. Sessions 1 through 8 are reserved for servers; 0 is
// the origin session every replica's root and undefined references resolve
// to.
const (
	SessionOrigin    uint64 = 0
	SessionServerMin uint64 = 1
	SessionServerMax uint64 = 8
)

// Timestamp identifies a single logical tick issued by a session.
type Timestamp struct {
	SID  uint64
	Time uint64
}

// New constructs a Timestamp.
func New(sid, time uint64) Timestamp {
	return Timestamp{SID: sid, Time: time}
}

// Origin is the timestamp every replica's root node is addressed by.
var Origin = Timestamp{SID: SessionOrigin, Time: 0}

// Tick returns the timestamp advanced by cycles, keeping the same session.
func (t Timestamp) Tick(cycles uint64) Timestamp {
	return Timestamp{SID: t.SID, Time: t.Time + cycles}
}

// Compare orders timestamps by time first, then by session id, matching the
// RGA tie-break rule used throughout the replica graph.
func (t Timestamp) Compare(o Timestamp) int {
	if t.Time > o.Time {
		return 1
	}
	if t.Time < o.Time {
		return -1
	}
	if t.SID > o.SID {
		return 1
	}
	if t.SID < o.SID {
		return -1
	}
	return 0
}

// Equal reports whether two timestamps name the same tick.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.SID == o.SID && t.Time == o.Time
}

// String renders a timestamp as "sid.time", truncating long session ids to
// their last four digits the way the reference implementation does.
func (t Timestamp) String() string {
	s := fmt.Sprintf("%d", t.SID)
	if len(s) > 4 {
		s = ".." + s[len(s)-4:]
	}
	return fmt.Sprintf("%s.%d", s, t.Time)
}

// Timespan is a contiguous run of logical time issued by one session:
// [Time, Time+Span).
type Timespan struct {
	SID  uint64
	Time uint64
	Span uint64
}

// NewSpan constructs a Timespan.
func NewSpan(sid, time, span uint64) Timespan {
	return Timespan{SID: sid, Time: time, Span: span}
}

// Ts returns the timespan's starting timestamp.
func (s Timespan) Ts() Timestamp {
	return Timestamp{SID: s.SID, Time: s.Time}
}

// End returns the first logical time after the span.
func (s Timespan) End() uint64 {
	return s.Time + s.Span
}

// Contains reports whether the span [t1, t1+span1) fully contains
// [t2, t2+span2).
func Contains(t1 Timestamp, span1 uint64, t2 Timestamp, span2 uint64) bool {
	if t1.SID != t2.SID {
		return false
	}
	if t1.Time > t2.Time {
		return false
	}
	return t1.Time+span1 >= t2.Time+span2
}

// ContainsID reports whether the span [t1, t1+span1) contains the single
// point t2.
func ContainsID(t1 Timestamp, span1 uint64, t2 Timestamp) bool {
	if t1.SID != t2.SID {
		return false
	}
	if t1.Time > t2.Time {
		return false
	}
	return t1.Time+span1 >= t2.Time+1
}

// Interval builds the timespan of length span starting tickOffset after
// stamp.
func Interval(stamp Timestamp, tickOffset, span uint64) Timespan {
	return Timespan{SID: stamp.SID, Time: stamp.Time + tickOffset, Span: span}
}

// LogicalClock is a single session's own tick counter, with no knowledge of
// peers.
type LogicalClock struct {
	SID  uint64
	Time uint64
}

// NewLogicalClock constructs a LogicalClock for sid starting at time.
func NewLogicalClock(sid, time uint64) *LogicalClock {
	return &LogicalClock{SID: sid, Time: time}
}

// Ts returns the clock's current timestamp without advancing it.
func (c *LogicalClock) Ts() Timestamp {
	return Timestamp{SID: c.SID, Time: c.Time}
}

// Tick returns the current timestamp and advances the clock by cycles.
func (c *LogicalClock) Tick(cycles uint64) Timestamp {
	stamp := c.Ts()
	c.Time += cycles
	return stamp
}

// ClockVector is a vector clock: a local logical clock plus the highest
// timestamp observed from every peer session. Observe is idempotent — it is
// always safe to replay the same timestamp more than once.
type ClockVector struct {
	SID   uint64
	Time  uint64
	Peers map[uint64]Timestamp
}

// NewClockVector constructs a ClockVector for sid starting at time, with no
// peers observed yet.
func NewClockVector(sid, time uint64) *ClockVector {
	return &ClockVector{SID: sid, Time: time, Peers: make(map[uint64]Timestamp)}
}

// Ts returns the vector's own current timestamp.
func (c *ClockVector) Ts() Timestamp {
	return Timestamp{SID: c.SID, Time: c.Time}
}

// Tick returns the current timestamp and advances the local clock by cycles.
func (c *ClockVector) Tick(cycles uint64) Timestamp {
	stamp := c.Ts()
	c.Time += cycles
	return stamp
}

// Observe advances local and peer bookkeeping so the clock never reissues a
// timestamp at or before the high-water mark of [id, id+span). Calling this
// more than once with the same or a contained span is a no-op.
func (c *ClockVector) Observe(id Timestamp, span uint64) {
	if span == 0 {
		return
	}
	edge := id.Time + span - 1
	if id.SID != c.SID {
		if peer, ok := c.Peers[id.SID]; !ok || edge > peer.Time {
			c.Peers[id.SID] = Timestamp{SID: id.SID, Time: edge}
		}
	}
	if edge >= c.Time {
		c.Time = edge + 1
	}
}

// CloneSame deep-copies the vector, keeping the same session id.
func (c *ClockVector) CloneSame() *ClockVector {
	return c.Fork(c.SID)
}

// Fork deep-copies the vector under a new session id. The forked clock
// observes the parent's own last-issued timestamp as a peer edge, so it
// never reissues a timestamp the parent could still produce.
func (c *ClockVector) Fork(newSID uint64) *ClockVector {
	forked := NewClockVector(newSID, c.Time)
	if newSID != c.SID && c.Time > 0 {
		forked.Observe(Timestamp{SID: c.SID, Time: c.Time - 1}, 1)
	}
	for _, peer := range c.Peers {
		forked.Observe(peer, 1)
	}
	return forked
}

// String renders the vector and its peers in the reference tree form.
func (c *ClockVector) String() string {
	s := fmt.Sprintf("clock %d.%d", c.SID, c.Time)
	i, n := 0, len(c.Peers)
	for _, peer := range c.Peers {
		branch := "├─"
		if i == n-1 {
			branch = "└─"
		}
		s += fmt.Sprintf("\n%s %d.%d", branch, peer.SID, peer.Time)
		i++
	}
	return s
}

// ServerClockVector is a clock vector pinned to a reserved server session id
// (1 through 8). It is used when a central server, rather than a peer mesh,
// issues every timestamp.
type ServerClockVector struct {
	SID  uint64
	Time uint64
}

// NewServerClockVector constructs a ServerClockVector for the default server
// session (1) starting at time.
func NewServerClockVector(time uint64) *ServerClockVector {
	return &ServerClockVector{SID: SessionServerMin, Time: time}
}

// Ts returns the server clock's current timestamp.
func (c *ServerClockVector) Ts() Timestamp {
	return Timestamp{SID: c.SID, Time: c.Time}
}

// Tick returns the current timestamp and advances the clock by cycles.
func (c *ServerClockVector) Tick(cycles uint64) Timestamp {
	stamp := c.Ts()
	c.Time += cycles
	return stamp
}

// Observe advances the server clock past [id, id+span), rejecting any id
// outside the reserved server session range (InvalidServerSession) and any
// id that names a time the clock has not reached yet (TimeTravel). These are
// distinct fatal cases: an invalid session is rejected regardless of time,
// and is never conflated with a time-travel observation on a valid session.
func (c *ServerClockVector) Observe(id Timestamp, span uint64) error {
	if id.SID < SessionServerMin || id.SID > SessionServerMax {
		return crdterr.InvalidServerSession{SID: id.SID}
	}
	if c.Time < id.Time {
		return crdterr.TimeTravel{Observed: id.Time, Known: c.Time}
	}
	if end := id.Time + span; end > c.Time {
		c.Time = end
	}
	return nil
}
