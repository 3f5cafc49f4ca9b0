// Package stream implements the relay-role StreamTable: per-circuit edge
// streams (the relay's view of a BEGIN/RESOLVE request and the data it
// carries), their half-closed bookkeeping, and the stream-level flow
// control windows layered on top of a circuit's windows.
//
// Grounded on the teacher's pkg/stream/stream.go (id-skip-zero allocation
// under a manager, RWMutex-guarded map) generalized from a single
// origin-side stream list into a per-circuit table, since a relay tracks
// edge streams against many concurrently live circuits at once.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/circuit"
)

// State is the lifecycle of an edge stream as seen by the relay.
type State int

const (
	// StateResolving is set between an inbound RESOLVE and its RESOLVED/END.
	StateResolving State = iota
	// StateOpen is set between a successful BEGIN/CONNECTED (or an exit
	// stream actually connected) and either side sending END.
	StateOpen
	// StateHalfClosed is set once this relay has sent END in one
	// direction but may still legally receive DATA/END from the other,
	// per the half-closed-stream validators in §4.8/§9.
	StateHalfClosed
	// StateClosed is terminal; no further cell is valid on this stream.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "RESOLVING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

const (
	initialWindow   = 500
	windowIncrement = 50
)

// EdgeStream is one stream multiplexed over a circuit at this relay.
type EdgeStream struct {
	mu sync.Mutex

	ID    uint16
	state State

	createdAt time.Time

	// PackageWindow/DeliverWindow are the stream-level flow-control
	// counterparts to the circuit-level windows in pkg/circuit, consumed
	// and replenished per §4.9.
	PackageWindow int
	DeliverWindow int

	// XoffSent/XoffReceived track which direction(s) have been paused by
	// RELAY_XOFF; resumed on a matching RELAY_XON.
	XoffSent     bool
	XoffReceived bool

	// halfClosedAt records when the stream entered StateHalfClosed, so
	// Table.Sweep can retire it after a grace period once the chance of a
	// legitimately late cell has passed (§4.8/§9).
	halfClosedAt time.Time
}

// NewEdgeStream creates a stream in StateResolving with full windows.
func NewEdgeStream(id uint16) *EdgeStream {
	return &EdgeStream{
		ID:            id,
		state:         StateResolving,
		createdAt:     time.Now(),
		PackageWindow: initialWindow,
		DeliverWindow: initialWindow,
	}
}

// Age reports how long the stream has existed.
func (s *EdgeStream) Age() time.Duration {
	return time.Since(s.createdAt)
}

// SetState transitions the stream's lifecycle state. Entering
// StateHalfClosed stamps the transition time Table.Sweep measures
// against.
func (s *EdgeStream) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateHalfClosed && s.state != StateHalfClosed {
		s.halfClosedAt = time.Now()
	}
	s.state = st
}

// HalfClosedAge reports how long the stream has been half-closed, or
// zero if it isn't (or was, but has since transitioned elsewhere).
func (s *EdgeStream) HalfClosedAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHalfClosed || s.halfClosedAt.IsZero() {
		return 0
	}
	return time.Since(s.halfClosedAt)
}

// GetState returns the current lifecycle state.
func (s *EdgeStream) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsValidData reports whether a RELAY_DATA cell is legal on this stream in
// its current state. A half-closed stream may still receive DATA flowing
// in the direction that hasn't been ended yet.
func (s *EdgeStream) IsValidData() bool {
	st := s.GetState()
	return st == StateOpen || st == StateHalfClosed
}

// IsValidEnd reports whether a RELAY_END cell is legal on this stream.
// END is always legal except on an already-closed stream, matching the
// permissive half-closed handling tor-spec documents (see the half-closed
// asymmetry noted as an open question in SPEC_FULL.md).
func (s *EdgeStream) IsValidEnd() bool {
	return s.GetState() != StateClosed
}

// IsValidConnected reports whether a RELAY_CONNECTED cell is legal: the
// stream is still awaiting its first response, or it has since gone
// half-closed and a CONNECTED racing the END it crossed in flight
// shouldn't draw a spurious warning (§4.8/§9).
func (s *EdgeStream) IsValidConnected() bool {
	st := s.GetState()
	return st == StateOpen || st == StateHalfClosed
}

// IsValidResolved reports whether a RELAY_RESOLVED cell is legal: while
// resolving, or late on a stream that has since gone half-closed
// (§4.8/§9).
func (s *EdgeStream) IsValidResolved() bool {
	st := s.GetState()
	return st == StateResolving || st == StateHalfClosed
}

// IsValidSendme reports whether a stream-level RELAY_SENDME is legal,
// i.e. the stream hasn't been fully torn down.
func (s *EdgeStream) IsValidSendme() bool {
	return s.GetState() != StateClosed
}

// Table is the StreamTable: per-circuit maps of stream-id to EdgeStream,
// with id 0 reserved (stream-id 0 addresses the circuit itself, never a
// stream) and allocation skipping it the same way the teacher's circuit
// manager skips circuit-id 0.
type Table struct {
	mu      sync.RWMutex
	byOwner map[*circuit.Circuit]map[uint16]*EdgeStream
	nextID  map[*circuit.Circuit]uint16
}

// NewTable creates an empty StreamTable.
func NewTable() *Table {
	return &Table{
		byOwner: make(map[*circuit.Circuit]map[uint16]*EdgeStream),
		nextID:  make(map[*circuit.Circuit]uint16),
	}
}

// Create allocates a new edge stream on c, for a locally-assigned id (used
// when this relay itself originates a stream id, e.g. a RESOLVE split
// into sub-requests). Most inbound streams instead arrive with a
// client-assigned id via Insert.
func (t *Table) Create(c *circuit.Circuit) *EdgeStream {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID[c]
	id++
	if id == 0 {
		id = 1
	}
	t.nextID[c] = id

	s := NewEdgeStream(id)
	t.ensureOwner(c)[id] = s
	return s
}

// Insert adds a stream with an already-known (client-assigned) id. It
// fails if stream-id 0 is given or the id is already in use on c.
func (t *Table) Insert(c *circuit.Circuit, s *EdgeStream) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.ID == 0 {
		return fmt.Errorf("stream: refusing to insert stream-id 0")
	}
	owner := t.ensureOwner(c)
	if _, exists := owner[s.ID]; exists {
		return fmt.Errorf("stream: id %d already in use on this circuit", s.ID)
	}
	owner[s.ID] = s
	return nil
}

func (t *Table) ensureOwner(c *circuit.Circuit) map[uint16]*EdgeStream {
	m, ok := t.byOwner[c]
	if !ok {
		m = make(map[uint16]*EdgeStream)
		t.byOwner[c] = m
	}
	return m
}

// Lookup finds a stream by (circuit, stream-id).
func (t *Table) Lookup(c *circuit.Circuit, id uint16) (*EdgeStream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.byOwner[c]
	if !ok {
		return nil, false
	}
	s, ok := owner[id]
	return s, ok
}

// Remove deletes a single stream from a circuit's table.
func (t *Table) Remove(c *circuit.Circuit, id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, ok := t.byOwner[c]; ok {
		delete(owner, id)
	}
}

// RemoveCircuit drops every stream owned by c, called when the circuit is
// torn down.
func (t *Table) RemoveCircuit(c *circuit.Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byOwner, c)
	delete(t.nextID, c)
}

// CountForCircuit returns the number of live streams on c.
func (t *Table) CountForCircuit(c *circuit.Circuit) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byOwner[c])
}

// AllForCircuit returns a snapshot slice of every stream on c, for
// package_inbuf-style iteration (§4.7) and for the memory governor. The
// streams are held in a map, so the order of the returned slice is not
// defined and does not follow insertion order.
func (t *Table) AllForCircuit(c *circuit.Circuit) []*EdgeStream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner := t.byOwner[c]
	out := make([]*EdgeStream, 0, len(owner))
	for _, s := range owner {
		out = append(out, s)
	}
	return out
}

// Sweep retires every half-closed stream whose HalfClosedAge exceeds
// maxAge, across every circuit this table tracks. Retained half-closed
// entries let a cell that was already in flight when END was sent
// validate without a spurious warning (§4.8); Sweep is the mechanism
// that eventually reclaims them once that grace window has passed. A
// relay's event loop calls this periodically, the same way it applies
// consensus.Store reconfiguration on a timer.
func (t *Table) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for c, owner := range t.byOwner {
		for id, s := range owner {
			if s.HalfClosedAge() > maxAge {
				delete(owner, id)
				removed++
			}
		}
		if len(owner) == 0 {
			delete(t.byOwner, c)
		}
	}
	return removed
}
