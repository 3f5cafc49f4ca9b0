// Package circuit implements the relay-role circuit table (CircuitTable):
// lookup of circuits by (channel, circuit-id), and the circuit state that
// lookup guards. A relay circuit is the junction of two half-circuits —
// the previous hop ("p", toward the client) and the next hop ("n",
// toward the exit) — each with its own channel, circuit-id and per-hop
// crypto.
//
// Grounded on the teacher's pkg/circuit/circuit.go (Manager: ID-skip-zero
// allocation, RWMutex-guarded map, Close/Count/ListCircuits shape), but
// restructured around the two-half-circuit model a relay (as opposed to
// an origin) actually needs — a shape documented in
// mmcloughlin/pearl's circuit.go (TransverseCircuit) — and with its
// DESTROY handling deliberately deviating from pearl: a received DESTROY
// is always recorded locally as reason DESTROYED, never the remote's
// reason byte, which is the behavior spec.md requires here and pearl's
// handleDestroy does not provide.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
	"github.com/opd-ai/tor-relay-core/pkg/relaycrypto"
)

// ChannelID uniquely identifies a channel within this process, assigned
// by pkg/channel. Defined here (rather than imported) to keep this
// package free of a dependency on the transport layer, mirroring the
// teacher's local-interface idiom for breaking a circular import between
// circuit and connection.
type ChannelID uint64

// CellSender is the minimal channel capability CircuitTable and its
// owners need: the ability to write a cell and identify which channel it
// went out on.
type CellSender interface {
	SendCell(c *cell.Cell) error
	ID() ChannelID
}

// Half is one side of a relay circuit: the channel it runs on, the
// circuit-id in use on that channel, and the per-hop crypto for traffic
// flowing across it. A detached half (Channel == nil) has been
// consent-boundary-severed per §4.3 and no longer accepts forwarding.
type Half struct {
	Channel CellSender
	CircID  uint32
	Crypto  *relaycrypto.HopCrypto
}

func (h Half) key() key {
	if h.Channel == nil {
		return key{}
	}
	return key{channel: h.Channel.ID(), circID: h.CircID}
}

func (h Half) detached() bool {
	return h.Channel == nil
}

type key struct {
	channel ChannelID
	circID  uint32
}

// Circuit is a relay-role circuit: the junction of two half-circuits.
type Circuit struct {
	mu sync.Mutex

	P Half
	N Half

	Format cell.Format

	createdAt time.Time

	markedForClose bool
	closeReason    errors.CloseReason

	// Circuit-level flow-control windows, §4.9. Stream-level windows live
	// on the EdgeStream (pkg/stream).
	PackageWindowN int
	DeliverWindowN int
	PackageWindowP int
	DeliverWindowP int

	// RelayEarlyBudget counts down from the initial fixed allowance
	// (§4.6); reaching zero makes a further outbound EXTEND illegal.
	RelayEarlyBudget int
}

const (
	initialWindow   = 1000
	initialBudget   = 8
	windowIncrement = 100
)

// Side selects which half-circuit's window pair a FlowControl operation
// applies to: the n-side (toward the next hop) or the p-side (toward the
// previous hop).
type Side int

const (
	SideN Side = iota
	SideP
)

// DecrementPackageWindow consumes one cell's worth of package window on
// side, returning the window's new value and whether it was nonzero
// before the decrement. A caller seeing ok==false must not actually send
// the cell onward — the window is exhausted and the cell must wait for a
// SENDME.
func (c *Circuit) DecrementPackageWindow(side Side) (remaining int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &c.PackageWindowN
	if side == SideP {
		w = &c.PackageWindowP
	}
	if *w <= 0 {
		return *w, false
	}
	*w--
	return *w, true
}

// PackageWindow reports side's current package window without mutating
// it, for callers (CongestionControl) that need to seed their own state
// from the circuit's.
func (c *Circuit) PackageWindow(side Side) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == SideP {
		return c.PackageWindowP
	}
	return c.PackageWindowN
}

// IncrementPackageWindow replenishes side's package window by n cells, on
// receipt of a SENDME.
func (c *Circuit) IncrementPackageWindow(side Side, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == SideP {
		c.PackageWindowP += n
	} else {
		c.PackageWindowN += n
	}
}

// DecrementDeliverWindow consumes one cell's worth of deliver window on
// side, reporting the new value so the caller can decide whether it has
// crossed the threshold that triggers emitting a SENDME.
func (c *Circuit) DecrementDeliverWindow(side Side) (remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == SideP {
		c.DeliverWindowP--
		return c.DeliverWindowP
	}
	c.DeliverWindowN--
	return c.DeliverWindowN
}

// IncrementDeliverWindow replenishes side's deliver window by n cells,
// after this hop emits a SENDME acknowledging receipt.
func (c *Circuit) IncrementDeliverWindow(side Side, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == SideP {
		c.DeliverWindowP += n
	} else {
		c.DeliverWindowN += n
	}
}

// NewCircuit constructs a relay circuit joining half p to half n.
func NewCircuit(p, n Half, format cell.Format) *Circuit {
	return &Circuit{
		P:                p,
		N:                n,
		Format:           format,
		createdAt:        time.Now(),
		PackageWindowN:   initialWindow,
		DeliverWindowN:   initialWindow,
		PackageWindowP:   initialWindow,
		DeliverWindowP:   initialWindow,
		RelayEarlyBudget: initialBudget,
	}
}

// Age reports how long the circuit has existed.
func (c *Circuit) Age() time.Duration {
	return time.Since(c.createdAt)
}

// MarkForClose marks the circuit closed with reason, idempotently: a
// second call with a different reason does not overwrite the first.
// Per §5/§7, marking never itself drains queues or detaches halves —
// callers (RelayProcessor, CellQueue) observe IsMarkedForClose() and
// stop admitting new work, while in-flight teardown cells still drain.
func (c *Circuit) MarkForClose(reason errors.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markedForClose {
		return
	}
	c.markedForClose = true
	c.closeReason = reason
}

// IsMarkedForClose reports whether the circuit has been marked for
// teardown.
func (c *Circuit) IsMarkedForClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markedForClose
}

// CloseReason returns the reason the circuit was marked for close, valid
// only once IsMarkedForClose is true.
func (c *Circuit) CloseReason() errors.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// DetachP severs the previous-hop half: the channel pointer is cleared
// and the circuit-id zeroed, so CircuitTable lookups for the old key
// fail and no further cell on that channel is mistaken for this circuit.
// This is the consent-boundary operation from §4.3: it happens before
// the circuit is marked, so a DESTROY's remote-stated reason is never
// itself threaded onward — only the locally assigned reason is.
func (c *Circuit) DetachP() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.P = Half{}
}

// DetachN severs the next-hop half, mirroring DetachP.
func (c *Circuit) DetachN() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.N = Half{}
}

// Manager is the CircuitTable: a two-way (channel, circuit-id) lookup
// plus a global list for iteration by memory-governor and statistics
// code. Circuit-ids are relay-assigned for the n-side of a locally
// originated EXTEND and client-assigned for the p-side of an inbound
// CREATE; either way, id 0 is reserved and never allocated.
type Manager struct {
	mu       sync.RWMutex
	byKey    map[key]*Circuit
	circuits map[*Circuit]struct{}
}

// NewManager creates an empty circuit table.
func NewManager() *Manager {
	return &Manager{
		byKey:    make(map[key]*Circuit),
		circuits: make(map[*Circuit]struct{}),
	}
}

// Insert adds a new circuit to the table, indexed by both of its
// (non-detached) halves. It fails if either occupied key is already in
// use — CircuitTable never silently replaces an existing entry.
func (m *Manager) Insert(c *Circuit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, nk := c.P.key(), c.N.key()
	if !c.P.detached() {
		if pk.circID == 0 {
			return fmt.Errorf("circuit: refusing to insert zero p circuit-id")
		}
		if _, exists := m.byKey[pk]; exists {
			return fmt.Errorf("circuit: p-side key already occupied: channel=%d circ=%d", pk.channel, pk.circID)
		}
	}
	if !c.N.detached() {
		if nk.circID == 0 {
			return fmt.Errorf("circuit: refusing to insert zero n circuit-id")
		}
		if _, exists := m.byKey[nk]; exists {
			return fmt.Errorf("circuit: n-side key already occupied: channel=%d circ=%d", nk.channel, nk.circID)
		}
	}

	if !c.P.detached() {
		m.byKey[pk] = c
	}
	if !c.N.detached() {
		m.byKey[nk] = c
	}
	m.circuits[c] = struct{}{}
	return nil
}

// Lookup finds the circuit for a (channel, circuit-id) pair, along with
// which half matched (true = p-side, false = n-side).
func (m *Manager) Lookup(ch ChannelID, circID uint32) (c *Circuit, isP bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok = m.byKey[key{channel: ch, circID: circID}]
	if !ok {
		return nil, false, false
	}
	c.mu.Lock()
	isP = !c.P.detached() && c.P.Channel.ID() == ch && c.P.CircID == circID
	c.mu.Unlock()
	return c, isP, true
}

// DetachKey removes a single (channel, circuit-id) key from the table
// without removing the circuit itself — used when one half is detached
// (DetachP/DetachN) but the other half may still need to drain.
func (m *Manager) DetachKey(ch ChannelID, circID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, key{channel: ch, circID: circID})
}

// Remove deletes a circuit from the table entirely (both keys, and the
// iteration set). Safe to call on a circuit whose halves are already
// detached.
func (m *Manager) Remove(c *Circuit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.mu.Lock()
	pk, nk := c.P.key(), c.N.key()
	c.mu.Unlock()
	if !c.P.detached() {
		delete(m.byKey, pk)
	}
	if !c.N.detached() {
		delete(m.byKey, nk)
	}
	delete(m.circuits, c)
}

// Count returns the number of circuits currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// All returns a snapshot slice of every tracked circuit, for iteration by
// the memory governor and statistics code.
func (m *Manager) All() []*Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Circuit, 0, len(m.circuits))
	for c := range m.circuits {
		out = append(out, c)
	}
	return out
}
