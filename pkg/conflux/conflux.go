// Package conflux implements Conflux (§4.11): a set of two or more circuit
// legs sharing the same exit, across which DATA cells are multiplexed and
// delivered to the normal RelayProcessor pipeline in a single, gap-free
// sequence-number order regardless of which leg each cell actually
// travelled on.
//
// Grounded on pkg/cell.ReplayProtection's sliding-window-plus-digest-map
// design, repurposed from replay *rejection* to delivery *reordering*: the
// sequence-number bookkeeping and out-of-window handling is the same shape
// (a next-expected counter, a bounded map of out-of-order arrivals), but
// where ReplayProtection drops anything it has already seen, the
// ReorderBuffer here holds onto anything it has seen too early and
// releases it once the gap closes.
package conflux

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/metrics"
)

// MaxPendingReorder bounds how many out-of-sequence cells a Set will hold
// before giving up on the gap ever closing — a conflux peer that never
// fills a gap is indistinguishable from a dead leg, and an unbounded
// reorder buffer would be an uncapped memory sink (§4.13 MemoryGovernor
// tracks this buffer explicitly for that reason).
const MaxPendingReorder = 1000

// Leg is one circuit participating in a conflux set.
type Leg struct {
	Circ *circuit.Circuit
	Side circuit.Side
}

// Set is a Conflux group: the legs sharing one exit, the send-side
// sequence counter, and the receive-side reorder buffer that restores
// sender order across legs. Sequencing is per-set, not per-leg: the whole
// point of conflux is that one logical stream of bytes is split across
// legs and must be reassembled in the order it was sent.
type Set struct {
	mu sync.Mutex

	legs []*Leg
	next int // round-robin cursor for DecideCircForSend

	sendSeq  uint64
	recvNext uint64
	pending  map[uint64][]byte

	metrics *metrics.Metrics
}

// NewSet creates an empty conflux set.
func NewSet() *Set {
	return &Set{pending: make(map[uint64][]byte)}
}

// SetMetrics wires m as the destination for this Set's gauges (§9.1
// AMBIENT STACK). Optional: a Set with none set simply skips recording.
// Call it once, right after NewSet, so the initial active-set count is
// reported too.
func (s *Set) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	if m != nil {
		m.ConfluxSetsActive.Inc()
	}
}

// AddLeg adds circ (already a fully-built circuit sharing this set's exit)
// as a new leg, established via a prior LINK/LINKED/LINKED_ACK exchange.
func (s *Set) AddLeg(circ *circuit.Circuit, side circuit.Side) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg := &Leg{Circ: circ, Side: side}
	s.legs = append(s.legs, leg)
	return leg
}

// RemoveLeg drops a leg, e.g. on that circuit's TRUNCATE/DESTROY.
func (s *Set) RemoveLeg(circ *circuit.Circuit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.legs {
		if l.Circ == circ {
			s.legs = append(s.legs[:i], s.legs[i+1:]...)
			if s.next > i {
				s.next--
			}
			return
		}
	}
}

// Legs returns a snapshot of the current legs.
func (s *Set) Legs() []*Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Leg, len(s.legs))
	copy(out, s.legs)
	return out
}

// ShouldMultiplex reports whether a relay command is conflux-multiplexed
// data traffic (spread across legs) as opposed to per-leg control traffic
// (LINK/LINKED/LINKED_ACK/SWITCH, EXTEND/TRUNCATE, SENDME) which always
// travels on the leg it was generated for.
func ShouldMultiplex(relayCmd byte) bool {
	return relayCmd == cell.RelayData
}

// CanSend reports whether any leg in the set currently has package-window
// room to send — used by stream-blocking logic so a single congested leg
// doesn't pause streams the other legs could still carry (§4.11).
func (s *Set) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.legs {
		if l.Circ.PackageWindow(l.Side) > 0 {
			return true
		}
	}
	return false
}

// DecideCircForSend picks the leg the next cell for relayCmd should travel
// on. Control commands are expected to be sent on the leg the caller
// already has in hand (ShouldMultiplex is false for them); for DATA, this
// round-robins across legs that currently have send window, skipping
// congested ones so traffic naturally drains toward whichever leg is
// healthiest.
func (s *Set) DecideCircForSend(relayCmd byte) (*Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.legs) == 0 {
		return nil, fmt.Errorf("conflux: no legs in set")
	}
	for i := 0; i < len(s.legs); i++ {
		idx := (s.next + i) % len(s.legs)
		leg := s.legs[idx]
		if !ShouldMultiplex(relayCmd) || leg.Circ.PackageWindow(leg.Side) > 0 {
			s.next = (idx + 1) % len(s.legs)
			return leg, nil
		}
	}
	return nil, fmt.Errorf("conflux: all legs congested")
}

// NextSendSeq assigns and returns the next outbound sequence number,
// regardless of which leg DecideCircForSend ultimately routes the cell to.
func (s *Set) NextSendSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.sendSeq
	s.sendSeq++
	return seq
}

// Receive accepts a cell payload carrying seq, the sequence number
// assigned by NextSendSeq on the sending side, and returns the payloads
// now ready for in-order delivery to the RelayProcessor pipeline — zero or
// more, since a single arrival can close a run of several previously
// buffered out-of-order cells at once.
func (s *Set) Receive(seq uint64, payload []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.recvNext {
		// Already delivered; tolerate as a harmless duplicate rather than
		// erroring, since at-least-once delivery across a lossy link is
		// expected during leg failover.
		return nil, nil
	}
	if seq > s.recvNext+MaxPendingReorder {
		return nil, fmt.Errorf("conflux: sequence %d too far ahead of expected %d", seq, s.recvNext)
	}

	s.pending[seq] = payload

	var ready [][]byte
	for {
		next, ok := s.pending[s.recvNext]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(s.pending, s.recvNext)
		s.recvNext++
	}
	if s.metrics != nil {
		s.metrics.ConfluxReorderDepth.Set(int64(len(s.pending)))
	}
	return ready, nil
}

// PendingCount reports how many out-of-order cells are currently buffered,
// for the memory governor's conflux-reorder-buffer accounting (§4.13).
func (s *Set) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// --- LINK / LINKED / LINKED_ACK / SWITCH control payloads ---

// LinkPayload is the body of a RELAY_CONFLUX_LINK/LINKED cell: a shared
// nonce binding the legs of one set together, plus the sender's current
// send sequence number so the receiver's reorder buffer starts at the
// right place instead of assuming zero.
type LinkPayload struct {
	Nonce   [32]byte
	LastSeq uint64
}

// EncodeLink packs a LinkPayload for RELAY_CONFLUX_LINK/LINKED.
func EncodeLink(p LinkPayload) []byte {
	out := make([]byte, 32+8)
	copy(out, p.Nonce[:])
	binary.BigEndian.PutUint64(out[32:], p.LastSeq)
	return out
}

// DecodeLink unpacks a RELAY_CONFLUX_LINK/LINKED body.
func DecodeLink(data []byte) (LinkPayload, error) {
	if len(data) < 40 {
		return LinkPayload{}, fmt.Errorf("conflux: LINK payload too short: %d bytes", len(data))
	}
	var p LinkPayload
	copy(p.Nonce[:], data[:32])
	p.LastSeq = binary.BigEndian.Uint64(data[32:40])
	return p, nil
}

// SwitchPayload is the body of a RELAY_CONFLUX_SWITCH cell: informs the
// peer that subsequent cells on this leg resume at NewSeq, used when a
// sender deliberately changes which leg it favors.
type SwitchPayload struct {
	NewSeq uint64
}

// EncodeSwitch packs a SwitchPayload for RELAY_CONFLUX_SWITCH.
func EncodeSwitch(p SwitchPayload) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, p.NewSeq)
	return out
}

// DecodeSwitch unpacks a RELAY_CONFLUX_SWITCH body.
func DecodeSwitch(data []byte) (SwitchPayload, error) {
	if len(data) < 8 {
		return SwitchPayload{}, fmt.Errorf("conflux: SWITCH payload too short: %d bytes", len(data))
	}
	return SwitchPayload{NewSeq: binary.BigEndian.Uint64(data)}, nil
}
