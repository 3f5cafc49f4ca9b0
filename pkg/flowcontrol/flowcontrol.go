// Package flowcontrol implements FlowControl: circuit- and stream-level
// package/deliver window bookkeeping, SENDME emission/consumption
// (legacy unauthenticated and modern digest-authenticated variants), and
// RELAY_XON/XOFF stream pausing, per tor-spec.txt section 7 and §4.9's
// 1000/100 circuit-level and 500/50 stream-level window constants.
//
// Grounded on the window-counter shape already present on
// pkg/circuit.Circuit (decrement/increment pairs per direction) and
// pkg/stream.EdgeStream (the stream-level counterparts), generalized
// here into the policy that decides WHEN a SENDME must be sent or
// consumed rather than duplicating the counters themselves. The
// SendmeDigestList is new, patterned after the sliding-window
// FIFO-with-map bookkeeping in opd-ai-go-tor/pkg/cell/replay.go (oldest
// entries drop off the front once the list exceeds its bound).
package flowcontrol

import (
	"sync"

	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/relaycrypto"
	"github.com/opd-ai/tor-relay-core/pkg/stream"
)

// Default window constants, tor-spec.txt section 7.3 / SPEC_FULL.md §4.9.
const (
	CircuitWindowIncrement = 100
	StreamWindowIncrement  = 50

	// circuitSendmeThreshold is reached when a circuit's deliver window
	// has absorbed one full increment's worth of cells since the last
	// SENDME.
	circuitSendmeThreshold = 1000 - CircuitWindowIncrement
	streamSendmeThreshold  = 500 - StreamWindowIncrement
)

// SendmeDigestList records the forward-direction digest tags a hop
// computed as it packaged cells, in order, so an inbound SENDME's
// authenticated tag (§6) can be matched against the right one instead of
// trusting an unauthenticated acknowledgement. Grounded on the teacher's
// cell/replay.go sliding-window-with-digest design.
type SendmeDigestList struct {
	mu   sync.Mutex
	tags [][]byte
	max  int
}

// NewSendmeDigestList creates a digest list bounded to max recorded tags;
// exceeding it drops the oldest unverified tag, on the assumption its
// corresponding SENDME was lost and the circuit's window accounting will
// have already been driven by a later one.
func NewSendmeDigestList(max int) *SendmeDigestList {
	return &SendmeDigestList{max: max}
}

// Record appends a freshly computed forward-digest tag, to be matched
// against a future SENDME.
func (l *SendmeDigestList) Record(tag []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags = append(l.tags, tag)
	if len(l.tags) > l.max {
		l.tags = l.tags[len(l.tags)-l.max:]
	}
}

// Verify checks received against each recorded tag, oldest first, with a
// constant-time comparison; on a match it consumes that tag (and any older, unmatched ones,
// which are presumed to correspond to lost SENDMEs) so later Verify
// calls advance through the list in order.
func (l *SendmeDigestList) Verify(received []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, tag := range l.tags {
		if relaycrypto.VerifySendmeTag(received, tag) {
			l.tags = l.tags[i+1:]
			return true
		}
	}
	return false
}

// Len reports how many unverified tags are currently recorded.
func (l *SendmeDigestList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tags)
}

// NoteCellPackaged consumes one circuit-level package-window cell on
// side before a data-bearing relay cell is sent that direction. A false
// return means the window is exhausted and the cell must instead be held
// until a SENDME arrives.
func NoteCellPackaged(c *circuit.Circuit, side circuit.Side) bool {
	_, ok := c.DecrementPackageWindow(side)
	return ok
}

// NoteCellDelivered consumes one circuit-level deliver-window cell on
// side after a data-bearing relay cell is received from that direction,
// reporting whether this hop must now emit a SENDME acknowledging
// receipt.
func NoteCellDelivered(c *circuit.Circuit, side circuit.Side) (sendmeDue bool) {
	remaining := c.DecrementDeliverWindow(side)
	return remaining <= circuitSendmeThreshold && remaining%CircuitWindowIncrement == 0
}

// ConsumeCircuitSendme replenishes side's circuit-level package window on
// receipt of a verified SENDME.
func ConsumeCircuitSendme(c *circuit.Circuit, side circuit.Side) {
	c.IncrementPackageWindow(side, CircuitWindowIncrement)
}

// EmitCircuitSendme replenishes side's circuit-level deliver window once
// this hop has actually sent the acknowledging SENDME cell.
func EmitCircuitSendme(c *circuit.Circuit, side circuit.Side) {
	c.IncrementDeliverWindow(side, CircuitWindowIncrement)
}

// NoteStreamCellPackaged is the stream-level counterpart of
// NoteCellPackaged.
func NoteStreamCellPackaged(s *stream.EdgeStream) bool {
	if s.PackageWindow <= 0 {
		return false
	}
	s.PackageWindow--
	return true
}

// NoteStreamCellDelivered is the stream-level counterpart of
// NoteCellDelivered.
func NoteStreamCellDelivered(s *stream.EdgeStream) (sendmeDue bool) {
	s.DeliverWindow--
	return s.DeliverWindow <= streamSendmeThreshold && s.DeliverWindow%StreamWindowIncrement == 0
}

// ConsumeStreamSendme replenishes a stream's package window on receipt of
// a stream-level SENDME.
func ConsumeStreamSendme(s *stream.EdgeStream) {
	s.PackageWindow += StreamWindowIncrement
}

// EmitStreamSendme replenishes a stream's deliver window once this hop
// has sent the acknowledging SENDME.
func EmitStreamSendme(s *stream.EdgeStream) {
	s.DeliverWindow += StreamWindowIncrement
}

// ApplyXoff marks a stream's outbound direction paused; RelayProcessor
// stops packaging new DATA toward that direction until a matching XON.
func ApplyXoff(s *stream.EdgeStream, sent bool) {
	if sent {
		s.XoffSent = true
	} else {
		s.XoffReceived = true
	}
}

// ApplyXon clears a previously applied XOFF.
func ApplyXon(s *stream.EdgeStream, sent bool) {
	if sent {
		s.XoffSent = false
	} else {
		s.XoffReceived = false
	}
}
