// Package relay implements RelayProcessor: the hot-path pipeline every
// RELAY/RELAY_EARLY cell passes through once CommandDispatch has
// validated its routing — decrypt-and-recognize at this hop, decode the
// relay message if recognized, dispatch on its relay command, or
// re-encrypt and forward it onward if this hop isn't the destination.
//
// Grounded on mmcloughlin/pearl's circuit.go (handleForwardRelay /
// handleBackwardRelay / handleUnrecognizedCell / handleRelayExtend2),
// extended well past its EXTEND-only coverage to the full relay-command
// table SPEC_FULL.md §4.7 names. Exit-side networking (actually opening
// a TCP connection for BEGIN, performing the DNS lookup for RESOLVE) is
// abstracted behind the ExitHandler interface rather than ported,
// since the teacher — a client — never plays the exit role; a real
// deployment supplies its own ExitHandler, the same way it supplies a
// CellSender implementation for pkg/circuit.
package relay

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/cellqueue"
	"github.com/opd-ai/tor-relay-core/pkg/channel"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/conflux"
	"github.com/opd-ai/tor-relay-core/pkg/congestion"
	"github.com/opd-ai/tor-relay-core/pkg/crypto"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
	"github.com/opd-ai/tor-relay-core/pkg/flowcontrol"
	"github.com/opd-ai/tor-relay-core/pkg/logger"
	"github.com/opd-ai/tor-relay-core/pkg/memgov"
	"github.com/opd-ai/tor-relay-core/pkg/mux"
	"github.com/opd-ai/tor-relay-core/pkg/pathbias"
	"github.com/opd-ai/tor-relay-core/pkg/pool"
	"github.com/opd-ai/tor-relay-core/pkg/relaycrypto"
	"github.com/opd-ai/tor-relay-core/pkg/stream"
)

// ExitHandler performs the actual exit-role networking a BEGIN/DATA/
// END/RESOLVE relay message requires. A relay that never exits traffic
// (a middle-only configuration) can supply a handler that always
// refuses with RELAY_END reason "exit policy".
type ExitHandler interface {
	Begin(ctx context.Context, s *stream.EdgeStream, addr string) error
	Data(ctx context.Context, s *stream.EdgeStream, data []byte) error
	End(ctx context.Context, s *stream.EdgeStream) error
	Resolve(ctx context.Context, s *stream.EdgeStream, name string) (addrs [][]byte, err error)
}

// Extender dials the next hop for an EXTEND2. handleExtend2 then runs the
// ntor handshake over the returned channel itself and derives that hop's
// HopCrypto from the result.
type Extender interface {
	Dial(ctx context.Context, address string) (*channel.Channel, error)
}

// ChannelExtender is the default Extender, dialing a real TLS channel.
// Multiple circuits extended toward the same next hop are common (a busy
// middle relay sees many EXTEND2s for the same guard), so Pool, if set,
// is consulted first; a fresh TLS channel is only dialed on a pool miss.
type ChannelExtender struct {
	CircWidth cell.CircIDWidth
	Log       *logger.Logger

	// Pool, if non-nil, lets repeated EXTEND2s toward the same address
	// reuse an already-open channel instead of paying for a new TCP+TLS
	// handshake on every circuit extension. Nil-safe: an Extender with no
	// pool wired always dials fresh, as before.
	Pool *pool.ConnectionPool
}

func (e ChannelExtender) Dial(ctx context.Context, address string) (*channel.Channel, error) {
	cfg := channel.DefaultConfig(address)
	cfg.CircWidth = e.CircWidth
	if e.Pool != nil {
		return e.Pool.Get(ctx, address, cfg)
	}
	return channel.Dial(ctx, cfg, e.Log)
}

// Processor is the RelayProcessor: shared state needed to service any
// circuit's traffic, independent of which circuit is currently active.
type Processor struct {
	streams  *stream.Table
	muxes    map[circuit.ChannelID]*mux.Mux
	sendme   map[*circuit.Circuit]*flowcontrol.SendmeDigestList
	exit     ExitHandler
	extender Extender
	log      *logger.Logger

	// confluxByCirc and confluxByNonce implement the LINK/LINKED/
	// LINKED_ACK handshake of §4.11: the first LINK for a nonce creates a
	// Set and parks it under that nonce; the second LINK for the same
	// nonce joins the same Set as a second leg. Both maps are indexed
	// under the same single-goroutine-per-channel assumption the rest of
	// Processor relies on (see sendme above), so no separate mutex guards
	// them.
	confluxByCirc  map[*circuit.Circuit]*conflux.Set
	confluxByNonce map[[32]byte]*conflux.Set

	// bias and prober are optional (nil-safe): a deployment that doesn't
	// want path-bias accounting simply never sets them. Wired at the
	// EXTEND2/EXTENDED2 boundary, the closest analog this relay-role
	// pipeline has to "building a circuit leg through a guard" — the
	// origin-side ntor handshake handleExtend2 performs is exactly the
	// operation path-bias counters were designed to track, whether or not
	// the hop in question is specifically the first one.
	bias   *pathbias.Tracker
	prober *pathbias.Prober

	// gov is the optional memory governor (§4.13) this Processor reports
	// outbound cell-queue bytes to; queueByCirc remembers which queue
	// belongs to which circuit so CloseOOMVictims can rank them by oldest
	// queued cell without threading a circuit-to-queue lookup through
	// every caller.
	gov         *memgov.Governor
	queueByCirc map[*circuit.Circuit]*cellqueue.Queue

	// queueCache remembers the one cellqueue.Queue outboundQueue has
	// already registered for each (mux, circID) pair, so repeated
	// forwards/replies on the same outbound half reuse it instead of
	// registering (and orphaning) a new queue every call.
	queueCache map[*mux.Mux]map[uint32]*cellqueue.Queue

	// congestionAlgo is the optional per-(circuit, side) CongestionControl
	// (§4.10) that, once wired via SetCongestionAlgorithm, intercepts
	// packaging decisions and SENDME arrivals for that side in place of
	// flowcontrol's fixed window. A circuit with none set keeps the
	// original fixed-window behavior unchanged.
	congestionAlgo map[*circuit.Circuit]map[circuit.Side]congestion.Algorithm
}

// New creates a Processor. muxes is the set of per-channel schedulers
// this relay process maintains, keyed the same way pkg/circuit keys
// channels.
func New(streams *stream.Table, muxes map[circuit.ChannelID]*mux.Mux, exit ExitHandler, extender Extender, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Processor{
		streams:        streams,
		muxes:          muxes,
		sendme:         make(map[*circuit.Circuit]*flowcontrol.SendmeDigestList),
		exit:           exit,
		extender:       extender,
		log:            log.Component("relay"),
		confluxByCirc:  make(map[*circuit.Circuit]*conflux.Set),
		confluxByNonce: make(map[[32]byte]*conflux.Set),
		queueByCirc:    make(map[*circuit.Circuit]*cellqueue.Queue),
	}
}

// SetPathBias installs the optional path-bias tracker/prober this
// Processor consults when extending circuits. A Processor with neither set
// performs no path-bias accounting, matching a deployment that has
// disabled it outright.
func (p *Processor) SetPathBias(bias *pathbias.Tracker, prober *pathbias.Prober) {
	p.bias = bias
	p.prober = prober
}

// SetMemoryGovernor installs the optional memory governor this Processor
// reports outbound cell-queue byte usage to, and that CloseOOMVictims
// consults when the governor's category-shrink pass alone doesn't bring
// total usage back under its hard limit (§4.13).
func (p *Processor) SetMemoryGovernor(gov *memgov.Governor) {
	p.gov = gov
}

// SetCongestionAlgorithm installs alg as the pluggable CongestionControl
// (§4.10) governing circ's package window on side, consulted by forward/
// DeliverData's packaging checks and by handleSendme's circuit-level
// SENDME handling in place of flowcontrol's fixed window. Nil-safe: a
// (circuit, side) pair with none wired keeps using flowcontrol's fixed
// window exactly as before.
func (p *Processor) SetCongestionAlgorithm(circ *circuit.Circuit, side circuit.Side, alg congestion.Algorithm) {
	if p.congestionAlgo == nil {
		p.congestionAlgo = make(map[*circuit.Circuit]map[circuit.Side]congestion.Algorithm)
	}
	bySide := p.congestionAlgo[circ]
	if bySide == nil {
		bySide = make(map[circuit.Side]congestion.Algorithm)
		p.congestionAlgo[circ] = bySide
	}
	bySide[side] = alg
}

// congestionFor returns the CongestionControl algorithm wired for
// (circ, side), or nil if none is installed.
func (p *Processor) congestionFor(circ *circuit.Circuit, side circuit.Side) congestion.Algorithm {
	return p.congestionAlgo[circ][side]
}

// registerQueue registers q as circ's outbound queue on m under circID,
// wiring it to the memory governor (if any) and remembering the
// circuit-to-queue mapping for CloseOOMVictims. Centralizing this keeps
// every forward/reply send site accounted for identically.
func (p *Processor) registerQueue(circ *circuit.Circuit, m *mux.Mux, circID uint32, q *cellqueue.Queue) {
	q.SetGovernor(p.gov)
	m.Register(circID, q)
	if p.queueByCirc != nil {
		p.queueByCirc[circ] = q
	}
}

// outboundQueue returns the single cellqueue.Queue this Processor uses to
// hand cells for circID to m, creating and registering one the first
// time it's needed. mux.Mux.Register is a no-op once circID is already
// registered, so reusing the cached queue (rather than building a fresh
// one per call) is required for anything past the first cell on a given
// outbound half to actually reach the wire instead of being pushed into
// an orphaned queue the mux never drains.
func (p *Processor) outboundQueue(circ *circuit.Circuit, m *mux.Mux, circID uint32) *cellqueue.Queue {
	if p.queueCache == nil {
		p.queueCache = make(map[*mux.Mux]map[uint32]*cellqueue.Queue)
	}
	byCircID := p.queueCache[m]
	if byCircID == nil {
		byCircID = make(map[uint32]*cellqueue.Queue)
		p.queueCache[m] = byCircID
	}
	if q, ok := byCircID[circID]; ok {
		return q
	}
	q := cellqueue.New()
	p.registerQueue(circ, m, circID, q)
	byCircID[circID] = q
	return q
}

// CloseOOMVictims asks the memory governor to close circuits oldest-cell-
// first until needBytes have been freed, ranking only circuits this
// Processor has registered an outbound queue for. It is a no-op if no
// governor is installed.
func (p *Processor) CloseOOMVictims(needBytes int64) (closed []*circuit.Circuit, freed int64) {
	if p.gov == nil {
		return nil, 0
	}
	infos := make([]memgov.CircuitCellInfo, 0, len(p.queueByCirc))
	for circ, q := range p.queueByCirc {
		if circ.IsMarkedForClose() {
			continue
		}
		infos = append(infos, memgov.CircuitCellInfo{
			Circuit:       circ,
			OldestCellAge: q.OldestAge(),
			QueuedBytes:   q.QueuedBytes(),
		})
	}
	return p.gov.CloseOldestCells(infos, needBytes)
}

// ProcessInbound is the entry point for one decrypted-or-not RELAY/
// RELAY_EARLY cell payload arriving on arrivingHalf (P or N) of circ. It
// decrypts the layer for arrivingHalf, tests recognition, and either
// dispatches the decoded message locally or forwards the (now
// re-layered) payload onward via the opposite half's mux.
func (p *Processor) ProcessInbound(ctx context.Context, circ *circuit.Circuit, side circuit.Side, payload []byte) error {
	if circ.IsMarkedForClose() {
		return nil
	}

	// A cell arriving on P travels client-to-exit and, if unrecognized,
	// forwards onward toward N; a cell arriving on N travels the other
	// way and forwards onward toward P.
	arriving, forwardTo, forwardSide := circ.P, circ.N, circuit.SideN
	if side == circuit.SideN {
		arriving, forwardTo, forwardSide = circ.N, circ.P, circuit.SideP
	}
	if arriving.Crypto == nil {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "relay cell on half with no crypto state")
	}

	recognized, err := arriving.Crypto.DecryptAndRecognize(payload, circ.Format)
	if err != nil {
		return fmt.Errorf("relay: decrypt/recognize: %w", err)
	}

	if !recognized {
		return p.forward(circ, forwardTo, forwardSide, payload)
	}

	msg, err := cell.DecodeRelayMessage(payload, circ.Format)
	if err != nil {
		return fmt.Errorf("relay: decode relay message: %w", err)
	}
	return p.dispatch(ctx, circ, side, msg)
}

// forward re-encrypts a cell this hop is not the destination of and
// enqueues it onto the opposite half's channel via that channel's mux,
// marking the circuit for close (RESOURCELIMIT) if its queue is already
// saturated (§4.4/§7).
func (p *Processor) forward(circ *circuit.Circuit, to circuit.Half, toSide circuit.Side, payload []byte) error {
	if to.Channel == nil {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "cell unrecognized with no further hop to forward to")
	}
	to.Crypto.EncryptLayer(payload)

	if alg := p.congestionFor(circ, toSide); alg != nil {
		if alg.PackageWindow() <= 0 {
			return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "forward blocked: package window exhausted")
		}
		alg.NoteCellSent()
	} else if !flowcontrol.NoteCellPackaged(circ, toSide) {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "forward blocked: package window exhausted")
	}

	out := cell.NewCell(to.CircID, cell.CmdRelay)
	out.Payload = payload

	m := p.muxes[to.Channel.ID()]
	if m == nil {
		return fmt.Errorf("relay: no mux registered for channel %d", to.Channel.ID())
	}
	q := p.outboundQueue(circ, m, to.CircID)
	if err := q.Push(out); err != nil {
		circ.MarkForClose(errors.CloseReasonResourceLimit)
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// DeliverData packages data arriving asynchronously from the exit side
// (bytes read back off the connection an ExitHandler opened for BEGIN)
// as a RELAY_DATA cell and enqueues it toward circ.P — the reverse of
// handleData's client-to-exit path. A concrete ExitHandler's connection
// read loop calls this for every chunk it reads, the same way it would
// call Begin/Data/End on the outward path. MaxRelayDataLen(...) worth of
// data per call keeps each cell within the fixed payload size; callers
// with more to deliver must split across multiple calls.
func (p *Processor) DeliverData(circ *circuit.Circuit, streamID uint16, data []byte) error {
	if circ.IsMarkedForClose() {
		return nil
	}
	s, ok := p.streams.Lookup(circ, streamID)
	if !ok {
		return errors.New(errors.CategoryProtocol, errors.SeverityLow, "DeliverData on unknown stream")
	}
	if s.XoffReceived {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "DeliverData blocked: stream paused by XOFF")
	}
	if alg := p.congestionFor(circ, circuit.SideP); alg != nil {
		if alg.PackageWindow() <= 0 {
			return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "DeliverData blocked: circuit package window exhausted")
		}
		alg.NoteCellSent()
	} else if !flowcontrol.NoteCellPackaged(circ, circuit.SideP) {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "DeliverData blocked: circuit package window exhausted")
	}
	if !flowcontrol.NoteStreamCellPackaged(s) {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "DeliverData blocked: stream package window exhausted")
	}
	return p.sendRelayControl(circ, circuit.SideP, cell.RelayData, streamID, data)
}

// probeID derives the opaque id pathbias.Prober keys its pending probes
// under from a circuit/stream pair: the near-hop circuit-id combined with
// the stream-id that carried the probe's synthetic BEGIN.
func probeID(circ *circuit.Circuit, streamID uint16) uint64 {
	return uint64(circ.P.CircID)<<16 | uint64(streamID)
}

// dispatch routes a recognized relay message to its command-specific
// handler, per SPEC_FULL.md §4.7's table. Before any of that, if this
// circuit/stream has an outstanding path-bias probe (§4.7 step 3, §4.12),
// an arriving END is diverted to probe validation instead of ordinary
// stream teardown — the probe's own fabricated stream never gets a real
// END from anything but the probe logic itself.
func (p *Processor) dispatch(ctx context.Context, circ *circuit.Circuit, side circuit.Side, msg *cell.RelayMessage) error {
	if msg.StreamID == 0 && requiresStreamID(msg.Command) {
		p.log.Debug("relay command requires nonzero stream-id, dropping", "command", cell.RelayCmdString(msg.Command))
		return nil
	}

	if p.prober != nil && msg.Command == cell.RelayEnd {
		id := probeID(circ, msg.StreamID)
		if p.prober.Pending(id) {
			return p.handleProbeEnd(circ, id, msg)
		}
	}

	switch msg.Command {
	case cell.RelayBegin, cell.RelayBeginDir:
		return p.handleBegin(ctx, circ, msg)
	case cell.RelayData:
		return p.handleData(ctx, circ, side, msg)
	case cell.RelayEnd:
		return p.handleEnd(ctx, circ, msg)
	case cell.RelayConnected:
		return p.handleConnected(circ, msg)
	case cell.RelaySendme:
		return p.handleSendme(circ, side, msg)
	case cell.RelayExtend2:
		return p.handleExtend2(ctx, circ, msg)
	case cell.RelayExtended2:
		return p.handleExtended2(circ, msg)
	case cell.RelayTruncate:
		return p.handleTruncate(circ)
	case cell.RelayTruncated:
		return p.handleTruncated(circ)
	case cell.RelayResolve:
		return p.handleResolve(ctx, circ, msg)
	case cell.RelayResolved:
		return p.handleResolved(circ, msg)
	case cell.RelayXoff:
		return p.handleXoff(circ, msg, true)
	case cell.RelayXon:
		return p.handleXon(circ, msg, true)
	case cell.RelayConfluxLink:
		return p.handleConfluxLink(circ, side, msg)
	case cell.RelayConfluxLinked:
		return p.handleConfluxLinked(circ, side, msg)
	case cell.RelayConfluxLinkedAck:
		return nil
	case cell.RelayConfluxSwitch:
		return p.handleConfluxSwitch(circ, msg)
	default:
		p.log.Debug("unhandled relay command", "command", cell.RelayCmdString(msg.Command))
		return nil
	}
}

// requiresStreamID reports whether a relay command must always carry a
// nonzero stream-id; one arriving with stream-id 0 is a protocol error
// and the cell is dropped rather than killing the circuit (§4.7, §8).
func requiresStreamID(cmd byte) bool {
	switch cmd {
	case cell.RelayBegin, cell.RelayData, cell.RelayEnd, cell.RelayConnected,
		cell.RelayResolve, cell.RelayResolved, cell.RelayBeginDir:
		return true
	default:
		return false
	}
}

func (p *Processor) handleBegin(ctx context.Context, circ *circuit.Circuit, msg *cell.RelayMessage) error {
	s := stream.NewEdgeStream(msg.StreamID)
	if err := p.streams.Insert(circ, s); err != nil {
		return fmt.Errorf("relay: BEGIN: %w", err)
	}
	if p.exit == nil {
		s.SetState(stream.StateClosed)
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "no exit handler configured")
	}
	target, err := parseBeginBody(msg.Data)
	if err != nil {
		s.SetState(stream.StateClosed)
		return fmt.Errorf("relay: BEGIN: %w", err)
	}
	if err := p.exit.Begin(ctx, s, target.Addr()); err != nil {
		s.SetState(stream.StateClosed)
		return fmt.Errorf("relay: BEGIN: %w", err)
	}
	s.SetState(stream.StateOpen)
	// A successful BEGIN always arrived outward-bound (from the p-side);
	// CONNECTED travels back the way it came. The body is left empty
	// (tor-spec section 6.2 permits this) since ExitHandler.Begin doesn't
	// report back the address it actually bound.
	return p.sendRelayControl(circ, circuit.SideP, cell.RelayConnected, msg.StreamID, nil)
}

func (p *Processor) handleData(ctx context.Context, circ *circuit.Circuit, side circuit.Side, msg *cell.RelayMessage) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok || !s.IsValidData() {
		return errors.New(errors.CategoryProtocol, errors.SeverityLow, "DATA on unknown or invalid stream")
	}

	circuitSendmeDue := flowcontrol.NoteCellDelivered(circ, side)
	circuitDeliverWindow := circ.DeliverWindowN
	if side == circuit.SideP {
		circuitDeliverWindow = circ.DeliverWindowP
	}
	if circuitDeliverWindow < 0 {
		circ.MarkForClose(errors.CloseReasonProtocol)
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "circuit deliver window went negative")
	}
	if circuitSendmeDue {
		if err := p.emitSendme(circ, side, 0); err != nil {
			return fmt.Errorf("relay: emit circuit SENDME: %w", err)
		}
		flowcontrol.EmitCircuitSendme(circ, side)
	}

	streamSendmeDue := flowcontrol.NoteStreamCellDelivered(s)
	if s.DeliverWindow < 0 {
		circ.MarkForClose(errors.CloseReasonProtocol)
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "stream deliver window went negative")
	}
	if streamSendmeDue {
		if err := p.emitSendme(circ, side, s.ID); err != nil {
			return fmt.Errorf("relay: emit stream SENDME: %w", err)
		}
		flowcontrol.EmitStreamSendme(s)
	}

	if p.exit == nil {
		return nil
	}

	if set, linked := p.confluxByCirc[circ]; linked && conflux.ShouldMultiplex(cell.RelayData) {
		return p.deliverConfluxData(ctx, set, s, msg.Data)
	}
	return p.exit.Data(ctx, s, msg.Data)
}

// deliverConfluxData unwraps the 8-byte big-endian sequence number a
// conflux-multiplexed DATA cell carries ahead of its payload, feeds it
// through set's reorder buffer, and hands every payload the buffer
// releases to the exit handler in order — zero, one, or several, since a
// single arrival can close a run of previously out-of-order cells.
func (p *Processor) deliverConfluxData(ctx context.Context, set *conflux.Set, s *stream.EdgeStream, data []byte) error {
	if len(data) < 8 {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "conflux DATA cell too short for sequence prefix")
	}
	seq := uint64(data[0])<<56 | uint64(data[1])<<48 | uint64(data[2])<<40 | uint64(data[3])<<32 |
		uint64(data[4])<<24 | uint64(data[5])<<16 | uint64(data[6])<<8 | uint64(data[7])
	ready, err := set.Receive(seq, data[8:])
	if err != nil {
		return fmt.Errorf("relay: conflux reorder: %w", err)
	}
	for _, payload := range ready {
		if err := p.exit.Data(ctx, s, payload); err != nil {
			return err
		}
	}
	return nil
}

// emitSendme packages and enqueues a RELAY_SENDME traveling back toward
// whichever half the acknowledged cell arrived from, recording this
// circuit's forward digest tag for the modern authenticated variant.
func (p *Processor) emitSendme(circ *circuit.Circuit, arrivedFrom circuit.Side, streamID uint16) error {
	replyTo := circ.P
	if arrivedFrom == circuit.SideN {
		replyTo = circ.N
	}
	if replyTo.Channel == nil {
		return nil
	}

	var tag []byte
	if streamID == 0 {
		tag = replyTo.Crypto.SendmeTag(relaycrypto.DirForward)
		digests := p.sendme[circ]
		if digests == nil {
			digests = flowcontrol.NewSendmeDigestList(50)
			p.sendme[circ] = digests
		}
		digests.Record(tag)
	}

	msg := cell.NewRelayMessage(streamID, cell.RelaySendme, tag)
	payload, err := msg.Encode(circ.Format, cell.PayloadLen4)
	if err != nil {
		return err
	}
	replyTo.Crypto.PackageAndSign(payload, circ.Format)

	out := cell.NewCell(replyTo.CircID, cell.CmdRelay)
	out.Payload = payload
	m := p.muxes[replyTo.Channel.ID()]
	if m == nil {
		return fmt.Errorf("no mux registered for channel %d", replyTo.Channel.ID())
	}
	q := p.outboundQueue(circ, m, replyTo.CircID)
	return q.Push(out)
}

// handleEnd flushes and closes a stream on receipt of END, then retains
// it as half-closed (rather than removing it outright) so a cell that
// was already in flight in the other direction still validates without
// a spurious warning (§4.8). The entry is reclaimed later by
// stream.Table.Sweep, not by this call.
func (p *Processor) handleEnd(ctx context.Context, circ *circuit.Circuit, msg *cell.RelayMessage) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok || !s.IsValidEnd() {
		return nil
	}
	if p.exit != nil {
		_ = p.exit.End(ctx, s)
	}
	s.SetState(stream.StateHalfClosed)
	return nil
}

func (p *Processor) handleConnected(circ *circuit.Circuit, msg *cell.RelayMessage) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok || !s.IsValidConnected() {
		return errors.New(errors.CategoryProtocol, errors.SeverityLow, "CONNECTED on invalid stream")
	}
	s.SetState(stream.StateOpen)
	return nil
}

// handleSendme updates the circuit-level package window on the side the
// SENDME travelled across, verifying the modern authenticated tag when
// present. A stream-level SENDME (msg.StreamID != 0) instead replenishes
// that stream's package window.
func (p *Processor) handleSendme(circ *circuit.Circuit, side circuit.Side, msg *cell.RelayMessage) error {
	if msg.StreamID != 0 {
		s, ok := p.streams.Lookup(circ, msg.StreamID)
		if !ok || !s.IsValidSendme() {
			return errors.New(errors.CategoryProtocol, errors.SeverityLow, "SENDME on invalid stream")
		}
		flowcontrol.ConsumeStreamSendme(s)
		return nil
	}

	if len(msg.Data) > 0 {
		digests := p.sendme[circ]
		if digests == nil || !digests.Verify(msg.Data) {
			return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "SENDME tag authentication failed")
		}
	}
	if alg := p.congestionFor(circ, side); alg != nil {
		alg.DispatchSendme()
		return nil
	}
	flowcontrol.ConsumeCircuitSendme(circ, side)
	return nil
}

func (p *Processor) handleXoff(circ *circuit.Circuit, msg *cell.RelayMessage, received bool) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok {
		return nil
	}
	flowcontrol.ApplyXoff(s, !received)
	return nil
}

func (p *Processor) handleXon(circ *circuit.Circuit, msg *cell.RelayMessage, received bool) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok {
		return nil
	}
	flowcontrol.ApplyXon(s, !received)
	return nil
}

// handleExtend2 dials the next hop named in msg, completes the origin
// side of a fresh ntor handshake against it, and installs the resulting
// channel/circuit-id as circ's new N half — turning a two-hop circuit
// into a three-hop one, per tor-spec.txt section 5. The CREATED2 is read
// and consumed here; no EXTENDED2 is sent back toward circ.P.
func (p *Processor) handleExtend2(ctx context.Context, circ *circuit.Circuit, msg *cell.RelayMessage) error {
	addr, identity, ntorKey, circID, err := parseExtend2(msg.Data)
	if err != nil {
		return fmt.Errorf("relay: EXTEND2: %w", err)
	}
	fingerprint := hex.EncodeToString(identity)
	if p.bias != nil {
		p.bias.RecordAttempt(fingerprint)
	}

	ch, err := p.extender.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("relay: EXTEND2 dial: %w", err)
	}

	handshakeData, ephemeralSecret, err := crypto.NtorClientHandshake(identity, ntorKey)
	if err != nil {
		return fmt.Errorf("relay: EXTEND2 handshake: %w", err)
	}
	clientPK := handshakeData[52:84]

	body := make([]byte, 4+len(clientPK))
	body[0], body[1] = 0, 2 // HandshakeNtor
	body[2], body[3] = 0, byte(len(clientPK))
	copy(body[4:], clientPK)

	create2 := cell.NewCell(circID, cell.CmdCreate2)
	create2.Payload = body
	if err := ch.SendCell(create2); err != nil {
		return fmt.Errorf("relay: EXTEND2 send CREATE2: %w", err)
	}

	created2, err := ch.ReceiveCell()
	if err != nil {
		return fmt.Errorf("relay: EXTEND2 receive CREATED2: %w", err)
	}
	if len(created2.Payload) < 2 {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "CREATED2 payload too short")
	}

	keyMaterial, err := crypto.NtorProcessResponse(created2.Payload[2:66], ephemeralSecret, ntorKey, identity)
	if err != nil {
		return fmt.Errorf("relay: EXTEND2 process response: %w", err)
	}
	hop, err := relaycrypto.NewHopCrypto(
		keyMaterial[40:56], make([]byte, 16),
		keyMaterial[56:72], make([]byte, 16),
		relaycrypto.SendmeTagLegacy,
	)
	if err != nil {
		return fmt.Errorf("relay: EXTEND2 derive crypto: %w", err)
	}

	circ.DetachN()
	circ.N.Channel = ch
	circ.N.CircID = circID
	circ.N.Crypto = hop

	if p.bias != nil {
		p.bias.RecordBuildSuccess(fingerprint)
	}
	return nil
}

func (p *Processor) handleExtended2(circ *circuit.Circuit, msg *cell.RelayMessage) error {
	// Propagated back toward the client unchanged by the forward path;
	// nothing further for this hop to do once its own EXTEND2 round
	// trip (handleExtend2) already installed the new N half.
	return nil
}

// handleProbeEnd validates an END cell against the circuit/stream's
// pending path-bias probe (§4.12, §8 scenario S5) instead of delivering
// it as an ordinary stream teardown, and records the outcome against the
// guard the probe was testing.
func (p *Processor) handleProbeEnd(circ *circuit.Circuit, id uint64, msg *cell.RelayMessage) error {
	fingerprint, _ := p.prober.Fingerprint(id)
	reasonIsExitPolicy, addrEcho, _ := parseEndReason(msg.Data)
	validated := p.prober.Validate(id, reasonIsExitPolicy, addrEcho)

	if p.bias != nil && fingerprint != "" {
		if validated {
			p.bias.RecordUseSuccess(fingerprint)
		} else {
			p.bias.RecordUseFailure(fingerprint)
		}
	}
	p.streams.Remove(circ, msg.StreamID)
	return nil
}

// parseEndReason decodes a RELAY_END body (tor-spec.txt section 6.3): a
// one-byte reason, followed by a 4-byte IPv4 address and 4-byte TTL only
// when that reason is REASON_EXITPOLICY (4).
func parseEndReason(data []byte) (isExitPolicy bool, addr [4]byte, ok bool) {
	if len(data) < 1 {
		return false, addr, false
	}
	const reasonExitPolicy = 4
	isExitPolicy = data[0] == reasonExitPolicy
	if isExitPolicy && len(data) >= 5 {
		copy(addr[:], data[1:5])
	}
	return isExitPolicy, addr, true
}

// handleConfluxLink processes a RELAY_CONFLUX_LINK: the first of a pair
// of circuits sharing a nonce parks a new Set under that nonce; the
// second joins it as a second leg and both circuits are registered in
// confluxByCirc so handleData/handleConfluxSwitch can find the shared
// Set from either side.
func (p *Processor) handleConfluxLink(circ *circuit.Circuit, side circuit.Side, msg *cell.RelayMessage) error {
	link, err := conflux.DecodeLink(msg.Data)
	if err != nil {
		return fmt.Errorf("relay: CONFLUX_LINK: %w", err)
	}

	set, ok := p.confluxByNonce[link.Nonce]
	if !ok {
		set = conflux.NewSet()
		p.confluxByNonce[link.Nonce] = set
	}
	set.AddLeg(circ, side)
	p.confluxByCirc[circ] = set

	reply := conflux.EncodeLink(conflux.LinkPayload{Nonce: link.Nonce, LastSeq: link.LastSeq})
	return p.sendRelayControl(circ, side, cell.RelayConfluxLinked, msg.StreamID, reply)
}

// handleConfluxLinked processes the LINKED reply to a LINK this hop sent,
// completing the handshake from the initiating side; a LINKED_ACK closes
// the loop (handled as a no-op in dispatch, since the Set is already
// usable once both legs are registered).
func (p *Processor) handleConfluxLinked(circ *circuit.Circuit, side circuit.Side, msg *cell.RelayMessage) error {
	if _, err := conflux.DecodeLink(msg.Data); err != nil {
		return fmt.Errorf("relay: CONFLUX_LINKED: %w", err)
	}
	return p.sendRelayControl(circ, side, cell.RelayConfluxLinkedAck, msg.StreamID, nil)
}

// handleConfluxSwitch processes a RELAY_CONFLUX_SWITCH, informing this
// hop's reorder buffer that the sender is about to resume at a new
// sequence number on a (possibly different) leg of the set circ belongs
// to.
func (p *Processor) handleConfluxSwitch(circ *circuit.Circuit, msg *cell.RelayMessage) error {
	if _, err := conflux.DecodeSwitch(msg.Data); err != nil {
		return fmt.Errorf("relay: CONFLUX_SWITCH: %w", err)
	}
	if _, ok := p.confluxByCirc[circ]; !ok {
		return errors.New(errors.CategoryProtocol, errors.SeverityLow, "CONFLUX_SWITCH on a circuit with no linked set")
	}
	return nil
}

// sendRelayControl packages and enqueues a relay cell with the given
// command and stream-id (conflux handshake replies, CONNECTED, RESOLVED,
// and DeliverData's DATA) traveling back across side's half of circ.
func (p *Processor) sendRelayControl(circ *circuit.Circuit, side circuit.Side, cmd byte, streamID uint16, data []byte) error {
	replyTo := circ.P
	if side == circuit.SideN {
		replyTo = circ.N
	}
	if replyTo.Channel == nil {
		return nil
	}

	msg := cell.NewRelayMessage(streamID, cmd, data)
	payload, err := msg.Encode(circ.Format, cell.PayloadLen4)
	if err != nil {
		return err
	}
	replyTo.Crypto.PackageAndSign(payload, circ.Format)

	out := cell.NewCell(replyTo.CircID, cell.CmdRelay)
	out.Payload = payload
	m := p.muxes[replyTo.Channel.ID()]
	if m == nil {
		return fmt.Errorf("no mux registered for channel %d", replyTo.Channel.ID())
	}
	q := p.outboundQueue(circ, m, replyTo.CircID)
	return q.Push(out)
}

func (p *Processor) handleTruncate(circ *circuit.Circuit) error {
	if circ.N.Channel != nil {
		destroy := cell.NewCell(circ.N.CircID, cell.CmdDestroy)
		destroy.Payload = []byte{byte(errors.CloseReasonRequested)}
		_ = circ.N.Channel.SendCell(destroy)
	}
	circ.DetachN()
	return nil
}

func (p *Processor) handleTruncated(circ *circuit.Circuit) error {
	circ.DetachN()
	return nil
}

func (p *Processor) handleResolve(ctx context.Context, circ *circuit.Circuit, msg *cell.RelayMessage) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok {
		s = stream.NewEdgeStream(msg.StreamID)
		if err := p.streams.Insert(circ, s); err != nil {
			return fmt.Errorf("relay: RESOLVE: %w", err)
		}
	}
	if p.exit == nil {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "no exit handler configured for RESOLVE")
	}
	addrs, err := p.exit.Resolve(ctx, s, string(msg.Data))
	if err != nil {
		return p.sendRelayControl(circ, circuit.SideP, cell.RelayResolved, msg.StreamID, encodeResolved(nil))
	}
	return p.sendRelayControl(circ, circuit.SideP, cell.RelayResolved, msg.StreamID, encodeResolved(addrs))
}

// resolvedAnswerType classifies a resolved address by length per
// tor-spec.txt section 6.4: 4 bytes is an IPv4 answer (type 4), 16 bytes
// an IPv6 answer (type 6). Anything else is treated as a resolution
// failure (type 0, "transient error").
func resolvedAnswerType(addr []byte) byte {
	switch len(addr) {
	case 4:
		return 0x04
	case 16:
		return 0x06
	default:
		return 0x00
	}
}

// encodeResolved builds a RELAY_RESOLVED body: a sequence of
// Type/Length/Value/TTL answers, one per resolved address, terminated
// implicitly by the cell's own length. An empty or nil addrs list
// produces a single type-0 error answer with no value, per tor-spec.txt
// section 6.4.
func encodeResolved(addrs [][]byte) []byte {
	const ttl = 60 // seconds; this core does not track real DNS TTLs.
	if len(addrs) == 0 {
		return []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	}
	out := make([]byte, 0, len(addrs)*(2+4+4))
	for _, a := range addrs {
		out = append(out, resolvedAnswerType(a), byte(len(a)))
		out = append(out, a...)
		out = append(out, 0, 0, byte(ttl>>8), byte(ttl))
	}
	return out
}

func (p *Processor) handleResolved(circ *circuit.Circuit, msg *cell.RelayMessage) error {
	s, ok := p.streams.Lookup(circ, msg.StreamID)
	if !ok || !s.IsValidResolved() {
		return nil
	}
	s.SetState(stream.StateClosed)
	p.streams.Remove(circ, msg.StreamID)
	return nil
}

// parseExtend2 decodes an EXTEND2 relay message body (tor-spec.txt
// section 5.1.2): a link-specifier list followed by an HTYPE/HLEN/HDATA
// onionskin, of which only the ntor CREATE2 handshake is supported here.
func parseExtend2(data []byte) (addr string, identity, ntorKey []byte, circID uint32, err error) {
	if len(data) < 1 {
		return "", nil, nil, 0, fmt.Errorf("empty EXTEND2 body")
	}
	nspec := int(data[0])
	off := 1
	var ipSpec, idSpec []byte
	for i := 0; i < nspec; i++ {
		if off+2 > len(data) {
			return "", nil, nil, 0, fmt.Errorf("truncated link specifier")
		}
		lstype := data[off]
		lslen := int(data[off+1])
		off += 2
		if off+lslen > len(data) {
			return "", nil, nil, 0, fmt.Errorf("truncated link specifier body")
		}
		spec := data[off : off+lslen]
		off += lslen
		switch lstype {
		case 0: // TLS-over-TCP, IPv4
			ipSpec = spec
		case 2:
			ipSpec = spec
		case 3: // legacy identity (20-byte RSA fingerprint)
			idSpec = spec
		}
	}
	if len(ipSpec) < 6 {
		return "", nil, nil, 0, fmt.Errorf("missing or malformed address link specifier")
	}
	addr = fmt.Sprintf("%d.%d.%d.%d:%d", ipSpec[0], ipSpec[1], ipSpec[2], ipSpec[3],
		int(ipSpec[4])<<8|int(ipSpec[5]))

	if off+4 > len(data) {
		return "", nil, nil, 0, fmt.Errorf("missing CREATE2 onionskin header")
	}
	htype := int(data[off])<<8 | int(data[off+1])
	hlen := int(data[off+2])<<8 | int(data[off+3])
	off += 4
	if off+hlen > len(data) {
		return "", nil, nil, 0, fmt.Errorf("truncated CREATE2 onionskin")
	}
	if htype != 2 { // HandshakeNtor
		return "", nil, nil, 0, fmt.Errorf("unsupported EXTEND2 handshake type %d", htype)
	}
	if hlen < 32 {
		return "", nil, nil, 0, fmt.Errorf("CREATE2 onionskin too short")
	}
	ntorKey = data[off : off+32]
	if len(idSpec) < 20 {
		idSpec = make([]byte, 32)
	}
	identity = make([]byte, 32)
	copy(identity, idSpec)

	circID = 1
	return addr, identity, ntorKey, circID, nil
}
