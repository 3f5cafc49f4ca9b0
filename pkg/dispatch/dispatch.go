// Package dispatch implements CommandDispatch: demultiplexing inbound
// CREATE*/RELAY/RELAY_EARLY/DESTROY cells per §4.6 (CREATED/CREATED2 cells
// reaching Handle are dropped like any unhandled command; the CREATED2 that
// answers an EXTEND2 is read directly by pkg/relay's handleExtend2) — validating
// routing (zero/in-use/wrong-direction circuit-ids, client-vs-server
// channel rules, unsupported handshake types) before a cell is allowed to
// reach RelayProcessor or complete a new circuit's creation.
//
// Grounded on mmcloughlin/pearl's oneCell/handleCreate2 dispatch shape
// (a single switch over cell.Command deciding which handler a cell
// reaches), adapted to this module's Channel/Circuit/HopCrypto types.
// Legacy CREATE/TAP onionskins are refused outright per §6 ("Legacy TAP
// is refused with a protocol-error DESTROY"), a deliberate behavior
// change from pearl (which still answers TAP).
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/channel"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/crypto"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
	"github.com/opd-ai/tor-relay-core/pkg/logger"
	"github.com/opd-ai/tor-relay-core/pkg/mux"
	"github.com/opd-ai/tor-relay-core/pkg/relay"
	"github.com/opd-ai/tor-relay-core/pkg/relaycrypto"
	"github.com/opd-ai/tor-relay-core/pkg/workerpool"
)

// Handshake type identifiers from the CREATE2/EXTEND2 onionskin header
// (tor-spec.txt section 5.1).
const (
	HandshakeTAP  uint16 = 0x0000
	HandshakeFast uint16 = 0x0003
	HandshakeNtor uint16 = 0x0002
)

// Identity bundles this relay's long-term ntor keypair and NODEID,
// consumed when answering an inbound CREATE2.
type Identity struct {
	NodeID      []byte // 20-byte identity fingerprint
	NtorPublic  []byte // 32-byte curve25519 public key
	NtorPrivate []byte // 32-byte curve25519 private key
}

// Dispatcher demultiplexes inbound cells for one relay process across all
// of its channels, sharing a single CircuitTable and worker pool.
type Dispatcher struct {
	circuits *circuit.Manager
	identity Identity
	pool     *workerpool.Pool
	log      *logger.Logger

	// relayProc is the optional RelayProcessor (§4.7) a validated RELAY/
	// RELAY_EARLY cell is handed to once checkRelayRouting clears it for
	// forwarding. Nil-safe: a Dispatcher built for routing-validation-only
	// tests (see dispatch_test.go) never sets it and simply stops once
	// routing is confirmed legal.
	relayProc *relay.Processor

	// muxes is the set of per-channel schedulers this relay process
	// maintains, the same map RelayProcessor is given, keyed by
	// circuit.ChannelID. handleDestroy uses it to enqueue the onward
	// DESTROY it must emit on the surviving half's channel (§4.3/§7,
	// scenario S4). Nil-safe: a Dispatcher with none set (e.g.
	// routing-validation-only tests) falls back to writing the onward
	// DESTROY directly on the channel.
	muxes map[circuit.ChannelID]*mux.Mux
}

// New creates a Dispatcher bound to a shared circuit table and worker
// pool.
func New(circuits *circuit.Manager, identity Identity, pool *workerpool.Pool, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Dispatcher{circuits: circuits, identity: identity, pool: pool, log: log.Component("dispatch")}
}

// SetRelayProcessor wires p as the RelayProcessor this Dispatcher hands
// routing-validated RELAY/RELAY_EARLY cells to, completing the §4.6→§4.7
// data-flow handoff.
func (d *Dispatcher) SetRelayProcessor(p *relay.Processor) {
	d.relayProc = p
}

// SetMuxes wires the per-channel mux set handleDestroy uses to enqueue
// the onward DESTROY cell a received DESTROY requires (§4.3, scenario
// S4), the same map supplied to relay.New.
func (d *Dispatcher) SetMuxes(muxes map[circuit.ChannelID]*mux.Mux) {
	d.muxes = muxes
}

// Handle routes one inbound cell arriving on ch. RELAY/RELAY_EARLY cells
// for an already-established circuit are validated for routing legality
// here, then handed to the wired RelayProcessor (if any) to actually
// decrypt/act on; dispatch's own job stops at "is this circuit-id legal
// to use this way".
func (d *Dispatcher) Handle(ctx context.Context, ch *channel.Channel, c *cell.Cell) error {
	switch c.Command {
	case cell.CmdCreate, cell.CmdCreateFast:
		return d.refuseLegacyCreate(ch, c)
	case cell.CmdCreate2:
		return d.handleCreate2(ctx, ch, c)
	case cell.CmdDestroy:
		return d.handleDestroy(ch, c)
	case cell.CmdRelay:
		return d.checkRelayRouting(ctx, ch, c, false)
	case cell.CmdRelayEarly:
		return d.checkRelayRouting(ctx, ch, c, true)
	default:
		// Forward-compatible: an unrecognized link-level command is
		// dropped silently rather than torn down as a protocol error.
		return nil
	}
}

// refuseLegacyCreate answers any CREATE/CREATE_FAST (legacy TAP/fast
// onionskins) with a protocol-error DESTROY, per §6.
func (d *Dispatcher) refuseLegacyCreate(ch *channel.Channel, c *cell.Cell) error {
	destroy := buildDestroy(c.CircID, errors.CloseReasonProtocol)
	if err := ch.SendCell(destroy); err != nil {
		return fmt.Errorf("dispatch: send refusal DESTROY: %w", err)
	}
	return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "legacy TAP/fast onionskin refused")
}

// handleCreate2 validates an inbound CREATE2 and, if legal, offloads the
// ntor handshake to the worker pool and installs a new circuit with only
// its p-side populated (its n-side is populated later by the first
// EXTEND this circuit carries).
func (d *Dispatcher) handleCreate2(ctx context.Context, ch *channel.Channel, c *cell.Cell) error {
	if !ch.IsServer {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh,
			"CREATE2 received on a client-dialed channel")
	}
	if c.CircID == 0 {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "CREATE2 with circuit-id 0")
	}
	if _, _, ok := d.circuits.Lookup(ch.ID(), c.CircID); ok {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "CREATE2 circuit-id already in use")
	}

	htype, hdata, err := parseCreate2Body(c.Payload)
	if err != nil {
		return fmt.Errorf("dispatch: parse CREATE2 body: %w", err)
	}
	if htype != HandshakeNtor {
		destroy := buildDestroy(c.CircID, errors.CloseReasonProtocol)
		_ = ch.SendCell(destroy)
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "unsupported onionskin handshake type")
	}
	if len(hdata) < 32 {
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "CREATE2 ntor payload too short")
	}
	clientPK := hdata[:32]

	done := d.pool.Submit(func(ctx context.Context) (interface{}, error) {
		response, keyMaterial, err := crypto.NtorServerHandshake(clientPK, d.identity.NodeID, d.identity.NtorPrivate, d.identity.NtorPublic)
		if err != nil {
			return nil, err
		}
		return handshakeResultHolder{response: response, keyMaterial: keyMaterial}, nil
	})

	select {
	case res := <-done:
		if res.Err != nil {
			return fmt.Errorf("dispatch: ntor handshake: %w", res.Err)
		}
		return d.completeCreate2(ch, c.CircID, res.Value)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) completeCreate2(ch *channel.Channel, circID uint32, res interface{}) error {
	// Submit's Run signature returns a single interface{}, so the two
	// return values from NtorServerHandshake arrive packed together.
	pair, ok := res.(handshakeResultHolder)
	if !ok {
		return fmt.Errorf("dispatch: unexpected handshake result type %T", res)
	}

	hop, err := deriveHopCrypto(pair.keyMaterial)
	if err != nil {
		return fmt.Errorf("dispatch: derive hop crypto: %w", err)
	}

	p := circuit.Half{Channel: ch, CircID: circID, Crypto: hop}
	circ := circuit.NewCircuit(p, circuit.Half{}, cell.FormatLegacy)
	if err := d.circuits.Insert(circ); err != nil {
		return fmt.Errorf("dispatch: insert circuit: %w", err)
	}

	response := cell.NewCell(circID, cell.CmdCreated2)
	body := make([]byte, 2+len(pair.response))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(pair.response)))
	copy(body[2:], pair.response)
	response.Payload = body
	if err := ch.SendCell(response); err != nil {
		return fmt.Errorf("dispatch: send CREATED2: %w", err)
	}
	return nil
}

// handshakeResultHolder lets completeCreate2 unpack a (response,
// keyMaterial) pair through the single-interface{} workerpool.Result.
type handshakeResultHolder struct {
	response    []byte
	keyMaterial []byte
}

func deriveHopCrypto(keyMaterial []byte) (*relaycrypto.HopCrypto, error) {
	// tor-spec.txt section 5.2.2 KDF-RFC5869 key layout: Df(20) Db(20)
	// Kf(16) Kb(16); this module only needs the AES keys plus all-zero
	// IVs, since relaycrypto seeds its running digests from zero rather
	// than from a KDF-derived digest-seed the way the origin side does.
	if len(keyMaterial) < 72 {
		return nil, fmt.Errorf("key material too short: %d", len(keyMaterial))
	}
	forwardKey := keyMaterial[40:56]
	backwardKey := keyMaterial[56:72]
	forwardIV := make([]byte, 16)
	backwardIV := make([]byte, 16)
	return relaycrypto.NewHopCrypto(forwardKey, forwardIV, backwardKey, backwardIV, relaycrypto.SendmeTagLegacy)
}

func parseCreate2Body(payload []byte) (htype uint16, hdata []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("payload too short for CREATE2 header")
	}
	htype = binary.BigEndian.Uint16(payload[0:2])
	hlen := binary.BigEndian.Uint16(payload[2:4])
	if int(hlen) > len(payload)-4 {
		return 0, nil, fmt.Errorf("HLEN exceeds payload")
	}
	return htype, payload[4 : 4+int(hlen)], nil
}

// handleDestroy detaches the half-circuit the DESTROY arrived on before
// marking the circuit closed, per §4.3 ("the matching half … is
// detached … before the circuit is marked"), then emits a DESTROY on the
// opposite half so the other neighbor tears down too (§4.3/§7, scenario
// S4). The local close reason is always DESTROYED — the remote-supplied
// reason byte is read only for logging and is never threaded into the
// reason given to the onward neighbor.
func (d *Dispatcher) handleDestroy(ch *channel.Channel, c *cell.Cell) error {
	circ, isP, ok := d.circuits.Lookup(ch.ID(), c.CircID)
	if !ok {
		return nil
	}

	onward := circ.N
	if isP {
		d.circuits.DetachKey(ch.ID(), c.CircID)
		circ.DetachP()
	} else {
		onward = circ.P
		d.circuits.DetachKey(ch.ID(), c.CircID)
		circ.DetachN()
	}
	circ.MarkForClose(errors.CloseReasonDestroyed)
	var remoteReason byte
	if len(c.Payload) > 0 {
		remoteReason = c.Payload[0]
	}
	d.log.Info("circuit destroyed", "circuit_id", c.CircID, "remote_reason", remoteReason)

	if onward.Channel == nil {
		return nil
	}
	destroy := buildDestroy(onward.CircID, errors.CloseReasonDestroyed)
	if m := d.muxes[onward.Channel.ID()]; m != nil {
		m.EnqueueDestroy(destroy)
		return nil
	}
	if err := onward.Channel.SendCell(destroy); err != nil {
		return fmt.Errorf("dispatch: send onward DESTROY: %w", err)
	}
	return nil
}

// checkRelayRouting validates that a RELAY/RELAY_EARLY cell's
// circuit-id is legal to forward on before RelayProcessor touches it:
// the circuit must exist, must not already be marked for close, and — for
// RELAY_EARLY specifically — must still have budget remaining and must be
// travelling in the legal direction (§4.6). A cleared cell is then handed
// to the wired RelayProcessor, if any, completing the §4.7 pipeline.
func (d *Dispatcher) checkRelayRouting(ctx context.Context, ch *channel.Channel, c *cell.Cell, early bool) error {
	circ, isP, ok := d.circuits.Lookup(ch.ID(), c.CircID)
	if !ok {
		return errors.New(errors.CategoryProtocol, errors.SeverityMedium, "relay cell on unknown circuit")
	}
	if circ.IsMarkedForClose() {
		return nil
	}
	// RELAY_EARLY only ever travels outward (client toward exit, i.e.
	// arriving on this hop's p-side); one arriving on the n-side is
	// travelling back toward the client and is a protocol violation.
	if early && !isP {
		circ.MarkForClose(errors.CloseReasonProtocol)
		return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "RELAY_EARLY arrived travelling inbound")
	}
	if early {
		if circ.RelayEarlyBudget <= 0 {
			circ.MarkForClose(errors.CloseReasonProtocol)
			return errors.New(errors.CategoryProtocol, errors.SeverityHigh, "RELAY_EARLY budget exhausted")
		}
		circ.RelayEarlyBudget--
	}

	if d.relayProc == nil {
		return nil
	}
	side := circuit.SideN
	if isP {
		side = circuit.SideP
	}
	return d.relayProc.ProcessInbound(ctx, circ, side, c.Payload)
}

func buildDestroy(circID uint32, reason errors.CloseReason) *cell.Cell {
	c := cell.NewCell(circID, cell.CmdDestroy)
	c.Payload = []byte{byte(reason)}
	return c
}
