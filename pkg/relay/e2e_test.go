package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/relaycrypto"
	"github.com/opd-ai/tor-relay-core/pkg/stream"
)

// tcpEchoExit is an ExitHandler that dials a real TCP connection for
// BEGIN and delivers whatever the connection echoes back into the
// circuit via Processor.DeliverData, exercising the full reverse path a
// production exit implementation would need.
type tcpEchoExit struct {
	t    *testing.T
	proc *Processor
	circ *circuit.Circuit

	conn   net.Conn
	echoed chan struct{}
}

func (e *tcpEchoExit) Begin(ctx context.Context, s *stream.EdgeStream, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	e.conn = conn
	streamID := s.ID
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if dErr := e.proc.DeliverData(e.circ, streamID, buf[:n]); dErr != nil {
					e.t.Logf("DeliverData: %v", dErr)
				}
				select {
				case e.echoed <- struct{}{}:
				default:
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

func (e *tcpEchoExit) Data(ctx context.Context, s *stream.EdgeStream, data []byte) error {
	_, err := e.conn.Write(data)
	return err
}

func (e *tcpEchoExit) End(ctx context.Context, s *stream.EdgeStream) error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

func (e *tcpEchoExit) Resolve(ctx context.Context, s *stream.EdgeStream, name string) ([][]byte, error) {
	return nil, nil
}

// TestEndToEndSingleHopEcho exercises spec scenario S1: a one-hop
// circuit sends BEGIN to a loopback TCP listener, writes "HELLO" as
// DATA, and expects CONNECTED followed by "HELLO" echoed back as DATA on
// the same stream-id, with the circuit's p-side deliver window down by
// exactly one.
func TestEndToEndSingleHopEcho(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("nettest.NewLocalListener: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	circ, mirror, pSender, _ := newTestCircuit(t)
	exit := &tcpEchoExit{t: t, circ: circ, echoed: make(chan struct{}, 1)}
	p, _, muxes := newTestProcessor(exit)
	exit.proc = p

	ctx := context.Background()
	const streamID = 9

	beginPayload := packageAtOrigin(t, mirror, streamID, cell.RelayBegin, []byte(ln.Addr().String()+"\x00"))
	if err := p.ProcessInbound(ctx, circ, circuit.SideP, beginPayload); err != nil {
		t.Fatalf("ProcessInbound BEGIN: %v", err)
	}

	connectedCells := muxes[pSender.ID()].Flush(10)
	if len(connectedCells) != 1 {
		t.Fatalf("expected exactly one queued reply after BEGIN, got %d", len(connectedCells))
	}
	connectedMsg := decodeReply(t, mirror, connectedCells[0].Payload)
	if connectedMsg.Command != cell.RelayConnected || connectedMsg.StreamID != streamID {
		t.Fatalf("expected RELAY_CONNECTED on stream %d, got command=%d stream=%d",
			streamID, connectedMsg.Command, connectedMsg.StreamID)
	}

	dataPayload := packageAtOrigin(t, mirror, streamID, cell.RelayData, []byte("HELLO"))
	if err := p.ProcessInbound(ctx, circ, circuit.SideP, dataPayload); err != nil {
		t.Fatalf("ProcessInbound DATA: %v", err)
	}

	select {
	case <-exit.echoed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed DATA to be delivered back into the circuit")
	}

	echoCells := muxes[pSender.ID()].Flush(10)
	if len(echoCells) != 1 {
		t.Fatalf("expected exactly one queued echo reply, got %d", len(echoCells))
	}
	echoMsg := decodeReply(t, mirror, echoCells[0].Payload)
	if echoMsg.Command != cell.RelayData || echoMsg.StreamID != streamID || string(echoMsg.Data) != "HELLO" {
		t.Fatalf("expected RELAY_DATA %q on stream %d, got %q on stream %d",
			"HELLO", streamID, echoMsg.Data, echoMsg.StreamID)
	}
	if circ.DeliverWindowP != 999 {
		t.Fatalf("expected p-side deliver window decremented once, got %d", circ.DeliverWindowP)
	}
}

// decodeReply decrypts a reply cell's payload with the mirror hop (the
// throwaway end a test packages client-bound cells with) and decodes the
// resulting relay message.
func decodeReply(t *testing.T, mirror *relaycrypto.HopCrypto, payload []byte) *cell.RelayMessage {
	t.Helper()
	recognized, err := mirror.DecryptAndRecognize(payload, cell.FormatLegacy)
	if err != nil {
		t.Fatalf("DecryptAndRecognize: %v", err)
	}
	if !recognized {
		t.Fatal("expected reply cell to be recognized by the mirror hop")
	}
	msg, err := cell.DecodeRelayMessage(payload, cell.FormatLegacy)
	if err != nil {
		t.Fatalf("DecodeRelayMessage: %v", err)
	}
	return msg
}
