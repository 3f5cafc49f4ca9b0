package dispatch

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/channel"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/crypto"
	"github.com/opd-ai/tor-relay-core/pkg/workerpool"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// channelPair dials a loopback TLS connection, returning the client-role
// and server-role Channel wrapping opposite ends of the same socket.
func channelPair(t *testing.T) (client, server *channel.Channel) {
	t.Helper()
	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	serverCh := make(chan *channel.Channel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		serverCh <- channel.Accept(tlsConn, cell.CircIDWidth4, nil)
	}()

	cfg := &channel.Config{
		Address: ln.Addr().String(),
		Timeout: 5 * time.Second,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		CircWidth: cell.CircIDWidth4,
	}
	clientCh, err := channel.Dial(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case s := <-serverCh:
		return clientCh, s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server-side accept")
		return nil, nil
	}
}

func testIdentity(t *testing.T) Identity {
	t.Helper()
	kp, err := crypto.GenerateNtorKeyPair()
	if err != nil {
		t.Fatalf("GenerateNtorKeyPair: %v", err)
	}
	nodeID := make([]byte, 32)
	for i := range nodeID {
		nodeID[i] = byte(i)
	}
	priv := make([]byte, 32)
	pub := make([]byte, 32)
	copy(priv, kp.Private[:])
	copy(pub, kp.Public[:])
	return Identity{NodeID: nodeID, NtorPrivate: priv, NtorPublic: pub}
}

func buildCreate2(t *testing.T, circID uint32) (*cell.Cell, *crypto.NtorKeyPair) {
	t.Helper()
	clientKP, err := crypto.GenerateNtorKeyPair()
	if err != nil {
		t.Fatalf("GenerateNtorKeyPair: %v", err)
	}
	body := make([]byte, 4+32)
	binary.BigEndian.PutUint16(body[0:2], HandshakeNtor)
	binary.BigEndian.PutUint16(body[2:4], 32)
	copy(body[4:], clientKP.Public[:])
	c := cell.NewCell(circID, cell.CmdCreate2)
	c.Payload = body
	return c, clientKP
}

func TestHandleCreate2InstallsCircuitAndReplies(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	pool := workerpool.New(2, 4)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	req, _ := buildCreate2(t, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Handle(context.Background(), serverCh, req)
	}()

	resp, err := clientCh.ReceiveCell()
	if err != nil {
		t.Fatalf("ReceiveCell: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Command != cell.CmdCreated2 {
		t.Fatalf("expected CREATED2, got %v", resp.Command)
	}
	if circuits.Count() != 1 {
		t.Fatalf("expected 1 circuit installed, got %d", circuits.Count())
	}
	if _, _, ok := circuits.Lookup(serverCh.ID(), 1); !ok {
		t.Fatal("expected circuit indexed under server channel/circ-id")
	}
}

func TestHandleCreate2RejectsClientDialedChannel(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	pool := workerpool.New(1, 1)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	req, _ := buildCreate2(t, 1)
	if err := d.Handle(context.Background(), clientCh, req); err == nil {
		t.Fatal("expected error for CREATE2 on a client-dialed channel")
	}
}

func TestHandleCreate2RejectsZeroCircID(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	pool := workerpool.New(1, 1)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	req, _ := buildCreate2(t, 0)
	if err := d.Handle(context.Background(), serverCh, req); err == nil {
		t.Fatal("expected error for CREATE2 with circuit-id 0")
	}
}

func TestRefuseLegacyCreateSendsProtocolDestroy(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	pool := workerpool.New(1, 1)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	legacy := cell.NewCell(1, cell.CmdCreate)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Handle(context.Background(), serverCh, legacy) }()

	resp, err := clientCh.ReceiveCell()
	if err != nil {
		t.Fatalf("ReceiveCell: %v", err)
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected refuseLegacyCreate to report a protocol error")
	}
	if resp.Command != cell.CmdDestroy {
		t.Fatalf("expected DESTROY, got %v", resp.Command)
	}
}

func TestCheckRelayRoutingUnknownCircuit(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	pool := workerpool.New(1, 1)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	c := cell.NewCell(99, cell.CmdRelay)
	if err := d.Handle(context.Background(), serverCh, c); err == nil {
		t.Fatal("expected error for relay cell on unknown circuit")
	}
}

func TestCheckRelayRoutingExhaustsEarlyBudget(t *testing.T) {
	clientCh, serverCh := channelPair(t)
	defer clientCh.Close()
	defer serverCh.Close()

	circuits := circuit.NewManager()
	half := circuit.Half{Channel: serverCh, CircID: 7}
	circ := circuit.NewCircuit(half, circuit.Half{}, cell.FormatLegacy)
	if err := circuits.Insert(circ); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pool := workerpool.New(1, 1)
	defer pool.Close()
	d := New(circuits, testIdentity(t), pool, nil)

	c := cell.NewCell(7, cell.CmdRelayEarly)
	for i := 0; i < 8; i++ {
		if err := d.Handle(context.Background(), serverCh, c); err != nil {
			t.Fatalf("unexpected error on early cell %d: %v", i, err)
		}
	}
	if err := d.Handle(context.Background(), serverCh, c); err == nil {
		t.Fatal("expected RELAY_EARLY budget exhaustion error")
	}
	if !circ.IsMarkedForClose() {
		t.Fatal("expected circuit marked for close after budget exhaustion")
	}
}

func TestParseCreate2BodyRejectsTruncatedHeader(t *testing.T) {
	if _, _, err := parseCreate2Body([]byte{0, 1}); err == nil {
		t.Fatal("expected error for truncated CREATE2 header")
	}
}

func TestParseCreate2BodyRejectsOversizedHlen(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], HandshakeNtor)
	binary.BigEndian.PutUint16(body[2:4], 200)
	if _, _, err := parseCreate2Body(body); err == nil {
		t.Fatal("expected error for HLEN exceeding payload")
	}
}

func TestDeriveHopCryptoRejectsShortMaterial(t *testing.T) {
	if _, err := deriveHopCrypto(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short key material")
	}
}
