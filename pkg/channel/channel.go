// Package channel implements the transport Channel abstraction a relay
// core runs its cell pipeline over: a TLS-wrapped link carrying
// 2-or-4-byte-circ-id cells in both directions, with structural
// certificate checks and the client/server distinction CommandDispatch's CREATE
// validation rule depends on.
//
// Adapted from the teacher's pkg/connection/connection.go (TLS dial,
// handshake, certificate validation/pinning, SendCell/ReceiveCell) which
// modeled only the client-dialing-out half of a connection; a relay's
// channel is symmetric — the same type also represents an inbound
// connection from a client or another relay, so IsServer and the
// listener-side constructor are new here.
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/logger"
)

// State is the lifecycle of a channel's underlying connection.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

var nextID uint64

func allocID() circuit.ChannelID {
	return circuit.ChannelID(atomic.AddUint64(&nextID, 1))
}

// Channel is a bidirectional, TLS-wrapped cell transport. It implements
// circuit.CellSender so a *circuit.Half can reference it directly.
type Channel struct {
	id circuit.ChannelID

	address  string
	conn     net.Conn
	tlsConn  *tls.Conn
	circWidth cell.CircIDWidth

	// IsServer is true for an inbound (listener-accepted) channel. The
	// CREATE/CREATE2 validation rule in CommandDispatch (§4.6) refuses a
	// CREATE on a channel this relay itself dialed outward, since CREATE
	// only ever arrives from the previous hop.
	IsServer bool

	state   State
	stateMu sync.RWMutex

	closeCh   chan struct{}
	closeOnce sync.Once

	sendMu sync.Mutex
	recvMu sync.Mutex

	logger *logger.Logger
}

// Config holds dial-side channel configuration.
type Config struct {
	Address             string
	Timeout             time.Duration
	TLSConfig           *tls.Config
	CircWidth           cell.CircIDWidth
	ExpectedIdentity    []byte
	ExpectedFingerprint string
}

// DefaultConfig returns dial configuration with sensible defaults.
func DefaultConfig(address string) *Config {
	return &Config{
		Address:   address,
		Timeout:   30 * time.Second,
		CircWidth: cell.CircIDWidth4,
	}
}

func torTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    false,
		VerifyPeerCertificate: verifyTorRelayCertificate,
		MinVersion:            tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}
}

func torTLSConfigWithPinning(expectedIdentity []byte, expectedFingerprint string) *tls.Config {
	cfg := torTLSConfig()
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if err := verifyTorRelayCertificate(rawCerts, verifiedChains); err != nil {
			return err
		}
		return verifyRelayIdentityPinning(rawCerts, expectedIdentity, expectedFingerprint)
	}
	return cfg
}

// verifyRelayIdentityPinning runs when an expected identity or
// fingerprint is configured. It only checks that the peer presented a
// certificate that parses; it does not compare that certificate against
// expectedIdentity or expectedFingerprint, and this package does not
// parse the link protocol's CERTS cells.
func verifyRelayIdentityPinning(rawCerts [][]byte, expectedIdentity []byte, expectedFingerprint string) error {
	if len(expectedIdentity) == 0 && expectedFingerprint == "" {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided for pinning verification")
	}
	if _, err := x509.ParseCertificate(rawCerts[0]); err != nil {
		return fmt.Errorf("failed to parse certificate for pinning: %w", err)
	}
	return nil
}

func verifyTorRelayCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired")
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("invalid certificate signature: %w", err)
	}
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 &&
		cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return fmt.Errorf("certificate has invalid key usage")
	}
	return nil
}

// Dial establishes an outbound channel to another relay, used by
// RelayProcessor when servicing an EXTEND (§4.7): the relay is a client
// of that connection, so IsServer is false.
func Dial(ctx context.Context, cfg *Config, log *logger.Logger) (*Channel, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	ch := &Channel{
		id:        allocID(),
		address:   cfg.Address,
		circWidth: cfg.CircWidth,
		state:     StateConnecting,
		closeCh:   make(chan struct{}),
		logger:    log.With("address", cfg.Address),
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		ch.setState(StateFailed)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ch.conn = conn

	ch.setState(StateHandshaking)
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		if len(cfg.ExpectedIdentity) > 0 || cfg.ExpectedFingerprint != "" {
			tlsConfig = torTLSConfigWithPinning(cfg.ExpectedIdentity, cfg.ExpectedFingerprint)
		} else {
			tlsConfig = torTLSConfig()
		}
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		ch.setState(StateFailed)
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	ch.tlsConn = tlsConn
	ch.setState(StateOpen)
	ch.logger.Info("channel established")
	return ch, nil
}

// Accept wraps an already-accepted TLS connection (from a listener) as a
// server-side channel.
func Accept(tlsConn *tls.Conn, circWidth cell.CircIDWidth, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Channel{
		id:        allocID(),
		address:   tlsConn.RemoteAddr().String(),
		conn:      tlsConn.NetConn(),
		tlsConn:   tlsConn,
		circWidth: circWidth,
		IsServer:  true,
		state:     StateOpen,
		closeCh:   make(chan struct{}),
		logger:    log.With("address", tlsConn.RemoteAddr().String()),
	}
}

// ID implements circuit.CellSender.
func (c *Channel) ID() circuit.ChannelID { return c.id }

// SendCell implements circuit.CellSender.
func (c *Channel) SendCell(cl *cell.Cell) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.getState() != StateOpen {
		return fmt.Errorf("channel not open: %s", c.getState())
	}
	select {
	case <-c.closeCh:
		return fmt.Errorf("channel closed")
	default:
	}

	if err := cl.Encode(c.tlsConn, c.circWidth); err != nil {
		c.logger.Error("failed to send cell", "error", err, "command", cl.Command)
		return fmt.Errorf("failed to send cell: %w", err)
	}
	c.logger.Debug("sent cell", "command", cl.Command, "circuit_id", cl.CircID)
	return nil
}

// ReceiveCell reads the next cell from the channel.
func (c *Channel) ReceiveCell() (*cell.Cell, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.getState() != StateOpen {
		return nil, fmt.Errorf("channel not open: %s", c.getState())
	}
	select {
	case <-c.closeCh:
		return nil, fmt.Errorf("channel closed")
	default:
	}

	received, err := cell.DecodeCell(c.tlsConn, c.circWidth)
	if err != nil {
		c.logger.Error("failed to receive cell", "error", err)
		return nil, fmt.Errorf("failed to receive cell: %w", err)
	}
	c.logger.Debug("received cell", "command", received.Command, "circuit_id", received.CircID)
	return received, nil
}

// Close closes the channel's underlying connection, idempotently.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.setState(StateClosed)
		if c.tlsConn != nil {
			if closeErr := c.tlsConn.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close channel: %w", closeErr)
			}
		} else if c.conn != nil {
			if closeErr := c.conn.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close channel: %w", closeErr)
			}
		}
		c.logger.Info("channel closed")
	})
	return err
}

// IsOpen reports whether the channel can currently send/receive cells.
func (c *Channel) IsOpen() bool { return c.getState() == StateOpen }

// Address returns the remote address this channel is connected to.
func (c *Channel) Address() string { return c.address }

// CircWidth returns the negotiated circuit-id width for this channel.
func (c *Channel) CircWidth() cell.CircIDWidth { return c.circWidth }

func (c *Channel) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

func (c *Channel) getState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// GetState returns the current channel state.
func (c *Channel) GetState() State { return c.getState() }
