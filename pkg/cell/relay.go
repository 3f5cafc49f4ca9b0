// Package cell: relay-message framing carried inside RELAY/RELAY_EARLY cells.
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/tor-relay-core/pkg/security"
)

// Relay commands (tor-spec.txt section 6.1, plus newer flow-control and
// conflux extensions).
const (
	RelayBegin        byte = 1
	RelayData         byte = 2
	RelayEnd          byte = 3
	RelayConnected    byte = 4
	RelaySendme       byte = 5
	RelayExtend       byte = 6
	RelayExtended     byte = 7
	RelayTruncate     byte = 8
	RelayTruncated    byte = 9
	RelayResolve      byte = 11
	RelayResolved     byte = 12
	RelayBeginDir     byte = 13
	RelayExtend2      byte = 14
	RelayExtended2    byte = 15
	RelayIntroduce1   byte = 34
	RelayIntroduce2   byte = 35
	RelayRendezvous1  byte = 36
	RelayRendezvous2  byte = 37
	RelayIntroEstab   byte = 38
	RelayIntroEstdAck byte = 39
	RelayXoff         byte = 43
	RelayXon          byte = 44

	RelayConfluxLink      byte = 45
	RelayConfluxLinked    byte = 46
	RelayConfluxLinkedAck byte = 47
	RelayConfluxSwitch    byte = 48
)

// Format selects the relay-message header layout a hop uses for the
// lifetime of a circuit.
type Format int

const (
	// FormatLegacy is the original 11-byte header.
	FormatLegacy Format = iota
	// FormatCompact absorbs the stream-id into the message body, trading
	// a 2-byte larger payload for an extra decode step on commands that
	// need a stream-id.
	FormatCompact
)

// legacyHeaderLen: command(1) + recognized(2) + stream-id(2) + digest(4) + length(2).
const legacyHeaderLen = 11

// compactHeaderLen: command(1) + recognized(2) + digest(4) + length(2).
const compactHeaderLen = 9

// RecognizedOffset is the byte offset of the 2-byte "recognized" field,
// which is at the same position in both framings.
const RecognizedOffset = 1

// DigestOffset returns the byte offset of the 4-byte running-digest field
// for the format.
func (f Format) DigestOffset() int {
	if f == FormatCompact {
		return 3
	}
	return 5
}

// HeaderLen returns the on-wire header length for the format.
func (f Format) HeaderLen() int {
	if f == FormatCompact {
		return compactHeaderLen
	}
	return legacyHeaderLen
}

// MaxDataLen returns the maximum relay-message body for the format, given
// the channel's fixed-cell payload length.
func (f Format) MaxDataLen(payloadLen int) int {
	return payloadLen - f.HeaderLen()
}

// needsStreamID reports whether a relay command addresses a specific
// stream (as opposed to the circuit as a whole).
func needsStreamID(cmd byte) bool {
	switch cmd {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelayResolve,
		RelayResolved, RelayBeginDir, RelayXoff, RelayXon:
		return true
	default:
		return false
	}
}

// RelayMessage is the decoded relay-message carried by a recognized
// RELAY/RELAY_EARLY cell.
type RelayMessage struct {
	Command    byte
	Recognized uint16
	StreamID   uint16
	Digest     [4]byte
	Length     uint16
	Data       []byte
}

// NewRelayMessage creates a relay message ready for encoding.
func NewRelayMessage(streamID uint16, cmd byte, data []byte) *RelayMessage {
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		length = 65535
	}
	return &RelayMessage{
		Command:  cmd,
		StreamID: streamID,
		Length:   length,
		Data:     data,
	}
}

// Encode serializes the message into a full fixed-cell payload of
// payloadLen bytes (zero-padded), using the given framing format.
func (m *RelayMessage) Encode(format Format, payloadLen int) ([]byte, error) {
	switch format {
	case FormatLegacy:
		return m.encodeLegacy(payloadLen)
	case FormatCompact:
		return m.encodeCompact(payloadLen)
	default:
		return nil, fmt.Errorf("unknown relay message format %d", format)
	}
}

func (m *RelayMessage) encodeLegacy(payloadLen int) ([]byte, error) {
	maxData := FormatLegacy.MaxDataLen(payloadLen)
	if len(m.Data) > maxData {
		return nil, fmt.Errorf("relay message data too large: %d > %d", len(m.Data), maxData)
	}
	payload := make([]byte, payloadLen)
	payload[0] = m.Command
	binary.BigEndian.PutUint16(payload[1:3], m.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], m.StreamID)
	copy(payload[5:9], m.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], uint16(len(m.Data)))
	copy(payload[11:], m.Data)
	return payload, nil
}

func (m *RelayMessage) encodeCompact(payloadLen int) ([]byte, error) {
	body := m.Data
	if needsStreamID(m.Command) {
		prefixed := make([]byte, 2+len(m.Data))
		binary.BigEndian.PutUint16(prefixed[0:2], m.StreamID)
		copy(prefixed[2:], m.Data)
		body = prefixed
	}
	maxData := FormatCompact.MaxDataLen(payloadLen)
	if len(body) > maxData {
		return nil, fmt.Errorf("relay message data too large: %d > %d", len(body), maxData)
	}
	payload := make([]byte, payloadLen)
	payload[0] = m.Command
	binary.BigEndian.PutUint16(payload[1:3], m.Recognized)
	copy(payload[3:7], m.Digest[:])
	binary.BigEndian.PutUint16(payload[7:9], uint16(len(body)))
	copy(payload[9:], body)
	return payload, nil
}

// DecodeRelayMessage parses a relay-message out of a decrypted fixed-cell
// payload, using the given framing format.
func DecodeRelayMessage(payload []byte, format Format) (*RelayMessage, error) {
	switch format {
	case FormatLegacy:
		return decodeLegacy(payload)
	case FormatCompact:
		return decodeCompact(payload)
	default:
		return nil, fmt.Errorf("unknown relay message format %d", format)
	}
}

func decodeLegacy(payload []byte) (*RelayMessage, error) {
	if len(payload) < legacyHeaderLen {
		return nil, fmt.Errorf("payload too short for relay message: %d < %d", len(payload), legacyHeaderLen)
	}
	m := &RelayMessage{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(m.Digest[:], payload[5:9])

	maxData := FormatLegacy.MaxDataLen(len(payload))
	if int(m.Length) > maxData {
		return nil, fmt.Errorf("relay message length exceeds format maximum: %d > %d", m.Length, maxData)
	}
	if int(m.Length) > len(payload)-legacyHeaderLen {
		return nil, fmt.Errorf("relay message length exceeds payload: %d > %d", m.Length, len(payload)-legacyHeaderLen)
	}
	if m.Length > 0 {
		m.Data = make([]byte, m.Length)
		copy(m.Data, payload[legacyHeaderLen:legacyHeaderLen+int(m.Length)])
	}
	return m, nil
}

func decodeCompact(payload []byte) (*RelayMessage, error) {
	if len(payload) < compactHeaderLen {
		return nil, fmt.Errorf("payload too short for relay message: %d < %d", len(payload), compactHeaderLen)
	}
	m := &RelayMessage{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		Length:     binary.BigEndian.Uint16(payload[7:9]),
	}
	copy(m.Digest[:], payload[3:7])

	maxData := FormatCompact.MaxDataLen(len(payload))
	if int(m.Length) > maxData {
		return nil, fmt.Errorf("relay message length exceeds format maximum: %d > %d", m.Length, maxData)
	}
	if int(m.Length) > len(payload)-compactHeaderLen {
		return nil, fmt.Errorf("relay message length exceeds payload: %d > %d", m.Length, len(payload)-compactHeaderLen)
	}
	body := payload[compactHeaderLen : compactHeaderLen+int(m.Length)]

	if needsStreamID(m.Command) {
		if len(body) < 2 {
			return nil, fmt.Errorf("compact relay message missing stream-id prefix")
		}
		m.StreamID = binary.BigEndian.Uint16(body[0:2])
		body = body[2:]
	}
	if len(body) > 0 {
		m.Data = make([]byte, len(body))
		copy(m.Data, body)
	}
	return m, nil
}

// RelayCmdString returns a human-readable string for a relay command.
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelaySendme:
		return "RELAY_SENDME"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	case RelayXoff:
		return "RELAY_XOFF"
	case RelayXon:
		return "RELAY_XON"
	case RelayConfluxLink:
		return "RELAY_CONFLUX_LINK"
	case RelayConfluxLinked:
		return "RELAY_CONFLUX_LINKED"
	case RelayConfluxLinkedAck:
		return "RELAY_CONFLUX_LINKED_ACK"
	case RelayConfluxSwitch:
		return "RELAY_CONFLUX_SWITCH"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}
