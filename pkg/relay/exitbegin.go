package relay

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// beginFlagIPv6Ok and beginFlagIPv4NotOk are the two RELAY_BEGIN flag
// bits tor-spec section 6.2 defines; the others are reserved.
const (
	beginFlagIPv6Ok        uint32 = 1 << 0
	beginFlagIPv4NotOk     uint32 = 1 << 1
	beginFlagIPv6Preferred uint32 = 1 << 2
)

// BeginTarget is a RELAY_BEGIN body decoded and normalized for handing to
// an ExitHandler: the address/port a client wants this exit to dial, with
// any internationalized hostname converted to its ASCII (punycode) form
// so the exit's own resolver never has to deal with raw UTF-8 labels.
type BeginTarget struct {
	Host      string
	Port      uint16
	IPv6OK    bool
	IPv4NotOK bool
}

// parseBeginBody decodes a RELAY_BEGIN cell body: a NUL-terminated
// "host:port" string optionally followed by a 4-byte flags word (older
// peers omit the flags entirely), per tor-spec section 6.2. The hostname
// is normalized through idna so an exit configured with an ASCII-only
// allow/deny policy sees the same string a DNS lookup of it would.
func parseBeginBody(data []byte) (BeginTarget, error) {
	nul := -1
	for i, b := range data {
		if b == 0 {
			nul = i
			break
		}
	}
	addrport := data
	var flags uint32
	if nul >= 0 {
		addrport = data[:nul]
		rest := data[nul+1:]
		if len(rest) >= 4 {
			flags = uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3])
		}
	}

	hostport := string(addrport)
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return BeginTarget{}, fmt.Errorf("relay: BEGIN body missing host:port separator")
	}
	host, portStr := hostport[:idx], hostport[idx+1:]
	if host == "" {
		return BeginTarget{}, fmt.Errorf("relay: BEGIN body has empty host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return BeginTarget{}, fmt.Errorf("relay: BEGIN body has invalid port %q: %w", portStr, err)
	}

	normalized, err := normalizeHost(host)
	if err != nil {
		return BeginTarget{}, fmt.Errorf("relay: BEGIN body host %q: %w", host, err)
	}

	return BeginTarget{
		Host:      normalized,
		Port:      uint16(port),
		IPv6OK:    flags&beginFlagIPv6Ok != 0,
		IPv4NotOK: flags&beginFlagIPv4NotOk != 0,
	}, nil
}

// normalizeHost converts an internationalized hostname to its ASCII
// (punycode) form. A literal IP address or an already-ASCII hostname
// passes through idna.Lookup.ToASCII unchanged; it only rewrites labels
// that actually carry non-ASCII runes.
func normalizeHost(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return ascii, nil
}

// Addr formats the target as the "host:port" string ExitHandler.Begin
// expects.
func (t BeginTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}
