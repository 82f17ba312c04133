// Package netaddr decides which destinations bypass the proxy and how a
// destination is written on the SOCKS5 wire.
package netaddr

import (
	"net/netip"

	M "github.com/sagernet/sing/common/metadata"
)

// Type is the address family as seen by the SOCKS5 encoder.
type Type int

const (
	IPv4 Type = iota + 1
	IPv6
	Domain
)

func (t Type) String() string {
	switch t {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case Domain:
		return "Domain"
	}
	return "Unknown"
}

// ATYP returns the SOCKS5 address type byte.
func (t Type) ATYP() byte {
	switch t {
	case IPv4:
		return 0x01
	case IPv6:
		return 0x04
	default:
		return 0x03
	}
}

// IsInternal reports whether addr must be reached directly: unspecified,
// loopback or link-local. An invalid (unresolved) address counts as internal.
func IsInternal(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	return addr.IsUnspecified() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}

// IsInternalAddrPort is IsInternal on the address part of ap.
func IsInternalAddrPort(ap netip.AddrPort) bool {
	return IsInternal(ap.Addr())
}

// TypeOf classifies a destination. Hostname-only destinations are Domain.
func TypeOf(dest M.Socksaddr) Type {
	if dest.IsFqdn() || !dest.Addr.IsValid() {
		return Domain
	}
	if dest.Addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}
