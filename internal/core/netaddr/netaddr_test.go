package netaddr

import (
	"net/netip"
	"testing"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/stretchr/testify/assert"
)

func TestIsInternal(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":   true,
		"::1":         true,
		"0.0.0.0":     true,
		"::":          true,
		"169.254.1.1": true,
		"fe80::1":     true,
		"ff02::1":     true,
		"224.0.0.251": true,
		"8.8.8.8":     false,
		"10.0.0.5":    false,
		"2001:db8::1": false,
	}
	for s, want := range cases {
		assert.Equal(t, want, IsInternal(netip.MustParseAddr(s)), s)
	}
}

func TestIsInternal_InvalidAddressIsInternal(t *testing.T) {
	assert.True(t, IsInternal(netip.Addr{}))
}

func TestIsInternal_MappedLoopback(t *testing.T) {
	assert.True(t, IsInternal(netip.MustParseAddr("::ffff:127.0.0.1")))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, IPv4, TypeOf(M.ParseSocksaddrHostPort("1.2.3.4", 53)))
	assert.Equal(t, IPv6, TypeOf(M.ParseSocksaddrHostPort("2001:db8::1", 53)))
	assert.Equal(t, Domain, TypeOf(M.ParseSocksaddrHostPort("example.com", 443)))

	assert.Equal(t, byte(0x01), IPv4.ATYP())
	assert.Equal(t, byte(0x04), IPv6.ATYP())
	assert.Equal(t, byte(0x03), Domain.ATYP())
}
