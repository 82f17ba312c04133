package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

// startMockProxy serves every accepted connection with handle and returns the
// listener address.
func startMockProxy(t *testing.T, handle func(c net.Conn)) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return "127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port)
}

func readN(c net.Conn, n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil
	}
	return buf
}

var okReplyIPv4 = []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}

func TestConnectTCP_NoAuthSelectedSkipsCredentials(t *testing.T) {
	got := make(chan []byte, 2)
	host, port := startMockProxy(t, func(c net.Conn) {
		got <- readN(c, 3)
		c.Write([]byte{5, 0})
		got <- readN(c, 10)
		c.Write(okReplyIPv4)
		io.Copy(c, c)
	})

	client := NewClient(&Auth{Username: "john", Password: "secret"}, 2*time.Second)
	conn, err := client.ConnectTCP(context.Background(), host, port, "93.184.216.34", 443)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, []byte{5, 1, 2}, <-got)
	assert.Equal(t, []byte{5, 1, 0, 1, 93, 184, 216, 34, 0x01, 0xbb}, <-got)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), readN(conn, 4))
}

func TestConnectTCP_GreetingWithoutCredentials(t *testing.T) {
	got := make(chan []byte, 1)
	host, port := startMockProxy(t, func(c net.Conn) {
		got <- readN(c, 3)
		c.Write([]byte{5, 0})
		readN(c, 10)
		c.Write(okReplyIPv4)
	})

	conn, err := NewClient(nil, 2*time.Second).ConnectTCP(context.Background(), host, port, "1.1.1.1", 80)
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, []byte{5, 1, 0}, <-got)
}

func TestConnectTCP_UserPassword(t *testing.T) {
	got := make(chan []byte, 2)
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 2})
		got <- readN(c, 13)
		c.Write([]byte{1, 0})
		got <- readN(c, 18)
		bound := append([]byte{5, 0, 0, 4}, make([]byte, 18)...)
		c.Write(bound)
	})

	client := NewClient(&Auth{Username: "john", Password: "secret"}, 2*time.Second)
	conn, err := client.ConnectTCP(context.Background(), host, port, "example.com", 80)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, []byte{1, 4, 'j', 'o', 'h', 'n', 6, 's', 'e', 'c', 'r', 'e', 't'}, <-got)
	req := <-got
	assert.Equal(t, []byte{5, 1, 0, 3, 11}, req[:5])
	assert.Equal(t, "example.com", string(req[5:16]))
	assert.Equal(t, []byte{0, 80}, req[16:])
}

func TestConnectTCP_AuthRejected(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 2})
		readN(c, 13)
		c.Write([]byte{1, 1})
	})

	client := NewClient(&Auth{Username: "john", Password: "secret"}, 2*time.Second)
	conn, err := client.ConnectTCP(context.Background(), host, port, "1.1.1.1", 80)
	assert.Nil(t, conn)
	require.ErrorIs(t, err, ErrAuthFailed)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "auth", serr.Op)
	assert.Equal(t, byte(1), serr.Code)
}

func TestConnectTCP_AuthRequiredWithoutCredentials(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 2})
	})

	_, err := NewClient(nil, 2*time.Second).ConnectTCP(context.Background(), host, port, "1.1.1.1", 80)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestConnectTCP_NoAcceptableMethod(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0xff})
	})

	_, err := NewClient(nil, 2*time.Second).ConnectTCP(context.Background(), host, port, "1.1.1.1", 80)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestConnectTCP_Refused(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		readN(c, 10)
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
	})

	conn, err := NewClient(nil, 2*time.Second).ConnectTCP(context.Background(), host, port, "10.1.1.1", 22)
	assert.Nil(t, conn)
	require.ErrorIs(t, err, ErrConnectFailed)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, byte(5), serr.Code)
}

func TestConnectTCP_ProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	_, err = NewClient(nil, time.Second).ConnectTCP(context.Background(), "127.0.0.1", port, "1.1.1.1", 80)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "dial", serr.Op)
}

func TestConnectTCP_ContextCancelled(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(nil, 0).ConnectTCP(ctx, host, port, "1.1.1.1", 80)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnectUDP(t *testing.T) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer relay.Close()
	relayPort := relay.LocalAddr().(*net.UDPAddr).Port

	got := make(chan []byte, 1)
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		got <- readN(c, 10)
		c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, byte(relayPort >> 8), byte(relayPort)})
		io.Copy(io.Discard, c)
	})

	transport, err := NewClient(nil, 2*time.Second).ConnectUDP(context.Background(), host, port, "8.8.8.8", 53)
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, []byte{5, 3, 0, 1, 0, 0, 0, 0, 0, 0}, <-got)
	assert.Equal(t, netip.MustParseAddrPort(relay.LocalAddr().String()), transport.Relay())

	datagram, err := AppendUDPHeader(nil, M.ParseSocksaddrHostPort("8.8.8.8", 53))
	require.NoError(t, err)
	datagram = append(datagram, "query"...)
	_, err = transport.Write(datagram)
	require.NoError(t, err)

	buf := make([]byte, 64)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := relay.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, datagram, buf[:n])

	_, err = relay.WriteToUDP(append(datagram[:10:10], "answer"...), from)
	require.NoError(t, err)

	transport.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = transport.Read(buf)
	require.NoError(t, err)
	addr, payload, err := SplitUDPHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("8.8.8.8"), addr.Addr)
	assert.Equal(t, uint16(53), addr.Port)
	assert.Equal(t, []byte("answer"), payload)
}

func TestConnectUDP_UnspecifiedRelayUsesProxyHost(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		readN(c, 10)
		c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0x13, 0x88})
		io.Copy(io.Discard, c)
	})

	transport, err := NewClient(nil, 2*time.Second).ConnectUDP(context.Background(), host, port, "8.8.8.8", 53)
	require.NoError(t, err)
	defer transport.Close()
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:5000"), transport.Relay())
}

func TestConnectUDP_ControlCloseTearsDownSocket(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		readN(c, 10)
		c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0x13, 0x88})
	})

	transport, err := NewClient(nil, 2*time.Second).ConnectUDP(context.Background(), host, port, "8.8.8.8", 53)
	require.NoError(t, err)

	transport.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = transport.Read(make([]byte, 16))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestConnectUDP_Refused(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		readN(c, 10)
		c.Write([]byte{5, 7, 0, 1, 0, 0, 0, 0, 0, 0})
	})

	transport, err := NewClient(nil, 2*time.Second).ConnectUDP(context.Background(), host, port, "8.8.8.8", 53)
	assert.Nil(t, transport)
	assert.ErrorIs(t, err, ErrAssociateFailed)
}

func TestClient_DialContext(t *testing.T) {
	got := make(chan []byte, 1)
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
		got <- readN(c, 18)
		c.Write(okReplyIPv4)
	})

	client := NewClient(nil, 2*time.Second)
	client.Server = net.JoinHostPort(host, strconv.Itoa(int(port)))

	var dialer proxy.ContextDialer = client
	conn, err := dialer.DialContext(context.Background(), "tcp", "example.com:80")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, byte(3), (<-got)[3])

	_, err = client.DialContext(context.Background(), "udp", "example.com:53")
	assert.Error(t, err)
}

func TestClient_Probe(t *testing.T) {
	host, port := startMockProxy(t, func(c net.Conn) {
		readN(c, 3)
		c.Write([]byte{5, 0})
	})
	assert.NoError(t, NewClient(nil, 2*time.Second).Probe(context.Background(), host, port))
}

func TestUDPHeader(t *testing.T) {
	header, err := AppendUDPHeader(nil, AddrFromAddrPort(netip.MustParseAddrPort("1.2.3.4:53")))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 1, 2, 3, 4, 0, 53}, header)

	mapped := AddrFromAddrPort(netip.MustParseAddrPort("[::ffff:1.2.3.4]:53"))
	header, err = AppendUDPHeader(nil, mapped)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 1, 2, 3, 4, 0, 53}, header)

	_, _, err = SplitUDPHeader([]byte{0, 0, 1, 1, 1, 2, 3, 4, 0, 53})
	assert.ErrorIs(t, err, ErrProtocol)

	_, _, err = SplitUDPHeader([]byte{0, 0})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestAppendAddr_ATYP(t *testing.T) {
	b, err := AppendAddr([]byte{0x05}, M.ParseSocksaddrHostPort("2001:db8::1", 443))
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), b[1])
	assert.Len(t, b, 1+1+16+2)

	b, err = AppendAddr(nil, M.ParseSocksaddrHostPort("example.com", 80))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 11}, b[:2])
	assert.Equal(t, "example.com", string(b[2:13]))

	_, err = AppendAddr(nil, M.Socksaddr{Fqdn: "", Port: 80})
	assert.ErrorIs(t, err, ErrProtocol)
}
