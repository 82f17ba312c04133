package router

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunsocks_go/internal/core/conn"
	"tunsocks_go/internal/core/packet"
	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/core/socks5/socks5test"
)

func tcpEcho(t *testing.T) string {
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
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func udpEcho(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pc.WriteToUDP(buf[:n], from)
		}
	}()
	return pc
}

func TestRouter_RelaysThroughSocksProxy(t *testing.T) {
	tcpTarget := tcpEcho(t)
	udpTarget := udpEcho(t)

	auth := &socks5.Auth{Username: "user", Password: "pass"}
	srv, err := socks5test.Start(auth, func(dest M.Socksaddr) string {
		if dest.Port == 53 {
			return udpTarget.LocalAddr().String()
		}
		return tcpTarget
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	factory := &conn.Factory{
		Client:  socks5.NewClient(auth, 2*time.Second),
		Proxy:   srv.Endpoint(),
		Timeout: 2 * time.Second,
	}
	iface := newFakeIface()
	r := New(iface, factory, Options{SessionID: "proxy-e2e"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	tcpFrame := frame(packet.ProtoTCP, external, 0x11)
	udpFrame := frame(packet.ProtoUDP, netip.MustParseAddrPort("8.8.8.8:53"), 0x22)
	directFrame := frame(packet.ProtoUDP, udpTarget.LocalAddr().(*net.UDPAddr).AddrPort(), 0x33)
	iface.frames <- tcpFrame
	iface.frames <- udpFrame
	iface.frames <- directFrame

	require.Eventually(t, func() bool {
		written := iface.Written()
		var stream []byte
		for _, w := range written {
			stream = append(stream, w...)
		}
		return bytes.Contains(stream, tcpFrame) &&
			containsChunk(written, udpFrame) &&
			containsChunk(written, directFrame)
	}, 5*time.Second, 10*time.Millisecond)

	var commands []byte
	var dests []string
	for _, req := range srv.Requests() {
		commands = append(commands, req.Command)
		dests = append(dests, req.Destination)
	}
	assert.ElementsMatch(t, []byte{0x01, 0x03}, commands)
	assert.Contains(t, dests, "93.184.216.34:443")

	st := r.Stats()
	assert.Equal(t, uint64(3), st.Packets)
	assert.Equal(t, 1, st.Internal)
	assert.Equal(t, 2, st.External)
}

func containsChunk(written [][]byte, want []byte) bool {
	for _, w := range written {
		if bytes.Equal(w, want) {
			return true
		}
	}
	return false
}
