package health

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/core/socks5/socks5test"
	"tunsocks_go/internal/shared/types"
)

func greetingOnlyProxy(t *testing.T, method byte) types.ProxyEndpoint {
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
				io.ReadFull(c, make([]byte, 3))
				c.Write([]byte{5, method})
			}()
		}
	}()
	return types.ProxyEndpoint{Host: "127.0.0.1", Port: uint16(ln.Addr().(*net.TCPAddr).Port)}
}

func closedPort(t *testing.T) types.ProxyEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return types.ProxyEndpoint{Host: "127.0.0.1", Port: port}
}

func TestChecker_CheckOne(t *testing.T) {
	c := New(socks5.NewClient(nil, 2*time.Second))

	up := c.CheckOne(context.Background(), greetingOnlyProxy(t, 0x00))
	assert.Equal(t, StatusUp, up.Status)
	assert.GreaterOrEqual(t, up.LatencyMs, int64(0))
	assert.Empty(t, up.Error)

	down := c.CheckOne(context.Background(), closedPort(t))
	assert.Equal(t, StatusDown, down.Status)
	assert.Equal(t, int64(-1), down.LatencyMs)
	assert.NotEmpty(t, down.Error)
}

func TestChecker_RejectedMethodIsDown(t *testing.T) {
	c := New(socks5.NewClient(nil, 2*time.Second))
	res := c.CheckOne(context.Background(), greetingOnlyProxy(t, 0xff))
	assert.Equal(t, StatusDown, res.Status)
}

func TestChecker_CheckKeepsOrder(t *testing.T) {
	c := New(socks5.NewClient(nil, 2*time.Second))
	proxies := []types.ProxyEndpoint{closedPort(t), greetingOnlyProxy(t, 0x00), closedPort(t)}

	results := c.Check(context.Background(), proxies)
	require.Len(t, results, 3)
	assert.Equal(t, []Status{StatusDown, StatusUp, StatusDown},
		[]Status{results[0].Status, results[1].Status, results[2].Status})
	for i, p := range proxies {
		assert.Equal(t, p.String(), results[i].Proxy)
	}
}

func TestChecker_Credentials(t *testing.T) {
	srv, err := socks5test.Start(&socks5.Auth{Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	defer srv.Close()

	good := New(socks5.NewClient(&socks5.Auth{Username: "u", Password: "p"}, 2*time.Second))
	assert.Equal(t, StatusUp, good.CheckOne(context.Background(), srv.Endpoint()).Status)

	bad := New(socks5.NewClient(&socks5.Auth{Username: "u", Password: "x"}, 2*time.Second))
	res := bad.CheckOne(context.Background(), srv.Endpoint())
	assert.Equal(t, StatusDown, res.Status)
	assert.Contains(t, res.Error, "auth")
}
