package socks5

import (
	"net"
	"net/netip"
	"sync"

	"tunsocks_go/internal/shared/logger"
)

// UDPTransport 是连接到 UDP 关联中继的 socket。
// 关联的生命周期与 TCP 控制连接一致，代理关闭控制连接时 socket 随之关闭。
type UDPTransport struct {
	*net.UDPConn
	ctrl  net.Conn
	relay netip.AddrPort

	closeOnce sync.Once
	closeErr  error
}

func newUDPTransport(udpConn *net.UDPConn, ctrl net.Conn, relay netip.AddrPort) *UDPTransport {
	t := &UDPTransport{UDPConn: udpConn, ctrl: ctrl, relay: relay}
	go t.monitorControl()
	return t
}

// Relay 返回数据报发往的中继地址
func (t *UDPTransport) Relay() netip.AddrPort { return t.relay }

// Close 同时关闭 UDP socket 和控制连接
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.UDPConn.Close()
		if err := t.ctrl.Close(); t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *UDPTransport) monitorControl() {
	buf := make([]byte, 1)
	for {
		if _, err := t.ctrl.Read(buf); err != nil {
			break
		}
	}
	logger.Debug().Str("relay", t.relay.String()).Msg("SOCKS5: UDP association control connection closed")
	t.Close()
}
