package conn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"tunsocks_go/internal/core/packet"
	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/shared/types"
)

// Factory 为 pump 建立连接。内部地址直连，其余经 Proxy。
type Factory struct {
	Client  *socks5.Client
	Proxy   types.ProxyEndpoint
	Timeout time.Duration
}

// Direct 不经代理拨号 dst
func (f *Factory) Direct(ctx context.Context, protocol uint8, dst netip.AddrPort) (Connection, error) {
	network, err := networkOf(protocol)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: f.Timeout}
	c, err := d.DialContext(ctx, network, dst.String())
	if err != nil {
		return nil, fmt.Errorf("direct %s dial to %s: %w", network, dst, err)
	}
	if protocol == packet.ProtoUDP {
		return NewDirectUDP(c), nil
	}
	return NewTCP(c), nil
}

// Proxied 为 dst 建立 CONNECT 隧道（TCP）或 UDP 关联（UDP）
func (f *Factory) Proxied(ctx context.Context, protocol uint8, dst netip.AddrPort) (Connection, error) {
	if f.Proxy.IsZero() {
		return nil, fmt.Errorf("no proxy selected for %s", dst)
	}
	destHost := dst.Addr().Unmap().String()

	switch protocol {
	case packet.ProtoTCP:
		c, err := f.Client.ConnectTCP(ctx, f.Proxy.Host, f.Proxy.Port, destHost, dst.Port())
		if err != nil {
			return nil, err
		}
		return NewTCP(c), nil
	case packet.ProtoUDP:
		t, err := f.Client.ConnectUDP(ctx, f.Proxy.Host, f.Proxy.Port, destHost, dst.Port())
		if err != nil {
			return nil, err
		}
		return NewFramedUDP(t), nil
	}
	return nil, fmt.Errorf("unsupported protocol %s", packet.ProtocolName(protocol))
}

func networkOf(protocol uint8) (string, error) {
	switch protocol {
	case packet.ProtoTCP:
		return "tcp", nil
	case packet.ProtoUDP:
		return "udp", nil
	}
	return "", fmt.Errorf("unsupported protocol %s", packet.ProtocolName(protocol))
}
