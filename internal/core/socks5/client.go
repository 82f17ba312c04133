// Package socks5 实现 SOCKS5 客户端（RFC 1928），支持用户名/密码认证（RFC 1929）。
// TCP 使用 CONNECT，UDP 使用 UDP ASSOCIATE。
package socks5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	M "github.com/sagernet/sing/common/metadata"
	"golang.org/x/net/proxy"

	"tunsocks_go/internal/core/netaddr"
	"tunsocks_go/internal/shared/logger"
)

const (
	socks5Version    = 0x05
	authNone         = 0x00
	authUserPassword = 0x02
	authNoAcceptable = 0xFF

	userPassVersion   = 0x01
	userPassSucceeded = 0x00

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	repSucceeded = 0x00
)

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrConnectFailed   = errors.New("connect failed")
	ErrAssociateFailed = errors.New("udp associate failed")
	ErrProtocol        = errors.New("protocol violation")
)

// Error 协商失败时返回，Err 为上面的哨兵错误或底层 I/O 错误
type Error struct {
	Op   string
	Code byte
	Err  error
}

func (e *Error) Error() string {
	msg := "socks5 " + e.Op + ": " + e.Err.Error()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code 0x%02x)", e.Code)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Auth 用户名/密码凭据
type Auth struct {
	Username string
	Password string
}

// Client 与 SOCKS5 代理协商隧道。零值表示直连代理、无凭据、无超时。
type Client struct {
	Auth    *Auth
	Timeout time.Duration
	// Server 供 Dial/DialContext 使用，格式 "host:port"
	Server string
	// Forward 用于连接代理本身，默认 proxy.Direct
	Forward proxy.ContextDialer
}

var _ proxy.ContextDialer = (*Client)(nil)

// NewClient 创建客户端，auth 为 nil 表示无认证，timeout 作用于每次协商
func NewClient(auth *Auth, timeout time.Duration) *Client {
	return &Client{Auth: auth, Timeout: timeout}
}

// ConnectTCP 通过代理建立到 destHost:destPort 的隧道，返回的连接即目标的字节流。
func (c *Client) ConnectTCP(ctx context.Context, proxyHost string, proxyPort uint16, destHost string, destPort uint16) (net.Conn, error) {
	dest := M.ParseSocksaddrHostPort(destHost, destPort)
	return c.negotiate(ctx, proxyHost, proxyPort, func(conn net.Conn) error {
		if err := writeRequest(conn, cmdConnect, dest); err != nil {
			return &Error{Op: "connect", Err: err}
		}
		if _, err := readReply(conn, "connect", ErrConnectFailed); err != nil {
			return err
		}
		logger.Debug().Str("proxy", conn.RemoteAddr().String()).Str("dest", dest.String()).Msg("SOCKS5: CONNECT established")
		return nil
	})
}

// ConnectUDP 执行 UDP ASSOCIATE，返回已连接到代理中继的 UDP socket。
// 请求里使用 IPv4 占位地址，每个数据报自带目标头，dest 只用于日志。
func (c *Client) ConnectUDP(ctx context.Context, proxyHost string, proxyPort uint16, destHost string, destPort uint16) (*UDPTransport, error) {
	var relay M.Socksaddr
	ctrl, err := c.negotiate(ctx, proxyHost, proxyPort, func(conn net.Conn) error {
		req := []byte{socks5Version, cmdUDPAssociate, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		if _, err := conn.Write(req); err != nil {
			return &Error{Op: "udp associate", Err: err}
		}
		bound, err := readReply(conn, "udp associate", ErrAssociateFailed)
		if err != nil {
			return err
		}
		relay = bound
		return nil
	})
	if err != nil {
		return nil, err
	}

	relayAddr, err := resolveRelay(ctx, relay, ctrl.RemoteAddr())
	if err != nil {
		ctrl.Close()
		return nil, &Error{Op: "udp associate", Err: err}
	}

	udpConn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(relayAddr))
	if err != nil {
		ctrl.Close()
		return nil, &Error{Op: "udp associate", Err: fmt.Errorf("connect to relay %s: %w", relayAddr, err)}
	}

	logger.Debug().Str("proxy", ctrl.RemoteAddr().String()).Str("relay", relayAddr.String()).
		Str("dest", net.JoinHostPort(destHost, strconv.Itoa(int(destPort)))).Msg("SOCKS5: UDP ASSOCIATE established")
	return newUDPTransport(udpConn, ctrl, relayAddr), nil
}

// DialContext 经 Server 连接 address，仅支持 TCP
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, &Error{Op: "dial", Err: fmt.Errorf("network '%s' not supported", network)}
	}

	proxyHost, proxyPort, err := splitHostPort(c.Server)
	if err != nil {
		return nil, &Error{Op: "dial", Err: fmt.Errorf("proxy: %w", err)}
	}
	destHost, destPort, err := splitHostPort(address)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return c.ConnectTCP(ctx, proxyHost, proxyPort, destHost, destPort)
}

// Dial 实现 proxy.Dialer
func (c *Client) Dial(network, address string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, address)
}

func splitHostPort(address string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port '%s'", portStr)
	}
	return host, uint16(port), nil
}

// Probe 连接代理并完成方法协商（需要时包括认证），不发送命令
func (c *Client) Probe(ctx context.Context, proxyHost string, proxyPort uint16) error {
	conn, err := c.negotiate(ctx, proxyHost, proxyPort, func(net.Conn) error { return nil })
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Client) negotiate(ctx context.Context, proxyHost string, proxyPort uint16, command func(net.Conn) error) (net.Conn, error) {
	conn, err := c.dialProxy(ctx, proxyHost, proxyPort)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	err = c.handshake(conn)
	if err == nil {
		err = command(conn)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *Client) dialProxy(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	forward := c.Forward
	if forward == nil {
		forward = proxy.Direct
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := forward.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: fmt.Errorf("failed to connect to proxy '%s': %w", addr, err)}
	}
	return conn, nil
}

// handshake 发送方法协商，代理选中时再做用户名/密码子协商
func (c *Client) handshake(conn net.Conn) error {
	method := byte(authNone)
	if c.Auth != nil {
		method = authUserPassword
	}
	if _, err := conn.Write([]byte{socks5Version, 0x01, method}); err != nil {
		return &Error{Op: "greeting", Err: err}
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return &Error{Op: "greeting", Err: err}
	}
	if reply[0] != socks5Version {
		return &Error{Op: "greeting", Code: reply[0], Err: fmt.Errorf("%w: version byte", ErrProtocol)}
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if c.Auth == nil {
			return &Error{Op: "auth", Code: reply[1], Err: fmt.Errorf("%w: proxy requires credentials", ErrAuthFailed)}
		}
		return c.authenticate(conn)
	case authNoAcceptable:
		return &Error{Op: "auth", Code: reply[1], Err: fmt.Errorf("%w: no acceptable method", ErrAuthFailed)}
	default:
		return &Error{Op: "greeting", Code: reply[1], Err: fmt.Errorf("%w: unsupported method", ErrProtocol)}
	}
}

func (c *Client) authenticate(conn net.Conn) error {
	user, pass := c.Auth.Username, c.Auth.Password
	if len(user) > 255 || len(pass) > 255 {
		return &Error{Op: "auth", Err: fmt.Errorf("%w: credentials too long", ErrAuthFailed)}
	}

	msg := make([]byte, 0, 3+len(user)+len(pass))
	msg = append(msg, userPassVersion, byte(len(user)))
	msg = append(msg, user...)
	msg = append(msg, byte(len(pass)))
	msg = append(msg, pass...)
	if _, err := conn.Write(msg); err != nil {
		return &Error{Op: "auth", Err: err}
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return &Error{Op: "auth", Err: err}
	}
	if reply[1] != userPassSucceeded {
		return &Error{Op: "auth", Code: reply[1], Err: ErrAuthFailed}
	}
	return nil
}

func writeRequest(w io.Writer, cmd byte, dest M.Socksaddr) error {
	req, err := AppendAddr([]byte{socks5Version, cmd, 0x00}, dest)
	if err != nil {
		return err
	}
	_, err = w.Write(req)
	return err
}

// readReply 读取 VER REP RSV 和绑定地址。REP 非零时返回带应答码的 *Error。
func readReply(r io.Reader, op string, failure error) (M.Socksaddr, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return M.Socksaddr{}, &Error{Op: op, Err: err}
	}
	if header[0] != socks5Version {
		return M.Socksaddr{}, &Error{Op: op, Code: header[0], Err: fmt.Errorf("%w: version byte", ErrProtocol)}
	}
	if header[1] != repSucceeded {
		return M.Socksaddr{}, &Error{Op: op, Code: header[1], Err: failure}
	}

	bound, err := M.SocksaddrSerializer.ReadAddrPort(r)
	if err != nil {
		return M.Socksaddr{}, &Error{Op: op, Err: fmt.Errorf("%w: bound address: %v", ErrProtocol, err)}
	}
	return bound, nil
}

// AppendAddr 追加 dest 的 ATYP、DST.ADDR 和 DST.PORT
func AppendAddr(b []byte, dest M.Socksaddr) ([]byte, error) {
	typ := netaddr.TypeOf(dest)
	switch typ {
	case netaddr.Domain:
		if dest.Fqdn == "" || len(dest.Fqdn) > 255 {
			return nil, fmt.Errorf("%w: invalid hostname '%s'", ErrProtocol, dest.Fqdn)
		}
	default:
		dest = M.SocksaddrFrom(dest.Addr.Unmap(), dest.Port)
	}

	start := len(b)
	buf := bytes.NewBuffer(b)
	if err := M.SocksaddrSerializer.WriteAddrPort(buf, dest); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if out[start] != typ.ATYP() {
		return nil, fmt.Errorf("%w: %s encoded with ATYP 0x%02x", ErrProtocol, typ, out[start])
	}
	return out, nil
}

// AddrFromAddrPort 把包的目标地址转成 SOCKS 地址，IPv4-in-IPv6 按 IPv4 编码
func AddrFromAddrPort(ap netip.AddrPort) M.Socksaddr {
	return M.SocksaddrFromNetIP(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
}

// AppendUDPHeader 追加 RSV(2) FRAG(1) 与目标地址
func AppendUDPHeader(b []byte, dest M.Socksaddr) ([]byte, error) {
	return AppendAddr(append(b, 0x00, 0x00, 0x00), dest)
}

// SplitUDPHeader 把中继数据报拆成地址和负载
func SplitUDPHeader(datagram []byte) (M.Socksaddr, []byte, error) {
	if len(datagram) < 4 {
		return M.Socksaddr{}, nil, fmt.Errorf("%w: datagram too short", ErrProtocol)
	}
	if datagram[2] != 0x00 {
		return M.Socksaddr{}, nil, fmt.Errorf("%w: fragmented datagram", ErrProtocol)
	}
	r := bytes.NewReader(datagram[3:])
	addr, err := M.SocksaddrSerializer.ReadAddrPort(r)
	if err != nil {
		return M.Socksaddr{}, nil, fmt.Errorf("%w: datagram address: %v", ErrProtocol, err)
	}
	return addr, datagram[len(datagram)-r.Len():], nil
}

// resolveRelay 把 ASSOCIATE 应答中的 BND 地址转为可拨号的地址。
// 未指定的中继 IP 表示与代理同一主机。
func resolveRelay(ctx context.Context, relay M.Socksaddr, proxyAddr net.Addr) (netip.AddrPort, error) {
	if relay.IsFqdn() {
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", relay.Fqdn)
		if err != nil || len(ips) == 0 {
			return netip.AddrPort{}, fmt.Errorf("resolve relay '%s': %w", relay.Fqdn, err)
		}
		return netip.AddrPortFrom(ips[0].Unmap(), relay.Port), nil
	}

	addr := relay.Addr.Unmap()
	if addr.IsUnspecified() {
		tcpAddr, ok := proxyAddr.(*net.TCPAddr)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("relay address unspecified and proxy address unknown")
		}
		addr = tcpAddr.AddrPort().Addr().Unmap()
	}
	return netip.AddrPortFrom(addr, relay.Port), nil
}
