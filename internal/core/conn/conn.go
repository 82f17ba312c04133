// Package conn 提供 pump 发包所用的传输：TCP 流或 UDP 数据报，直连或经 SOCKS5 代理。
package conn

import (
	"bufio"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"tunsocks_go/internal/core/socks5"
)

var ErrNoDestination = errors.New("conn: datagram without destination")

// Connection TCP 与 UDP 传输统一的收发接口
type Connection interface {
	// Send 发送数据。TCP 忽略 dst，UDP 要求 dst 有效
	Send(data []byte, dst netip.AddrPort) error
	// Receive 读一次。返回 0 字节且 io.EOF 表示对端关闭
	Receive(buf []byte) (int, error)
	IsOpen() bool
	Close() error
	RemoteAddr() net.Addr
}

// Decapsulator 由收到的数据带有传输层封装的连接实现，写回网卡前需去掉封装
type Decapsulator interface {
	Decapsulate(datagram []byte) ([]byte, error)
}

// TCPConnection 绑定单个目标的字节流
type TCPConnection struct {
	conn   net.Conn
	mu     sync.Mutex
	writer *bufio.Writer
	closed atomic.Bool
}

// NewTCP 包装已建立的流（直连或 SOCKS5 CONNECT 隧道）
func NewTCP(c net.Conn) *TCPConnection {
	return &TCPConnection{conn: c, writer: bufio.NewWriter(c)}
}

func (t *TCPConnection) Send(data []byte, _ netip.AddrPort) error {
	if t.closed.Load() {
		return net.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *TCPConnection) Receive(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *TCPConnection) IsOpen() bool { return !t.closed.Load() }

func (t *TCPConnection) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCPConnection) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// UDPConnection 每个包发送一个数据报。
// framed 模式下数据报带 UDP 请求头发往 SOCKS5 中继，直连模式下 socket 已连接到目标。
type UDPConnection struct {
	conn    net.Conn
	framed  bool
	mu      sync.Mutex
	scratch []byte
	closed  atomic.Bool
}

// NewFramedUDP 经 c 中继，c 已连接到 UDP 关联的中继（通常是 *socks5.UDPTransport）
func NewFramedUDP(c net.Conn) *UDPConnection {
	return &UDPConnection{conn: c, framed: true}
}

// NewDirectUDP 包装已连接到目标的 UDP socket
func NewDirectUDP(c net.Conn) *UDPConnection {
	return &UDPConnection{conn: c}
}

func (u *UDPConnection) Send(data []byte, dst netip.AddrPort) error {
	if !dst.IsValid() {
		return ErrNoDestination
	}
	if u.closed.Load() {
		return net.ErrClosed
	}
	if !u.framed {
		_, err := u.conn.Write(data)
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	datagram, err := socks5.AppendUDPHeader(u.scratch[:0], socks5.AddrFromAddrPort(dst))
	if err != nil {
		return err
	}
	datagram = append(datagram, data...)
	u.scratch = datagram
	_, err = u.conn.Write(datagram)
	return err
}

func (u *UDPConnection) Receive(buf []byte) (int, error) {
	return u.conn.Read(buf)
}

// Decapsulate framed 模式下去掉中继头，否则原样返回
func (u *UDPConnection) Decapsulate(datagram []byte) ([]byte, error) {
	if !u.framed {
		return datagram, nil
	}
	return StripUDPHeader(datagram)
}

func (u *UDPConnection) IsOpen() bool { return !u.closed.Load() }

func (u *UDPConnection) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}

func (u *UDPConnection) RemoteAddr() net.Addr { return u.conn.RemoteAddr() }

// StripUDPHeader 返回 SOCKS5 中继数据报的负载
func StripUDPHeader(datagram []byte) ([]byte, error) {
	_, payload, err := socks5.SplitUDPHeader(datagram)
	return payload, err
}
