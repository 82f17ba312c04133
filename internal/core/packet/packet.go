// Package packet 把从虚拟网卡读到的 IP 帧解析成路由记录
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// 引擎转发的传输层协议号
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

var (
	ErrEmpty               = errors.New("packet: empty frame")
	ErrUnsupportedVersion  = errors.New("packet: unsupported IP version")
	ErrTruncated           = errors.New("packet: truncated header")
	ErrUnsupportedProtocol = errors.New("packet: unsupported transport protocol")
)

// 解析传输层头之前需要跳过的 IPv6 扩展头
var ipv6ExtensionHeaders = map[uint8]bool{
	0:  true, // Hop-by-Hop Options
	43: true, // Routing
	44: true, // Fragment
	60: true, // Destination Options
	51: true, // Authentication Header
	50: true, // ESP
}

const ipv6FragmentHeader = 44

// Packet 解析后的一帧。Payload 是包含 IP 头的整帧，与传给 Parse 的切片共享内存，
// Parse 之后不再修改。
type Packet struct {
	Protocol    uint8
	Destination netip.AddrPort
	Payload     []byte

	transportOffset int
}

// Key 标识包所属的流，每个 key 对应一个队列、一个 pump 和一条连接
type Key struct {
	Protocol    uint8
	Destination netip.AddrPort
}

func (k Key) String() string {
	return ProtocolName(k.Protocol) + "/" + k.Destination.String()
}

// Key 返回 p 的流标识
func (p *Packet) Key() Key {
	return Key{Protocol: p.Protocol, Destination: p.Destination}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s %s (%d bytes)", ProtocolName(p.Protocol), p.Destination, len(p.Payload))
}

// Parse 解析 frame，出错时返回 nil，调用方应丢弃该帧
func Parse(frame []byte) (*Packet, error) {
	if len(frame) == 0 {
		return nil, ErrEmpty
	}

	var (
		p   *Packet
		err error
	)
	switch version := frame[0] >> 4; version {
	case ipv4.Version:
		p, err = parseIPv4(frame)
	case ipv6.Version:
		p, err = parseIPv6(frame)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if err != nil {
		return nil, err
	}

	if p.Protocol != ProtoTCP && p.Protocol != ProtoUDP {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, ProtocolName(p.Protocol))
	}
	return p, nil
}

func parseIPv4(frame []byte) (*Packet, error) {
	if len(frame) < ipv4.HeaderLen {
		return nil, fmt.Errorf("%w: IPv4 frame of %d bytes", ErrTruncated, len(frame))
	}

	protocol := frame[9]
	if protocol != ProtoTCP && protocol != ProtoUDP {
		return &Packet{Protocol: protocol}, nil
	}

	// TCP 与 UDP 的目标端口都在传输层头的第 2-3 字节，这里按 20 字节 IP 头后的固定偏移读取
	if len(frame) < ipv4.HeaderLen+4 {
		return nil, fmt.Errorf("%w: IPv4 frame of %d bytes has no ports", ErrTruncated, len(frame))
	}
	dst := netip.AddrFrom4([4]byte(frame[16:20]))
	port := binary.BigEndian.Uint16(frame[22:24])

	return &Packet{
		Protocol:        protocol,
		Destination:     netip.AddrPortFrom(dst, port),
		Payload:         frame,
		transportOffset: int(frame[0]&0x0f) * 4,
	}, nil
}

func parseIPv6(frame []byte) (*Packet, error) {
	if len(frame) < ipv6.HeaderLen {
		return nil, fmt.Errorf("%w: IPv6 frame of %d bytes", ErrTruncated, len(frame))
	}

	protocol := frame[6]
	offset := ipv6.HeaderLen

	for ipv6ExtensionHeaders[protocol] {
		if offset+2 > len(frame) {
			return nil, fmt.Errorf("%w: IPv6 extension header at %d", ErrTruncated, offset)
		}
		headerType := protocol
		protocol = frame[offset]

		if headerType == ipv6FragmentHeader {
			offset += 8
		} else {
			offset += (int(frame[offset+1]) + 1) * 8
		}
		if offset > len(frame) {
			return nil, fmt.Errorf("%w: IPv6 extension chain past end of frame", ErrTruncated)
		}
	}

	if protocol != ProtoTCP && protocol != ProtoUDP {
		return &Packet{Protocol: protocol}, nil
	}
	if len(frame) < offset+4 {
		return nil, fmt.Errorf("%w: IPv6 frame of %d bytes has no ports", ErrTruncated, len(frame))
	}

	dst := netip.AddrFrom16([16]byte(frame[24:40]))
	port := binary.BigEndian.Uint16(frame[offset+2 : offset+4])

	return &Packet{
		Protocol:        protocol,
		Destination:     netip.AddrPortFrom(dst, port),
		Payload:         frame,
		transportOffset: offset,
	}, nil
}

// DNSQuestion 返回发往 53 端口的 UDP 查询中第一个问题的域名
func DNSQuestion(p *Packet) (string, bool) {
	if p == nil || p.Protocol != ProtoUDP || p.Destination.Port() != 53 {
		return "", false
	}
	start := p.transportOffset + 8
	if p.transportOffset == 0 || start >= len(p.Payload) {
		return "", false
	}

	var parser dnsmessage.Parser
	if _, err := parser.Start(p.Payload[start:]); err != nil {
		return "", false
	}
	q, err := parser.Question()
	if err != nil {
		return "", false
	}
	return q.Name.String(), true
}

// ProtocolName 返回协议号的名称，用于日志
func ProtocolName(protocol uint8) string {
	switch protocol {
	case 1:
		return "ICMP"
	case 2:
		return "IGMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 41:
		return "IPv6"
	case 47:
		return "GRE"
	case 50:
		return "ESP"
	case 51:
		return "AH"
	case 58:
		return "ICMPv6"
	case 88:
		return "EIGRP"
	case 89:
		return "OSPF"
	case 132:
		return "SCTP"
	}
	return fmt.Sprintf("Unknown(%d)", protocol)
}
