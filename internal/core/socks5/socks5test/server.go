// Package socks5test provides an in-process SOCKS5 server (CONNECT and
// UDP ASSOCIATE, optional username/password) for tests.
package socks5test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"tunsocks_go/internal/core/socks5"
	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

const udpTimeout = 60 * time.Second

// Request records one command the server accepted.
type Request struct {
	Command     byte
	Destination string
}

// Server is a minimal SOCKS5 proxy listening on 127.0.0.1.
type Server struct {
	auth *socks5.Auth
	// redirect maps a requested destination to the address actually dialed,
	// e.g. a public address to a local listener.
	redirect func(dest M.Socksaddr) string

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	requests []Request
	conns    map[net.Conn]struct{}
	closed   bool
}

// Start listens on an ephemeral loopback port. auth and redirect may be nil.
func Start(auth *socks5.Auth, redirect func(M.Socksaddr) string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{auth: auth, redirect: redirect, ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Endpoint returns the address clients should dial.
func (s *Server) Endpoint() types.ProxyEndpoint {
	ap := s.ln.Addr().(*net.TCPAddr).AddrPort()
	return types.ProxyEndpoint{Host: ap.Addr().Unmap().String(), Port: ap.Port()}
}

// Requests returns the commands accepted so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Close stops accepting, drops every client and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		if !s.track(c) {
			c.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			if err := s.handle(c); err != nil && !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("socks5test: session ended")
			}
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handle(c net.Conn) error {
	reader := bufio.NewReader(c)
	if err := s.negotiate(c, reader); err != nil {
		return err
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(reader, header); err != nil {
		return err
	}
	dest, err := M.SocksaddrSerializer.ReadAddrPort(reader)
	if err != nil {
		return err
	}
	if header[0] != 0x05 {
		return errors.New("socks5test: bad request version")
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Command: header[1], Destination: dest.String()})
	s.mu.Unlock()

	switch header[1] {
	case 0x01:
		return s.connect(c, reader, dest)
	case 0x03:
		return s.associate(c, reader)
	default:
		writeReply(c, 0x07, M.Socksaddr{})
		return errors.New("socks5test: unsupported command")
	}
}

func (s *Server) negotiate(c net.Conn, reader *bufio.Reader) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return err
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(reader, methods); err != nil {
		return err
	}

	want := byte(0x00)
	if s.auth != nil {
		want = 0x02
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
		}
	}
	if !offered {
		c.Write([]byte{0x05, 0xFF})
		return errors.New("socks5test: no acceptable method")
	}
	if _, err := c.Write([]byte{0x05, want}); err != nil {
		return err
	}
	if s.auth == nil {
		return nil
	}

	// RFC 1929
	ver := make([]byte, 2)
	if _, err := io.ReadFull(reader, ver); err != nil {
		return err
	}
	user := make([]byte, ver[1])
	if _, err := io.ReadFull(reader, user); err != nil {
		return err
	}
	plen, err := reader.ReadByte()
	if err != nil {
		return err
	}
	pass := make([]byte, plen)
	if _, err := io.ReadFull(reader, pass); err != nil {
		return err
	}
	if string(user) != s.auth.Username || string(pass) != s.auth.Password {
		c.Write([]byte{0x01, 0x01})
		return errors.New("socks5test: bad credentials")
	}
	_, err = c.Write([]byte{0x01, 0x00})
	return err
}

func (s *Server) target(dest M.Socksaddr) string {
	if s.redirect != nil {
		return s.redirect(dest)
	}
	return dest.String()
}

func (s *Server) connect(c net.Conn, reader *bufio.Reader, dest M.Socksaddr) error {
	outbound, err := net.DialTimeout("tcp", s.target(dest), 5*time.Second)
	if err != nil {
		writeReply(c, 0x05, M.Socksaddr{})
		return err
	}
	if !s.track(outbound) {
		outbound.Close()
		return net.ErrClosed
	}
	defer s.untrack(outbound)

	bound := M.SocksaddrFromNet(outbound.LocalAddr())
	if err := writeReply(c, 0x00, bound); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(outbound, reader)
		if tcp, ok := outbound.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(c, outbound)
		if tcp, ok := c.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	wg.Wait()
	return nil
}

// associate replies with 0.0.0.0 and the relay port, so clients must fall
// back to the proxy host. The relay lives until the control connection ends.
func (s *Server) associate(c net.Conn, reader *bufio.Reader) error {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		writeReply(c, 0x01, M.Socksaddr{})
		return err
	}
	defer pc.Close()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	if err := writeReply(c, 0x00, M.SocksaddrFrom(netip.IPv4Unspecified(), port)); err != nil {
		return err
	}

	r := &udpRelay{server: s, listener: pc, sessions: make(map[string]net.Conn)}
	go r.run()

	io.Copy(io.Discard, reader)
	return nil
}

type udpRelay struct {
	server   *Server
	listener net.PacketConn

	lock     sync.Mutex
	sessions map[string]net.Conn
}

func (r *udpRelay) run() {
	defer r.closeAll()
	buf := make([]byte, 65535)
	for {
		n, from, err := r.listener.ReadFrom(buf)
		if err != nil {
			return
		}
		dest, payload, err := socks5.SplitUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		key := from.String() + "|" + dest.String()
		r.lock.Lock()
		target, found := r.sessions[key]
		if !found {
			conn, dialErr := net.DialTimeout("udp", r.server.target(dest), 5*time.Second)
			if dialErr != nil {
				r.lock.Unlock()
				continue
			}
			target = conn
			r.sessions[key] = target
			go r.copyFromTarget(key, target, dest, from)
		}
		r.lock.Unlock()

		target.Write(payload)
	}
}

// copyFromTarget wraps replies with the original destination as source.
func (r *udpRelay) copyFromTarget(key string, target net.Conn, dest M.Socksaddr, client net.Addr) {
	defer func() {
		r.lock.Lock()
		delete(r.sessions, key)
		r.lock.Unlock()
		target.Close()
	}()

	buf := make([]byte, 65535)
	for {
		target.SetReadDeadline(time.Now().Add(udpTimeout))
		n, err := target.Read(buf)
		if err != nil {
			return
		}
		datagram, err := socks5.AppendUDPHeader(nil, dest)
		if err != nil {
			return
		}
		if _, err := r.listener.WriteTo(append(datagram, buf[:n]...), client); err != nil {
			return
		}
	}
}

func (r *udpRelay) closeAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for key, c := range r.sessions {
		c.Close()
		delete(r.sessions, key)
	}
}

func writeReply(w io.Writer, code byte, bound M.Socksaddr) error {
	if !bound.IsValid() {
		bound = M.SocksaddrFrom(netip.IPv4Unspecified(), 0)
	}
	reply, err := socks5.AppendAddr([]byte{0x05, code, 0x00}, bound)
	if err != nil {
		return err
	}
	_, err = w.Write(reply)
	return err
}
