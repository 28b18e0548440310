// Package socks5 is a small SOCKS5 server (CONNECT, no-auth) that stands in
// for a proxy binary's local listener: the fake proxy used in tests serves
// it on the address from the rendered configuration, and probe tests dial
// through it.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	version5       = 0x05
	methodNoAuth   = 0x00
	methodNone     = 0xFF
	cmdConnect     = 0x01
	atypIPv4       = 0x01
	atypFQDN       = 0x03
	atypIPv6       = 0x04
	repSuccess     = 0x00
	repFailure     = 0x01
	repCmdNotSupp  = 0x07
	repAtypNotSupp = 0x08
)

// Config configures a Server.
type Config struct {
	// Dial opens the upstream connection for a CONNECT request. The address
	// is passed through unresolved ("host:port"). Defaults to net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Logger receives per-connection errors. Nil discards them.
	Logger *slog.Logger
}

// Server serves SOCKS5 CONNECT requests.
type Server struct {
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	connects atomic.Int64
}

// New returns a server for cfg.
func New(cfg Config) *Server {
	s := &Server{
		dial:   cfg.Dial,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
	if s.dial == nil {
		var d net.Dialer
		s.dial = d.DialContext
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Connects returns the number of CONNECT requests that reached the dial
// stage.
func (s *Server) Connects() int64 { return s.connects.Load() }

// Serve accepts connections on l until it is closed. A closed listener is a
// normal shutdown and returns nil.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.untrack(conn)
			if err := s.ServeConn(conn); err != nil {
				s.logger.Debug("socks5 connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Close terminates every open client connection. It does not close
// listeners passed to Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	clear(s.conns)
	return nil
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
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ServeConn handles one client connection and closes it before returning.
func (s *Server) ServeConn(conn net.Conn) error {
	defer conn.Close()

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != version5 {
		return fmt.Errorf("unsupported version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	noAuth := false
	for _, m := range methods {
		if m == methodNoAuth {
			noAuth = true
			break
		}
	}
	if !noAuth {
		_, _ = conn.Write([]byte{version5, methodNone})
		return errors.New("client does not offer no-auth")
	}
	if _, err := conn.Write([]byte{version5, methodNoAuth}); err != nil {
		return err
	}

	cmd, addr, rep, err := readRequest(conn)
	if err != nil {
		if rep != 0 {
			_ = reply(conn, rep)
		}
		return err
	}
	if cmd != cmdConnect {
		_ = reply(conn, repCmdNotSupp)
		return fmt.Errorf("unsupported command %d", cmd)
	}

	s.connects.Add(1)
	upstream, err := s.dial(context.Background(), "tcp", addr)
	if err != nil {
		_ = reply(conn, repFailure)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer upstream.Close()

	if err := reply(conn, repSuccess); err != nil {
		return err
	}
	pipe(conn, upstream)
	return nil
}

// readRequest parses a request and returns its command and "host:port".
// On failure rep is the reply code to send, or 0 if none should be sent.
func readRequest(r io.Reader) (cmd byte, addr string, rep byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, "", 0, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != version5 {
		return 0, "", repFailure, fmt.Errorf("unsupported version %d in request", hdr[0])
	}

	var host string
	switch hdr[3] {
	case atypIPv4, atypIPv6:
		n := 4
		if hdr[3] == atypIPv6 {
			n = 16
		}
		ip := make([]byte, n)
		if _, err := io.ReadFull(r, ip); err != nil {
			return 0, "", 0, fmt.Errorf("read address: %w", err)
		}
		host = net.IP(ip).String()
	case atypFQDN:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return 0, "", 0, fmt.Errorf("read fqdn length: %w", err)
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return 0, "", 0, fmt.Errorf("read fqdn: %w", err)
		}
		host = string(name)
	default:
		return 0, "", repAtypNotSupp, fmt.Errorf("unsupported address type %d", hdr[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return 0, "", 0, fmt.Errorf("read port: %w", err)
	}
	return hdr[1], net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), 0, nil
}

// reply writes a reply with an unspecified IPv4 bind address.
func reply(w io.Writer, code byte) error {
	_, err := w.Write([]byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// pipe copies both directions, half-closing each side when its source is
// drained.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	cp := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}
	go cp(a, b)
	go cp(b, a)
	wg.Wait()
}
