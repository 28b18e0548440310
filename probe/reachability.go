package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// Defaults for Reachability.
const (
	DefaultReachAddr    = "www.google.com:443"
	DefaultReachTimeout = 5 * time.Second
)

// Reachability opens a TCP connection to Addr through the proxy and, with
// TLS set, completes a handshake using the host part of Addr as SNI.
type Reachability struct {
	// Addr is the "host:port" to reach.
	Addr string

	// TLS performs a handshake after connecting.
	TLS bool

	// ServerName overrides the SNI and verification name.
	ServerName string

	// RootCAs overrides the system roots.
	RootCAs *x509.CertPool

	// Limit bounds the probe; zero means DefaultReachTimeout.
	Limit time.Duration

	// Optional makes a failure non-fatal for the target.
	Optional bool
}

func (p *Reachability) Name() string { return "reachability" }

func (p *Reachability) Required() bool { return !p.Optional }

func (p *Reachability) Timeout() time.Duration {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultReachTimeout
}

func (p *Reachability) Run(ctx context.Context, env Env) Result {
	addr := p.Addr
	if addr == "" {
		addr = DefaultReachAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return Result{Outcome: Failure, Reason: fmt.Sprintf("invalid address %q: %v", addr, err)}
	}
	d, err := env.Dialer()
	if err != nil {
		return Result{Outcome: Failure, Reason: err.Error()}
	}

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fromError(fmt.Errorf("connect %s: %w", addr, err))
	}
	defer conn.Close()

	if p.TLS {
		name := p.ServerName
		if name == "" {
			name = host
		}
		tc := tls.Client(conn, &tls.Config{
			ServerName: name,
			RootCAs:    p.RootCAs,
			MinVersion: tls.VersionTLS12,
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			return fromError(fmt.Errorf("tls handshake with %s: %w", name, err))
		}
	}
	return Result{Outcome: Success, Latency: time.Since(start)}
}
