// Package probe checks a running proxy from the outside, through its local
// SOCKS5 listener.
//
// # Probes
//
// Three probes run in a fixed order, each bounded by its own timeout:
//
//   - Reachability opens a tunnelled TCP connection to a well known
//     endpoint and optionally completes a TLS handshake over it.
//   - RoundTrip issues a small HTTP request and times it until the body is
//     drained.
//   - Throughput downloads for a bounded window and compares the observed
//     rate against a minimum.
//
// # Outcomes
//
// Every probe yields exactly one Result with an Outcome of success,
// failure, timeout or skipped. A probe never returns an error: network
// problems are classified into the Result. Deadline and network timeouts
// are Timeout; anything else is Failure. When a required probe does not
// succeed, the Engine marks all later probes Skipped.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// ErrProcessCrashed is returned by Engine.Run when the proxy process died
// while probes were running.
var ErrProcessCrashed = errors.New("probe: proxy process crashed")

// Outcome classifies a probe result.
type Outcome string

// Outcomes.
const (
	Success Outcome = "success"
	Failure Outcome = "failure"
	Timeout Outcome = "timeout"
	Skipped Outcome = "skipped"
)

// Result is the outcome of one probe.
type Result struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`

	// Latency is the probe's primary timing: connect (and handshake) time
	// for reachability, request to drained body for round trips.
	Latency time.Duration `json:"latency_ns,omitempty"`

	// Bytes is the payload size read, for throughput.
	Bytes int64 `json:"bytes,omitempty"`

	// Throughput is in bytes per second.
	Throughput float64 `json:"throughput_bps,omitempty"`

	// Duration is the wall time the probe took.
	Duration time.Duration `json:"duration_ns"`

	Timestamp time.Time `json:"timestamp"`
}

// OK reports whether the probe succeeded.
func (r Result) OK() bool { return r.Outcome == Success }

// Probe is a single check run through the proxy.
type Probe interface {
	// Name identifies the probe in results.
	Name() string

	// Required reports whether a non-success outcome fails the target and
	// skips the probes after it.
	Required() bool

	// Timeout bounds Run.
	Timeout() time.Duration

	// Run performs the check. It must return once ctx is done.
	Run(ctx context.Context, env Env) Result
}

// Env describes the proxy under test.
type Env struct {
	// Proxy is the local SOCKS5 listener.
	Proxy netip.AddrPort

	// Target labels the proxy in logs.
	Target string
}

// Dialer returns a SOCKS5 dialer through the proxy. Hostnames are sent to
// the proxy unresolved.
func (e Env) Dialer() (proxy.ContextDialer, error) {
	if !e.Proxy.IsValid() {
		return nil, fmt.Errorf("probe: invalid proxy address %s", e.Proxy)
	}
	d, err := proxy.SOCKS5("tcp", e.Proxy.String(), nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("probe: socks5 dialer lacks DialContext")
	}
	return cd, nil
}

// HTTPClient returns a client whose connections all go through the proxy.
// Environment proxy settings are ignored and connections are not reused.
func (e Env) HTTPClient() (*http.Client, error) {
	d, err := e.Dialer()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             nil,
			DialContext:       d.DialContext,
			DisableKeepAlives: true,
			ForceAttemptHTTP2: false,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// classify maps an error to Timeout or Failure.
func classify(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Failure
}

// fromError builds the Result for a failed probe.
func fromError(err error) Result {
	return Result{Outcome: classify(err), Reason: err.Error()}
}
