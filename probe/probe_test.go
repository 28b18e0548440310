package probe

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhangyunhao116/tunnelcheck/internal/socks5"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// startProxy serves SOCKS5 on loopback for the duration of the test.
func startProxy(t *testing.T) (Env, *socks5.Server) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := socks5.New(socks5.Config{})
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		_ = l.Close()
		_ = srv.Close()
	})
	return Env{Proxy: netip.MustParseAddrPort(l.Addr().String()), Target: "test"}, srv
}

type fakeProbe struct {
	name     string
	optional bool
	limit    time.Duration
	run      func(ctx context.Context) Result
	calls    atomic.Int32
}

func (p *fakeProbe) Name() string           { return p.name }
func (p *fakeProbe) Required() bool         { return !p.optional }
func (p *fakeProbe) Timeout() time.Duration { return p.limit }
func (p *fakeProbe) Run(ctx context.Context, _ Env) Result {
	p.calls.Add(1)
	return p.run(ctx)
}

func succeed(name string) *fakeProbe {
	return &fakeProbe{name: name, run: func(context.Context) Result { return Result{Outcome: Success} }}
}

func fail(name string) *fakeProbe {
	return &fakeProbe{name: name, run: func(context.Context) Result {
		return Result{Outcome: Failure, Reason: "boom"}
	}}
}

func outcomes(rs []Result) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.Name + "=" + string(r.Outcome)
	}
	return strings.Join(parts, ",")
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), Timeout},
		{"os deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), Timeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, Timeout},
		{"canceled", context.Canceled, Failure},
		{"refused", errors.New("connection refused"), Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Throughput evaluation
// ---------------------------------------------------------------------------

func TestEvaluateThroughput(t *testing.T) {
	tests := []struct {
		name    string
		bytes   int64
		elapsed time.Duration
		min     float64
		want    Outcome
		rate    float64
	}{
		{"fast", 10 * MB, 2 * time.Second, 1 * MB, Success, 5 * MB},
		{"slow", 10 * MB, 20 * time.Second, 1 * MB, Failure, 0.5 * MB},
		{"exact", 1 * MB, time.Second, 1 * MB, Success, 1 * MB},
		{"empty", 0, time.Second, 1, Failure, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := evaluateThroughput(tt.bytes, tt.elapsed, tt.min)
			if r.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s (%s)", r.Outcome, tt.want, r.Reason)
			}
			if r.Throughput != tt.rate {
				t.Errorf("throughput = %v, want %v", r.Throughput, tt.rate)
			}
			if r.Bytes != tt.bytes {
				t.Errorf("bytes = %d, want %d", r.Bytes, tt.bytes)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func TestEngineAllSucceed(t *testing.T) {
	e := NewEngine(nil, succeed("a"), succeed("b"), succeed("c"))
	rs, err := e.Run(context.Background(), Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomes(rs); got != "a=success,b=success,c=success" {
		t.Errorf("results = %s", got)
	}
	for _, r := range rs {
		if r.Timestamp.IsZero() {
			t.Errorf("%s: zero timestamp", r.Name)
		}
	}
}

func TestEngineSkipPolicy(t *testing.T) {
	optional := fail("opt")
	optional.optional = true
	timeout := &fakeProbe{name: "slow", limit: 20 * time.Millisecond, run: func(ctx context.Context) Result {
		<-ctx.Done()
		return fromError(ctx.Err())
	}}

	tests := []struct {
		name   string
		probes []Probe
		want   string
	}{
		{"required failure skips rest", []Probe{succeed("a"), fail("b"), succeed("c"), succeed("d")},
			"a=success,b=failure,c=skipped,d=skipped"},
		{"optional failure continues", []Probe{optional, succeed("b")},
			"opt=failure,b=success"},
		{"timeout skips rest", []Probe{timeout, succeed("b")},
			"slow=timeout,b=skipped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := NewEngine(nil, tt.probes...).Run(context.Background(), Env{}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := outcomes(rs); got != tt.want {
				t.Errorf("results = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEngineSkippedProbesNeverRun(t *testing.T) {
	later := succeed("later")
	_, _ = NewEngine(nil, fail("first"), later).Run(context.Background(), Env{}, nil)
	if n := later.calls.Load(); n != 0 {
		t.Errorf("skipped probe ran %d times", n)
	}
}

func TestEngineRecoversPanic(t *testing.T) {
	bad := &fakeProbe{name: "bad", run: func(context.Context) Result { panic("nil map") }}
	rs, err := NewEngine(nil, bad, succeed("b")).Run(context.Background(), Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rs[0].Outcome != Failure || !strings.Contains(rs[0].Reason, "nil map") {
		t.Errorf("panic result = %+v", rs[0])
	}
	if rs[1].Outcome != Skipped {
		t.Errorf("later probe = %s, want skipped", rs[1].Outcome)
	}
}

func TestEngineEmptyOutcomeIsFailure(t *testing.T) {
	blank := &fakeProbe{name: "blank", run: func(context.Context) Result { return Result{} }}
	rs, _ := NewEngine(nil, blank).Run(context.Background(), Env{}, nil)
	if rs[0].Outcome != Failure {
		t.Errorf("outcome = %s", rs[0].Outcome)
	}
}

func TestEngineProcessCrash(t *testing.T) {
	var crashed atomic.Bool
	crash := errors.New("exit status 3")
	alive := func() error {
		if crashed.Load() {
			return crash
		}
		return nil
	}
	first := &fakeProbe{name: "a", run: func(context.Context) Result {
		crashed.Store(true)
		return Result{Outcome: Success}
	}}
	third := succeed("c")

	rs, err := NewEngine(nil, first, succeed("b"), third).Run(context.Background(), Env{}, alive)
	if !errors.Is(err, ErrProcessCrashed) || !errors.Is(err, crash) {
		t.Fatalf("err = %v, want ErrProcessCrashed wrapping the exit", err)
	}
	if got := outcomes(rs); got != "a=success,b=skipped,c=skipped" {
		t.Errorf("results = %s", got)
	}
	if third.calls.Load() != 0 {
		t.Error("probe ran after crash")
	}
}

func TestEngineCrashExplainsFailure(t *testing.T) {
	alive := func() error { return nil }
	var dead atomic.Bool
	optional := &fakeProbe{name: "a", optional: true, run: func(context.Context) Result {
		dead.Store(true)
		return Result{Outcome: Failure, Reason: "connection reset"}
	}}
	check := func() error {
		if dead.Load() {
			return errors.New("killed")
		}
		return alive()
	}
	rs, err := NewEngine(nil, optional, succeed("b")).Run(context.Background(), Env{}, check)
	if !errors.Is(err, ErrProcessCrashed) {
		t.Fatalf("err = %v", err)
	}
	if rs[1].Outcome != Skipped {
		t.Errorf("b = %s, want skipped", rs[1].Outcome)
	}
}

func TestEngineCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeProbe{name: "a", run: func(context.Context) Result {
		cancel()
		return Result{Outcome: Success}
	}}
	rs, err := NewEngine(nil, first, succeed("b")).Run(ctx, Env{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if got := outcomes(rs); got != "a=success,b=skipped" {
		t.Errorf("results = %s", got)
	}
}

// ---------------------------------------------------------------------------
// Probes through a SOCKS5 proxy
// ---------------------------------------------------------------------------

func TestReachability(t *testing.T) {
	env, srv := startProxy(t)
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()
	addr := ts.Listener.Addr().String()
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())

	tests := []struct {
		name  string
		probe *Reachability
		want  Outcome
	}{
		{"tcp only", &Reachability{Addr: addr}, Success},
		{"tls", &Reachability{Addr: addr, TLS: true, ServerName: "example.com", RootCAs: pool}, Success},
		{"tls untrusted", &Reachability{Addr: addr, TLS: true, ServerName: "example.com"}, Failure},
		{"bad address", &Reachability{Addr: "no-port"}, Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.probe.Timeout())
			defer cancel()
			r := tt.probe.Run(ctx, env)
			if r.Outcome != tt.want {
				t.Fatalf("outcome = %s (%s), want %s", r.Outcome, r.Reason, tt.want)
			}
			if r.Outcome == Success && r.Latency <= 0 {
				t.Error("latency not recorded")
			}
		})
	}
	if srv.Connects() == 0 {
		t.Error("probe bypassed the proxy")
	}
}

func TestReachabilityProxyDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	env := Env{Proxy: netip.MustParseAddrPort(l.Addr().String())}
	l.Close()

	r := (&Reachability{Addr: "example.com:443"}).Run(context.Background(), env)
	if r.Outcome != Failure {
		t.Errorf("outcome = %s, want failure", r.Outcome)
	}
}

func TestRoundTrip(t *testing.T) {
	env, _ := startProxy(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_204", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/generate_204", http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tests := []struct {
		name  string
		probe *RoundTrip
		want  Outcome
	}{
		{"204", &RoundTrip{URL: ts.URL + "/generate_204"}, Success},
		{"503", &RoundTrip{URL: ts.URL + "/down"}, Failure},
		{"503 expected", &RoundTrip{URL: ts.URL + "/down", ExpectStatus: []int{503}}, Success},
		{"redirect not followed", &RoundTrip{URL: ts.URL + "/redirect"}, Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.probe.Run(context.Background(), env)
			if r.Outcome != tt.want {
				t.Fatalf("outcome = %s (%s), want %s", r.Outcome, r.Reason, tt.want)
			}
			if r.Latency <= 0 {
				t.Error("latency not recorded")
			}
		})
	}
}

func TestRoundTripTimeout(t *testing.T) {
	env, _ := startProxy(t)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	p := &RoundTrip{URL: ts.URL, Limit: 100 * time.Millisecond}
	rs, _ := NewEngine(nil, p).Run(context.Background(), env, nil)
	if rs[0].Outcome != Timeout {
		t.Errorf("outcome = %s (%s), want timeout", rs[0].Outcome, rs[0].Reason)
	}
}

func TestThroughput(t *testing.T) {
	env, _ := startProxy(t)
	payload := strings.Repeat("x", 256*1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer ts.Close()

	p := &Throughput{URL: ts.URL, MinBytesPerSec: 1}
	r := p.Run(context.Background(), env)
	if r.Outcome != Success {
		t.Fatalf("outcome = %s (%s)", r.Outcome, r.Reason)
	}
	if r.Bytes != int64(len(payload)) || r.Throughput <= 0 {
		t.Errorf("bytes=%d throughput=%v", r.Bytes, r.Throughput)
	}

	capped := &Throughput{URL: ts.URL, MaxBytes: 1000, MinBytesPerSec: 1}
	if r := capped.Run(context.Background(), env); r.Bytes != 1000 {
		t.Errorf("capped bytes = %d, want 1000", r.Bytes)
	}
}

func TestThroughputWindow(t *testing.T) {
	env, _ := startProxy(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for {
			if _, err := w.Write([]byte("tick")); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer ts.Close()

	p := &Throughput{URL: ts.URL, Window: 200 * time.Millisecond, MinBytesPerSec: 10 * MB}
	r := p.Run(context.Background(), env)
	if r.Outcome != Failure {
		t.Fatalf("outcome = %s (%s), want failure below minimum", r.Outcome, r.Reason)
	}
	if !strings.Contains(r.Reason, "below minimum") {
		t.Errorf("reason = %q", r.Reason)
	}
	if r.Bytes == 0 || r.Latency < 200*time.Millisecond {
		t.Errorf("bytes=%d elapsed=%s", r.Bytes, r.Latency)
	}
}

func TestStandard(t *testing.T) {
	var names []string
	for _, p := range Standard(DefaultSettings()) {
		names = append(names, p.Name())
	}
	if got := strings.Join(names, ","); got != "reachability,roundtrip,throughput" {
		t.Errorf("order = %s", got)
	}
	s := DefaultSettings()
	s.SkipThroughput = true
	if n := len(Standard(s)); n != 2 {
		t.Errorf("len = %d with throughput skipped", n)
	}
}
