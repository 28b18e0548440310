package tunnelcheck

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhangyunhao116/tunnelcheck/internal/testutil"
	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/notworkers"
	"github.com/zhangyunhao116/tunnelcheck/probe"
	"github.com/zhangyunhao116/tunnelcheck/report"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

func TestMain(m *testing.M) {
	testutil.MaybeRunFakeProxy()
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const upstreamIP = "203.0.113.7"

type staticResolver map[string][]netip.Addr

func (s staticResolver) LookupAddrs(_ context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

var testResolver = staticResolver{
	"upstream.example.com": {netip.MustParseAddr(upstreamIP)},
}

func vlessTarget(name string) target.ProxyTarget {
	return target.ProxyTarget{
		Name:     name,
		Protocol: target.VLESS,
		Host:     "upstream.example.com",
		Port:     443,
		ID:       "4525c260-df3c-4f62-b8f1-f4f5f305694b",
	}
}

func hysteriaTarget(name string) target.ProxyTarget {
	return target.ProxyTarget{
		Name:     name,
		Protocol: target.Hysteria,
		Host:     upstreamIP,
		Port:     8443,
		Password: "secret",
	}
}

// testConfig returns a config whose binaries are the fake proxy.
func testConfig(t *testing.T, targets ...target.ProxyTarget) *Config {
	t.Helper()
	bin, err := testutil.Binary()
	if err != nil {
		t.Fatal(err)
	}
	base, err := testutil.FreePort()
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Targets = targets
	cfg.XrayPath = bin
	cfg.HysteriaPath = bin
	cfg.StateDir = t.TempDir()
	cfg.ConfigDir = t.TempDir()
	cfg.BasePort = int(base.Port())
	cfg.ReadyTimeout = 5 * time.Second
	cfg.StopTimeout = 500 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DNSServers = []string{"192.0.2.53"}
	return cfg
}

// roundTrip returns a probe fetching a local server through the proxy.
func roundTrip(t *testing.T, status int) probe.Probe {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return &probe.RoundTrip{URL: srv.URL, Limit: 5 * time.Second}
}

type sleepProbe struct{ d time.Duration }

func (p sleepProbe) Name() string           { return "sleep" }
func (p sleepProbe) Required() bool         { return true }
func (p sleepProbe) Timeout() time.Duration { return 5 * time.Second }
func (p sleepProbe) Run(ctx context.Context, _ probe.Env) probe.Result {
	select {
	case <-time.After(p.d):
		return probe.Result{Outcome: probe.Failure, Reason: "upstream closed"}
	case <-ctx.Done():
		return probe.Result{Outcome: probe.Timeout}
	}
}

type memorySink struct {
	mu      sync.Mutex
	reports []report.CheckReport
}

func (s *memorySink) Write(r report.CheckReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type countryStub string

func (c countryStub) Country(netip.Addr) (string, error) { return string(c), nil }

func newHarness(t *testing.T, cfg *Config, mem *isolation.MemoryBackend, mode string, opts ...Option) *Harness {
	t.Helper()
	opts = append([]Option{
		WithBackend(mem),
		WithResolver(testResolver),
		WithSupervisorEnv(testutil.Env(mode)...),
	}, opts...)
	h, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNewNilConfig(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(cfg); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestNewDeepCopiesConfig(t *testing.T) {
	cfg := testConfig(t, vlessTarget("a"))
	h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeOK)
	cfg.Targets[0].Name = "mutated"
	if h.cfg.Targets[0].Name != "a" {
		t.Errorf("harness config aliased caller's targets")
	}
}

func TestNewOpensNotworkers(t *testing.T) {
	cfg := testConfig(t, vlessTarget("a"))
	cfg.NotworkersDB = filepath.Join(t.TempDir(), "nw.db")
	h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeOK)
	if h.history == nil || !h.ownHistory {
		t.Fatal("history store not opened")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewBadGeoIPDB(t *testing.T) {
	cfg := testConfig(t, vlessTarget("a"))
	cfg.GeoIPDB = filepath.Join(t.TempDir(), "missing.mmdb")
	_, err := New(cfg, WithBackend(isolation.NewMemory()), WithResolver(testResolver))
	if !errors.Is(err, ErrFatalSetup) {
		t.Fatalf("err = %v, want ErrFatalSetup", err)
	}
}

func TestNewBackend(t *testing.T) {
	for _, name := range []string{"", "auto", "iptables"} {
		if b, err := NewBackend(&Config{Backend: name}, nil); err != nil || b == nil {
			t.Errorf("NewBackend(%q) = %v, %v", name, b, err)
		}
	}
	if _, err := NewBackend(&Config{Backend: "nftables"}, nil); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRunPassAndMissingBinary(t *testing.T) {
	good := vlessTarget("good")
	missing := hysteriaTarget("missing")
	missing.Binary = filepath.Join(t.TempDir(), "no-such-hysteria")

	mem := isolation.NewMemory()
	sink := &memorySink{}
	h := newHarness(t, testConfig(t, good, missing), mem, testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusNoContent)),
		WithReportSink(sink),
		WithGeo(countryStub("NL")),
	)

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != report.StatusPartialFailure || sum.ExitCode() != report.ExitFail {
		t.Errorf("status = %s exit = %d, want partial_failure/1", sum.Status, sum.ExitCode())
	}
	if sum.RunID == "" || sum.Backend != "memory" {
		t.Errorf("run id %q backend %q", sum.RunID, sum.Backend)
	}
	if len(sum.Reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(sum.Reports))
	}

	pass := sum.Reports[0]
	if pass.Verdict != report.Pass || pass.Tier != report.TierNone {
		t.Errorf("good: verdict %s tier %q error %q", pass.Verdict, pass.Tier, pass.Error)
	}
	if pass.Country != "NL" {
		t.Errorf("good: country = %q, want NL", pass.Country)
	}
	if len(pass.Results) != 1 || !pass.Results[0].OK() {
		t.Errorf("good: results = %+v", pass.Results)
	}

	bad := sum.Reports[1]
	if bad.Verdict != report.Error || bad.Tier != report.TierFatalSetup {
		t.Errorf("missing: verdict %s tier %q", bad.Verdict, bad.Tier)
	}
	if !strings.Contains(bad.Error, "binary") {
		t.Errorf("missing: error %q does not name the binary", bad.Error)
	}

	if mem.Installs() != 1 || mem.Removes() != 1 {
		t.Errorf("installs = %d removes = %d, want 1/1", mem.Installs(), mem.Removes())
	}
	if len(sink.reports) != 2 {
		t.Errorf("sink got %d reports, want 2", len(sink.reports))
	}
}

func TestRunHysteriaPasses(t *testing.T) {
	mem := isolation.NewMemory()
	h := newHarness(t, testConfig(t, hysteriaTarget("hy")), mem, testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusOK)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != report.StatusPass || sum.ExitCode() != report.ExitPass {
		t.Errorf("status = %s, report = %+v", sum.Status, sum.Reports[0])
	}
}

func TestRunIsolationFailure(t *testing.T) {
	mem := isolation.NewMemory()
	mem.InstallErr = errors.New("permission denied")
	h := newHarness(t, testConfig(t, vlessTarget("a")), mem, testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if !errors.Is(err, ErrFatalSetup) || !errors.Is(err, isolation.ErrIsolation) {
		t.Fatalf("err = %v, want fatal isolation error", err)
	}
	if sum.Status != report.StatusFatal || sum.ExitCode() != report.ExitFatal {
		t.Errorf("status = %s exit = %d", sum.Status, sum.ExitCode())
	}
	if len(sum.Reports) != 0 {
		t.Errorf("reports = %d, want none", len(sum.Reports))
	}
	if Tier(err) != report.TierFatalSetup {
		t.Errorf("Tier = %s", Tier(err))
	}
}

func TestRunStrictAborts(t *testing.T) {
	missing := vlessTarget("missing")
	missing.Binary = filepath.Join(t.TempDir(), "no-such-xray")
	cfg := testConfig(t, missing, vlessTarget("never"))
	cfg.Strict = true

	mem := isolation.NewMemory()
	h := newHarness(t, cfg, mem, testutil.ModeOK, WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if !errors.Is(err, ErrRunAborted) {
		t.Fatalf("err = %v, want ErrRunAborted", err)
	}
	if got := sum.Reports[1].Error; got != "not run: run aborted" {
		t.Errorf("second report error = %q", got)
	}
	if sum.Status != report.StatusFatal || sum.ExitCode() != report.ExitFatal {
		t.Errorf("status = %s exit = %d, want fatal", sum.Status, sum.ExitCode())
	}
	if mem.Removes() != 1 {
		t.Errorf("removes = %d, want 1", mem.Removes())
	}
}

func TestRunStrictAbortAfterProbes(t *testing.T) {
	missing := vlessTarget("missing")
	missing.Binary = filepath.Join(t.TempDir(), "no-such-xray")
	tests := []struct {
		name     string
		upstream int
		want     report.Status
		wantCode int
	}{
		{"after a pass", http.StatusNoContent, report.StatusPartialFailure, report.ExitFail},
		{"after a probe failure", http.StatusBadGateway, report.StatusAllFailed, report.ExitFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, vlessTarget("first"), missing, vlessTarget("never"))
			cfg.Strict = true
			h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeOK, WithProbes(roundTrip(t, tt.upstream)))

			sum, err := h.Run(context.Background())
			if !errors.Is(err, ErrRunAborted) {
				t.Fatalf("err = %v, want ErrRunAborted", err)
			}
			if sum.Status != tt.want || sum.ExitCode() != tt.wantCode {
				t.Errorf("status = %s exit = %d, want %s %d", sum.Status, sum.ExitCode(), tt.want, tt.wantCode)
			}
		})
	}
}

func TestRunNonStrictContinues(t *testing.T) {
	bad := vlessTarget("bad")
	bad.ID = "not-a-uuid"
	h := newHarness(t, testConfig(t, bad, vlessTarget("good")), isolation.NewMemory(), testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reports[0].Tier != report.TierFatalSetup {
		t.Errorf("bad tier = %q", sum.Reports[0].Tier)
	}
	if !sum.Reports[1].Passed() {
		t.Errorf("good verdict = %s: %s", sum.Reports[1].Verdict, sum.Reports[1].Error)
	}
}

func TestRunCrashOnStartup(t *testing.T) {
	h := newHarness(t, testConfig(t, vlessTarget("a")), isolation.NewMemory(), testutil.ModeCrash,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := sum.Reports[0]
	if r.Verdict != report.Crashed || r.Tier != report.TierProcess {
		t.Errorf("verdict %s tier %q", r.Verdict, r.Tier)
	}
	if !strings.Contains(r.Error, testutil.CrashMessage) {
		t.Errorf("error %q lacks process output", r.Error)
	}
	if sum.Status != report.StatusAllFailed {
		t.Errorf("status = %s", sum.Status)
	}
}

func TestRunStartupTimeout(t *testing.T) {
	cfg := testConfig(t, vlessTarget("a"))
	cfg.ReadyTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeNeverBind,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, _ := h.Run(context.Background())
	r := sum.Reports[0]
	if r.Verdict != report.Fail || r.Tier != report.TierProcess {
		t.Errorf("verdict %s tier %q error %q", r.Verdict, r.Tier, r.Error)
	}
}

func TestRunCrashDuringProbes(t *testing.T) {
	h := newHarness(t, testConfig(t, vlessTarget("a")), isolation.NewMemory(), testutil.ModeCrashAfterReady,
		WithSupervisorEnv(testutil.CrashAfterEnv+"=100ms"),
		WithProbes(sleepProbe{d: 500 * time.Millisecond}, roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := sum.Reports[0]
	if r.Verdict != report.Crashed || r.Tier != report.TierProcess {
		t.Fatalf("verdict %s tier %q error %q", r.Verdict, r.Tier, r.Error)
	}
	if len(r.Results) != 2 || r.Results[1].Outcome != probe.Skipped {
		t.Errorf("results = %+v", r.Results)
	}
}

func TestRunProbeFailure(t *testing.T) {
	h := newHarness(t, testConfig(t, vlessTarget("a")), isolation.NewMemory(), testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusServiceUnavailable)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := sum.Reports[0]
	if r.Verdict != report.Fail || r.Tier != report.TierProbe {
		t.Errorf("verdict %s tier %q", r.Verdict, r.Tier)
	}
	if !strings.HasPrefix(r.Error, "probe roundtrip:") {
		t.Errorf("error = %q", r.Error)
	}
}

func TestRunExcluded(t *testing.T) {
	tests := []struct {
		name    string
		exclude string
		want    report.Verdict
	}{
		{"host", "upstream.example.com", report.Excluded},
		{"host and port", "upstream.example.com:443", report.Excluded},
		{"other port", "upstream.example.com:8443", report.Pass},
		{"other host", "other.example.com", report.Pass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, vlessTarget("a"))
			cfg.Exclude = []string{tt.exclude}
			h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeOK,
				WithProbes(roundTrip(t, http.StatusNoContent)))

			sum, err := h.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := sum.Reports[0].Verdict; got != tt.want {
				t.Errorf("verdict = %s, want %s", got, tt.want)
			}
			if sum.Status != report.StatusPass {
				t.Errorf("status = %s", sum.Status)
			}
		})
	}
}

func TestRunRecordsHistory(t *testing.T) {
	store, err := notworkers.Open(filepath.Join(t.TempDir(), "nw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	key := vlessTarget("a").Key()

	h := newHarness(t, testConfig(t, vlessTarget("a")), isolation.NewMemory(), testutil.ModeOK,
		WithNotworkers(store), WithProbes(roundTrip(t, http.StatusServiceUnavailable)))
	if _, err := h.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Contains(ctx, key); !ok {
		t.Fatal("failure not recorded")
	}

	h = newHarness(t, testConfig(t, vlessTarget("a")), isolation.NewMemory(), testutil.ModeOK,
		WithNotworkers(store), WithProbes(roundTrip(t, http.StatusNoContent)))
	if _, err := h.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Contains(ctx, key); ok {
		t.Error("pass did not clear the failure")
	}
}

func TestRunSkipKnownBad(t *testing.T) {
	store, err := notworkers.Open(filepath.Join(t.TempDir(), "nw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Upsert(ctx, vlessTarget("a").Key(), "", "manual"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ttl  time.Duration
		want report.Verdict
	}{
		{"recent failure", time.Hour, report.Excluded},
		{"no ttl", 0, report.Excluded},
		{"expired", time.Nanosecond, report.Pass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, vlessTarget("a"))
			cfg.SkipKnownBad = true
			cfg.KnownBadTTL = tt.ttl
			if tt.ttl == time.Nanosecond {
				orig := nowFn
				nowFn = func() time.Time { return orig().Add(time.Hour) }
				t.Cleanup(func() { nowFn = orig })
			}
			h := newHarness(t, cfg, isolation.NewMemory(), testutil.ModeOK,
				WithNotworkers(store), WithProbes(roundTrip(t, http.StatusNoContent)))

			sum, err := h.Run(ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := sum.Reports[0].Verdict; got != tt.want {
				t.Errorf("verdict = %s (%s), want %s", got, sum.Reports[0].Error, tt.want)
			}
			if tt.want == report.Pass {
				// A pass clears the entry; put it back for later cases.
				_ = store.Upsert(ctx, vlessTarget("a").Key(), "", "manual")
			}
		})
	}
}

func TestRunParallel(t *testing.T) {
	targets := []target.ProxyTarget{
		vlessTarget("a"), hysteriaTarget("b"), vlessTarget("c"), hysteriaTarget("d"),
	}
	for i := range targets {
		targets[i].Port += i
	}
	cfg := testConfig(t, targets...)
	cfg.Parallelism = 3
	mem := isolation.NewMemory()
	h := newHarness(t, cfg, mem, testutil.ModeOK, WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range sum.Reports {
		if r.Target != targets[i].Key() {
			t.Errorf("report %d is %s, want %s", i, r.Target, targets[i].Key())
		}
		if !r.Passed() {
			t.Errorf("%s: %s %s", r.Target, r.Verdict, r.Error)
		}
	}
	if h.ports.InUse() != 0 {
		t.Errorf("ports in use after run: %d", h.ports.InUse())
	}
	if mem.Installs() != 1 || mem.Removes() != 1 {
		t.Errorf("installs = %d removes = %d", mem.Installs(), mem.Removes())
	}
}

// reportSignal closes done once the report for key has been emitted.
type reportSignal struct {
	key  string
	done chan struct{}
	once sync.Once
}

func (s *reportSignal) Write(r report.CheckReport) error {
	if r.Target == s.key {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

// upstreamHeld holds two targets together, lets "first" finish, then checks
// from "second" that the shared upstream is still admitted.
type upstreamHeld struct {
	mem      *isolation.MemoryBackend
	ready    sync.WaitGroup
	released <-chan struct{}
}

func (p *upstreamHeld) Name() string           { return "upstream_held" }
func (p *upstreamHeld) Required() bool         { return true }
func (p *upstreamHeld) Timeout() time.Duration { return 5 * time.Second }

func (p *upstreamHeld) Run(ctx context.Context, env probe.Env) probe.Result {
	p.ready.Done()
	both := make(chan struct{})
	go func() {
		p.ready.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-ctx.Done():
		return probe.Result{Outcome: probe.Timeout, Reason: "targets did not overlap"}
	}
	if env.Target == "first" {
		return probe.Result{Outcome: probe.Success}
	}
	select {
	case <-p.released:
	case <-ctx.Done():
		return probe.Result{Outcome: probe.Timeout, Reason: "first target never finished"}
	}
	if !p.mem.Permits(netip.MustParseAddr(upstreamIP), 443, isolation.ProtoTCP) {
		return probe.Result{Outcome: probe.Failure, Reason: "upstream revoked while in use"}
	}
	return probe.Result{Outcome: probe.Success}
}

func TestRunParallelSharedUpstream(t *testing.T) {
	first := vlessTarget("first")
	second := vlessTarget("second")
	second.Host = upstreamIP
	second.ID = "9d0c3b1a-77e2-4f6a-8c55-0e6d2f1b4a90"
	cfg := testConfig(t, first, second)
	cfg.Parallelism = 2

	mem := isolation.NewMemory()
	sig := &reportSignal{key: first.Key(), done: make(chan struct{})}
	check := &upstreamHeld{mem: mem, released: sig.done}
	check.ready.Add(2)
	h := newHarness(t, cfg, mem, testutil.ModeOK, WithProbes(check), WithReportSink(sig))

	sum, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range sum.Reports {
		if !r.Passed() {
			t.Errorf("%s: %s %s %+v", r.Name, r.Verdict, r.Error, r.Results)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	mem := isolation.NewMemory()
	h := newHarness(t, testConfig(t, vlessTarget("a"), hysteriaTarget("b")), mem, testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := h.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !sum.Partial {
		t.Error("summary not marked partial")
	}
	for _, r := range sum.Reports {
		if r.Error != "not run: run canceled" {
			t.Errorf("%s: error = %q", r.Target, r.Error)
		}
	}
	if mem.Removes() != 1 {
		t.Errorf("removes = %d, want 1", mem.Removes())
	}
}

func TestRunRevertFailure(t *testing.T) {
	mem := isolation.NewMemory()
	mem.RemoveErr = errors.New("iptables: resource busy")
	h := newHarness(t, testConfig(t, vlessTarget("a")), mem, testutil.ModeOK,
		WithProbes(roundTrip(t, http.StatusNoContent)))

	sum, err := h.Run(context.Background())
	if !errors.Is(err, ErrRevertFailed) || !errors.Is(err, isolation.ErrIsolation) {
		t.Fatalf("err = %v, want ErrRevertFailed", err)
	}
	if !strings.Contains(err.Error(), sum.RunID) {
		t.Errorf("error %q does not name run %s", err, sum.RunID)
	}
	if !sum.Reports[0].Passed() {
		t.Errorf("verdict = %s", sum.Reports[0].Verdict)
	}

	// The run id lets a later invocation clean up.
	mem.RemoveErr = nil
	if err := h.Controller().RevertRun(context.Background(), sum.RunID); err != nil {
		t.Fatalf("RevertRun: %v", err)
	}
}
