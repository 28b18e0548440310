package tunnelcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhangyunhao116/tunnelcheck/geo"
	"github.com/zhangyunhao116/tunnelcheck/internal/portpool"
	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/notworkers"
	"github.com/zhangyunhao116/tunnelcheck/probe"
	"github.com/zhangyunhao116/tunnelcheck/render"
	"github.com/zhangyunhao116/tunnelcheck/report"
	"github.com/zhangyunhao116/tunnelcheck/supervise"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// historySource tags failure history rows written by the harness.
const historySource = "tunnelcheck"

// portSpare is how many ports beyond Parallelism the pool holds, so a
// port bound by something else does not starve a worker.
const portSpare = 32

// nowFn is replaced in tests.
var nowFn = time.Now

// Harness verifies a set of proxy targets inside one isolation session.
type Harness struct {
	cfg      Config
	logger   *slog.Logger
	ctrl     *isolation.Controller
	sup      *supervise.Supervisor
	probes   []probe.Probe
	required map[string]bool
	ports    *portpool.Pool
	excludes []exclusion
	sink     ReportSink

	history    *notworkers.Store
	ownHistory bool
	countries  CountryLookup
	geoDB      *geo.DB

	closeOnce sync.Once
	closeErr  error
}

// NewBackend returns the firewall backend named by cfg.Backend.
func NewBackend(cfg *Config, logger *slog.Logger) (isolation.Backend, error) {
	switch cfg.Backend {
	case "", "auto", "iptables":
		return isolation.Detect(logger, isolation.IPv6Disabled(cfg.IPv6Disabled)), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfigInvalid, cfg.Backend)
	}
}

// New validates cfg and returns a Harness. The config is deep-copied.
// Databases named in cfg are opened here and closed by Close.
func New(cfg *Config, opts ...Option) (*Harness, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	c := deepCopyConfig(cfg)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := o.backend
	if backend == nil {
		b, err := NewBackend(&c, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	resolver := o.resolver
	if resolver == nil {
		resolver = isolation.NewDNSResolver(c.DNSServers, 0)
	}
	ctrl, err := isolation.NewController(isolation.ControllerConfig{
		Backend:    backend,
		Resolver:   resolver,
		StateDir:   c.StateDir,
		AllowDNS:   c.AllowDNS,
		DNSServers: c.dnsServers(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	ports, err := portpool.New(netip.MustParseAddr(c.ListenAddr), c.BasePort, c.Parallelism+portSpare)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	probes := o.probes
	if probes == nil {
		probes = probe.Standard(c.Probes)
	}
	required := make(map[string]bool, len(probes))
	for _, p := range probes {
		required[p.Name()] = p.Required()
	}

	excludes := make([]exclusion, 0, len(c.Exclude))
	for _, e := range c.Exclude {
		ex, _ := parseExclude(e)
		excludes = append(excludes, ex)
	}

	h := &Harness{
		cfg:    c,
		logger: logger,
		ctrl:   ctrl,
		sup: supervise.New(supervise.Config{
			ReadyTimeout: c.ReadyTimeout,
			StopTimeout:  c.StopTimeout,
			PollInterval: c.PollInterval,
			Env:          o.env,
			Logger:       logger,
		}),
		probes:    probes,
		required:  required,
		ports:     ports,
		excludes:  excludes,
		sink:      o.sink,
		history:   o.history,
		countries: o.countries,
	}

	if h.history == nil && c.NotworkersDB != "" {
		s, err := notworkers.Open(c.NotworkersDB)
		if err != nil {
			return nil, &FatalSetupError{Stage: "notworkers", Err: err}
		}
		h.history, h.ownHistory = s, true
	}
	if h.countries == nil && c.GeoIPDB != "" {
		db, err := geo.Open(c.GeoIPDB)
		if err != nil {
			h.Close()
			return nil, &FatalSetupError{Stage: "geoip", Err: err}
		}
		h.countries, h.geoDB = db, db
	}
	return h, nil
}

// Close releases the databases New opened. It is safe to call more than
// once.
func (h *Harness) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		if h.ownHistory {
			errs = append(errs, h.history.Close())
		}
		errs = append(errs, h.geoDB.Close())
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

// Controller returns the isolation controller, for reverting stale runs.
func (h *Harness) Controller() *isolation.Controller { return h.ctrl }

// run is the state shared by every target of one Run.
type run struct {
	st     *isolation.State
	dir    string
	logger *slog.Logger
}

// Run applies isolation, checks every target and reverts isolation. The
// returned summary is never nil.
//
// If isolation cannot be applied the summary is fatal and no proxy is
// started. If ctx is canceled the targets not yet checked are reported as
// not run, the summary is marked partial and ctx.Err() is returned. A
// strict run stopped at a setup failure returns an error wrapping
// ErrRunAborted. A failed revert is joined into the returned error as
// ErrRevertFailed.
func (h *Harness) Run(ctx context.Context) (sum *report.Summary, err error) {
	sum = &report.Summary{StartedAt: nowFn().UTC(), Backend: h.ctrl.Backend().Name()}

	st, err := h.ctrl.Apply(ctx, h.cfg.Whitelist)
	if err != nil {
		err = &FatalSetupError{Stage: "isolation", Err: err}
		h.logger.Error("cannot apply isolation", "backend", sum.Backend, "error", err)
		sum.Status = report.StatusFatal
		sum.Error = err.Error()
		sum.FinishedAt = nowFn().UTC()
		return sum, err
	}
	sum.RunID = st.RunID()
	logger := h.logger.With("run_id", st.RunID())

	defer func() {
		if rerr := st.Revert(context.WithoutCancel(ctx)); rerr != nil {
			logger.Error("isolation revert failed",
				"error", rerr,
				"recover", "tunnelcheck revert -run-id "+st.RunID())
			rerr = fmt.Errorf("%w: run %s: %w", ErrRevertFailed, st.RunID(), rerr)
			err = errors.Join(err, rerr)
			sum.Error = err.Error()
		}
		sum.FinishedAt = nowFn().UTC()
	}()

	dir, cleanup, err := h.configDir()
	if err != nil {
		err = &FatalSetupError{Stage: "config_dir", Err: err}
		sum.Status = report.StatusFatal
		sum.Error = err.Error()
		return sum, err
	}
	defer cleanup()

	logger.Info("run started", "targets", len(h.cfg.Targets), "parallelism", h.cfg.Parallelism)
	r := &run{st: st, dir: dir, logger: logger}
	sum.Reports, err = h.checkAll(ctx, r)
	sum.Partial = ctx.Err() != nil
	sum.Finalize()
	if errors.Is(err, ErrRunAborted) && !sum.ProbesRan() {
		// Aborted on a setup failure before anything was verified.
		sum.Status = report.StatusFatal
	}
	if err != nil {
		sum.Error = err.Error()
	}

	passed, failed, excluded := sum.Counts()
	logger.Info("run finished",
		"status", sum.Status,
		"passed", passed,
		"failed", failed,
		"excluded", excluded,
		"partial", sum.Partial,
	)
	return sum, err
}

func (h *Harness) configDir() (string, func(), error) {
	if h.cfg.ConfigDir != "" {
		return h.cfg.ConfigDir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "tunnelcheck-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// checkAll checks the targets, at most Parallelism at a time. Reports are
// in target order.
func (h *Harness) checkAll(ctx context.Context, r *run) ([]report.CheckReport, error) {
	targets := h.cfg.Targets
	reports := make([]report.CheckReport, len(targets))
	checked := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for i, t := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rep, err := h.check(gctx, r, t)
			reports[i], checked[i] = rep, true
			if err != nil && h.cfg.Strict && abortsStrictRun(err) {
				return fmt.Errorf("%w at %s: %w", ErrRunAborted, t.Label(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	reason := "run canceled"
	if errors.Is(err, ErrRunAborted) {
		reason = "run aborted"
	}
	for i, t := range targets {
		if !checked[i] {
			reports[i] = notRun(t, reason)
		}
	}
	return reports, err
}

func notRun(t target.ProxyTarget, reason string) report.CheckReport {
	return report.CheckReport{
		Target:   t.Key(),
		Name:     t.Name,
		Protocol: string(t.Protocol),
		Verdict:  report.Error,
		Error:    "not run: " + reason,
	}
}

// check verifies one target. The returned error is the setup or process
// error behind a non-passing verdict, if any; probe failures are only
// recorded in the report.
func (h *Harness) check(ctx context.Context, r *run, t target.ProxyTarget) (rep report.CheckReport, err error) {
	start := nowFn()
	logger := r.logger.With("target", t.Label())
	rep = report.CheckReport{
		Target:    t.Key(),
		Name:      t.Name,
		Protocol:  string(t.Protocol),
		StartedAt: start.UTC(),
	}
	defer func() {
		rep.Duration = nowFn().Sub(start)
		if err != nil {
			rep.Tier = Tier(err)
			rep.Error = err.Error()
		}
		h.emit(rep, logger)
	}()

	if reason, ok := h.skip(ctx, t); ok {
		rep.Verdict = report.Excluded
		rep.Error = reason
		return rep, nil
	}

	fail := func(v report.Verdict, e error) (report.CheckReport, error) {
		rep.Verdict = v
		return rep, e
	}

	if err := t.Validate(); err != nil {
		return fail(report.Error, &FatalSetupError{Stage: "target", Err: err})
	}
	variant, err := render.Lookup(t.Protocol)
	if err != nil {
		return fail(report.Error, &FatalSetupError{Stage: "render", Err: err})
	}

	grant, err := r.st.Grant(ctx, []isolation.Rule{{
		Host:  t.Host,
		Port:  t.Port,
		Proto: variant.UpstreamProto(),
	}})
	if err != nil {
		return fail(report.Error, &FatalSetupError{Stage: "grant", Err: err})
	}
	defer func() {
		if err := grant.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cannot release upstream grant", "error", err)
		}
	}()
	rep.Country = h.country(grant.Entries(), logger)

	listen, err := h.ports.Take()
	if err != nil {
		return fail(report.Error, &FatalSetupError{Stage: "port", Err: err})
	}
	defer h.ports.Release(listen)

	handle, err := render.Materialize(t, listen, r.dir)
	if err != nil {
		return fail(report.Error, &FatalSetupError{Stage: "render", Err: err})
	}
	defer func() {
		if err := handle.Remove(); err != nil {
			logger.Warn("cannot remove rendered config", "path", handle.Path, "error", err)
		}
	}()

	binary := h.cfg.binaryFor(t)
	proc, err := h.sup.Start(ctx, binary, r.st, handle)
	if err != nil {
		switch {
		case errors.Is(err, supervise.ErrBinaryNotFound):
			return fail(report.Error, &FatalSetupError{Stage: "binary", Err: err})
		case errors.Is(err, supervise.ErrIsolationInactive):
			return fail(report.Error, &FatalSetupError{Stage: "isolation", Err: err})
		case errors.Is(err, supervise.ErrCrashedOnStartup):
			h.remember(ctx, t, logger)
			return fail(report.Crashed, &ProcessError{Target: t.Key(), Err: err})
		case ctx.Err() != nil:
			return fail(report.Error, err)
		default:
			h.remember(ctx, t, logger)
			return fail(report.Fail, &ProcessError{Target: t.Key(), Err: err})
		}
	}
	defer func() {
		if err := proc.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cannot stop proxy", "pid", proc.PID(), "error", err)
		}
	}()

	engine := probe.NewEngine(logger, h.probes...)
	results, runErr := engine.Run(ctx, probe.Env{Proxy: proc.Addr(), Target: t.Label()}, proc.Err)
	rep.Results = results
	switch {
	case errors.Is(runErr, probe.ErrProcessCrashed):
		h.remember(ctx, t, logger)
		return fail(report.Crashed, &ProcessError{Target: t.Key(), Err: runErr})
	case runErr != nil:
		return fail(report.VerdictFor(results, h.isRequired), runErr)
	}

	rep.Verdict = report.VerdictFor(results, h.isRequired)
	if rep.Verdict == report.Pass {
		h.forget(ctx, t, logger)
		return rep, nil
	}
	h.remember(ctx, t, logger)
	rep.Tier = report.TierProbe
	rep.Error = firstFailure(results, h.isRequired)
	return rep, nil
}

func (h *Harness) isRequired(name string) bool {
	req, ok := h.required[name]
	return !ok || req
}

// firstFailure describes the first required probe that did not succeed.
func firstFailure(results []probe.Result, required func(string) bool) string {
	for _, r := range results {
		if r.OK() || !required(r.Name) {
			continue
		}
		msg := fmt.Sprintf("probe %s: %s", r.Name, r.Outcome)
		if r.Reason != "" {
			msg += ": " + r.Reason
		}
		return msg
	}
	return "no probe results"
}

// skip reports whether t is excluded by configuration or by recent
// failures, and why.
func (h *Harness) skip(ctx context.Context, t target.ProxyTarget) (string, bool) {
	for _, e := range h.excludes {
		if e.matches(t) {
			return "excluded by configuration", true
		}
	}
	if !h.cfg.SkipKnownBad || h.history == nil {
		return "", false
	}
	e, ok, err := h.history.Get(ctx, t.Key())
	if err != nil {
		h.logger.Warn("cannot read failure history", "target", t.Label(), "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if ttl := h.cfg.KnownBadTTL; ttl > 0 && nowFn().Sub(e.LastSeen) >= ttl {
		return "", false
	}
	return fmt.Sprintf("known bad: failed %d time(s), last %s",
		e.FailCount, e.LastSeen.UTC().Format(time.RFC3339)), true
}

func (h *Harness) country(entries []isolation.Entry, logger *slog.Logger) string {
	if h.countries == nil || len(entries) == 0 {
		return ""
	}
	addr := entries[0].Prefix.Addr()
	code, err := h.countries.Country(addr)
	if err != nil && !errors.Is(err, geo.ErrUnknown) {
		logger.Debug("country lookup failed", "addr", addr, "error", err)
	}
	return code
}

// remember records a failure. Canceled runs are not recorded.
func (h *Harness) remember(ctx context.Context, t target.ProxyTarget, logger *slog.Logger) {
	if h.history == nil || ctx.Err() != nil {
		return
	}
	raw := t.Raw
	if raw == "" {
		raw = t.Key()
	}
	if err := h.history.Upsert(context.WithoutCancel(ctx), t.Key(), raw, historySource); err != nil {
		logger.Warn("cannot record failure", "error", err)
	}
}

func (h *Harness) forget(ctx context.Context, t target.ProxyTarget, logger *slog.Logger) {
	if h.history == nil {
		return
	}
	if _, err := h.history.Forget(context.WithoutCancel(ctx), t.Key()); err != nil {
		logger.Warn("cannot clear failure history", "error", err)
	}
}

func (h *Harness) emit(rep report.CheckReport, logger *slog.Logger) {
	attrs := []any{
		"verdict", rep.Verdict,
		"duration", rep.Duration,
	}
	if rep.Tier != report.TierNone {
		attrs = append(attrs, "tier", rep.Tier)
	}
	if rep.Error != "" {
		attrs = append(attrs, "reason", strings.TrimSpace(rep.Error))
	}
	if rep.Country != "" {
		attrs = append(attrs, "country", rep.Country)
	}
	logger.Info("target checked", attrs...)

	if h.sink == nil {
		return
	}
	if err := h.sink.Write(rep); err != nil {
		logger.Warn("cannot write report", "error", err)
	}
}
