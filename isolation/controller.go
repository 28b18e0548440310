package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newRunIDFn generates run identifiers. Tests may override it.
var newRunIDFn = uuid.NewString

// sessions tracks the active session per firewall. A host has one iptables
// OUTPUT chain, so two sessions on it would reject each other's traffic.
var (
	sessionsMu sync.Mutex
	sessions   = map[string]*State{}
)

// sessionKeyer lets a backend scope the one-session rule more narrowly
// than its name.
type sessionKeyer interface {
	sessionKey() string
}

func (m *MemoryBackend) sessionKey() string { return fmt.Sprintf("memory:%p", m) }

func sessionKey(b Backend) string {
	if k, ok := b.(sessionKeyer); ok {
		return k.sessionKey()
	}
	return b.Name()
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Backend programs the firewall. Required.
	Backend Backend

	// Resolver turns whitelist hostnames into addresses. If nil, a
	// DNSResolver over the system servers is used.
	Resolver Resolver

	// StateDir is where session records are kept for crash recovery.
	// Empty disables persistence.
	StateDir string

	// AllowDNS admits port 53 to DNSServers so the proxy can resolve
	// names from inside the session.
	AllowDNS bool

	// DNSServers lists resolvers admitted by AllowDNS. If empty and the
	// resolver is a *DNSResolver, its servers are used.
	DNSServers []netip.Addr

	// Logger receives lifecycle events. Nil discards them.
	Logger *slog.Logger
}

// Controller applies and reverts isolation sessions.
type Controller struct {
	backend  Backend
	resolver Resolver
	cfg      ControllerConfig
	logger   *slog.Logger
}

// NewController returns a controller for cfg.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: backend must not be nil", ErrIsolation)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	res := cfg.Resolver
	if res == nil {
		res = NewDNSResolver(nil, 0)
	}
	return &Controller{
		backend:  cfg.Backend,
		resolver: res,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Backend returns the controller's backend.
func (c *Controller) Backend() Backend { return c.backend }

// Apply installs a default-deny session admitting loopback, the whitelist
// and, with AllowDNS, the DNS servers. Any failure wraps ErrIsolation and
// leaves no rules behind.
func (c *Controller) Apply(ctx context.Context, whitelist []Rule) (*State, error) {
	if !c.backend.Available() {
		deps := c.backend.CheckDependencies()
		return nil, fmt.Errorf("%w: backend %s unavailable: %s",
			ErrIsolation, c.backend.Name(), strings.Join(deps.Errors, "; "))
	}
	for _, w := range c.backend.CheckDependencies().Warnings {
		c.logger.Warn("isolation dependency warning", "backend", c.backend.Name(), "warning", w)
	}
	for _, r := range whitelist {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
		}
	}

	// Resolution happens before anything is installed: once the session is
	// active the resolvers themselves may be unreachable.
	entries, err := resolveRules(ctx, c.resolver, whitelist)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	base := append(loopbackEntries(), entries...)
	if c.cfg.AllowDNS {
		base = append(base, dnsEntries(c.dnsServers())...)
	}

	key := sessionKey(c.backend)
	sessionsMu.Lock()
	if active, ok := sessions[key]; ok {
		sessionsMu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrIsolationActive, active.RunID())
	}

	runID := newRunIDFn()
	st := &State{
		rec: Record{
			RunID:     runID,
			Backend:   c.backend.Name(),
			Entries:   base,
			AppliedAt: time.Now().UTC(),
			PID:       os.Getpid(),
		},
		backend: c.backend,
		ctrl:    c,
		logger:  c.logger,
	}
	if c.cfg.StateDir != "" {
		st.path = statePath(c.cfg.StateDir, runID)
	}
	sessions[key] = st
	sessionsMu.Unlock()

	// Persist first so a crash during Install still leaves a record.
	if err := st.persist(); err != nil {
		c.logger.Warn("cannot persist isolation state", "path", st.path, "error", err)
	}

	if err := c.backend.Install(ctx, runID, base); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if rerr := c.backend.Remove(cleanupCtx, runID); rerr != nil {
			err = errors.Join(err, fmt.Errorf("cleanup: %w", rerr))
		}
		if st.path != "" {
			_ = os.Remove(st.path)
		}
		c.release(st)
		return nil, fmt.Errorf("%w: install: %w", ErrIsolation, err)
	}

	c.logger.Info("isolation applied",
		"run_id", runID,
		"backend", c.backend.Name(),
		"entries", len(base),
	)
	return st, nil
}

func (c *Controller) dnsServers() []netip.Addr {
	if len(c.cfg.DNSServers) > 0 {
		return c.cfg.DNSServers
	}
	if r, ok := c.resolver.(*DNSResolver); ok {
		return r.Servers()
	}
	return nil
}

func (c *Controller) release(st *State) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	key := sessionKey(c.backend)
	if sessions[key] == st {
		delete(sessions, key)
	}
}

// RevertRun removes the rules of runID without an in-memory State, for
// example after the run that installed them crashed.
func (c *Controller) RevertRun(ctx context.Context, runID string) error {
	if _, err := uuid.Parse(runID); err != nil {
		return fmt.Errorf("%w: invalid run id %q", ErrIsolation, runID)
	}
	if err := c.backend.Remove(ctx, runID); err != nil {
		return fmt.Errorf("%w: revert %s: %w", ErrIsolation, runID, err)
	}
	if c.cfg.StateDir != "" {
		if err := os.Remove(statePath(c.cfg.StateDir, runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cannot remove isolation state file", "run_id", runID, "error", err)
		}
	}
	c.logger.Info("isolation run reverted", "run_id", runID)
	return nil
}

// Stale lists persisted session records that do not belong to a session
// active in this process, oldest first.
func (c *Controller) Stale() ([]Record, error) {
	if c.cfg.StateDir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(c.cfg.StateDir, "*.json"))
	if err != nil {
		return nil, err
	}

	sessionsMu.Lock()
	live := make(map[string]bool, len(sessions))
	for _, st := range sessions {
		live[st.RunID()] = true
	}
	sessionsMu.Unlock()

	var out []Record
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.Warn("skipping unreadable isolation state", "path", path, "error", err)
			continue
		}
		if rec.RunID == "" || live[rec.RunID] {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

func statePath(dir, runID string) string {
	return filepath.Join(dir, runID+".json")
}
