package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Record is the persisted form of a session.
type Record struct {
	RunID     string    `json:"run_id"`
	Backend   string    `json:"backend"`
	Entries   []Entry   `json:"entries"`
	AppliedAt time.Time `json:"applied_at"`
	PID       int       `json:"pid"`
}

// State is an applied isolation session. It is safe for concurrent use.
type State struct {
	rec     Record
	backend Backend
	ctrl    *Controller
	path    string
	logger  *slog.Logger

	mu       sync.Mutex
	reverted bool
	refs     map[Entry]int // outstanding grants per entry
}

// RunID returns the run identifier the session is tagged with.
func (s *State) RunID() string { return s.rec.RunID }

// Backend returns the name of the backend that installed the session.
func (s *State) Backend() string { return s.rec.Backend }

// AppliedAt returns when the session was installed.
func (s *State) AppliedAt() time.Time { return s.rec.AppliedAt }

// Entries returns a copy of the base entries installed for the session.
func (s *State) Entries() []Entry { return slices.Clone(s.rec.Entries) }

// Active reports whether the session is applied and not yet reverted.
func (s *State) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.reverted
}

// Grant widens the session with the given rules until the returned Grant
// is released. It is how a target's upstream is admitted while that target
// is being verified. Grants are counted per entry, so an entry held by two
// grants stays admitted until both are released.
func (s *State) Grant(ctx context.Context, rules []Rule) (*Grant, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
		}
	}
	// Resolution can be slow; it must not stall other grants and releases.
	entries, err := resolveRules(ctx, s.ctrl.resolver, rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reverted {
		return nil, ErrReverted
	}
	var fresh []Entry
	for _, e := range entries {
		if s.refs[e] == 0 && !slices.Contains(fresh, e) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		if err := s.backend.Grant(ctx, s.rec.RunID, fresh); err != nil {
			// Partially inserted entries must not outlive the failed grant.
			_ = s.backend.Revoke(context.WithoutCancel(ctx), s.rec.RunID, fresh)
			return nil, fmt.Errorf("%w: grant: %w", ErrIsolation, err)
		}
	}
	if s.refs == nil {
		s.refs = make(map[Entry]int)
	}
	for _, e := range entries {
		s.refs[e]++
	}
	g := &Grant{state: s, entries: entries}
	s.logger.Debug("isolation grant added", "run_id", s.rec.RunID, "entries", entryStrings(entries), "new", len(fresh))
	return g, nil
}

// Revert removes everything the session installed. It is idempotent: once
// a revert has succeeded further calls return nil without touching the
// firewall. A failed revert leaves the session active so it can be retried.
func (s *State) Revert(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reverted {
		return nil
	}
	if err := s.backend.Remove(ctx, s.rec.RunID); err != nil {
		return fmt.Errorf("%w: revert %s: %w", ErrIsolation, s.rec.RunID, err)
	}
	s.reverted = true
	s.refs = nil
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cannot remove isolation state file", "path", s.path, "error", err)
		}
	}
	s.ctrl.release(s)
	s.logger.Info("isolation reverted", "run_id", s.rec.RunID, "backend", s.rec.Backend)
	return nil
}

func (s *State) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Grant is a scoped widening of a session.
type Grant struct {
	state   *State
	entries []Entry

	once sync.Once
	err  error
}

// Entries returns the resolved entries the grant added.
func (g *Grant) Entries() []Entry { return slices.Clone(g.entries) }

// Release revokes the grant's entries that no other grant still holds. It
// is idempotent and a no-op once the session has been reverted.
func (g *Grant) Release(ctx context.Context) error {
	g.once.Do(func() {
		s := g.state
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.reverted {
			return
		}
		var last []Entry
		for _, e := range g.entries {
			switch n := s.refs[e]; {
			case n > 1:
				s.refs[e] = n - 1
			case n == 1:
				delete(s.refs, e)
				last = append(last, e)
			}
		}
		if len(last) == 0 {
			return
		}
		if err := s.backend.Revoke(ctx, s.rec.RunID, last); err != nil {
			g.err = fmt.Errorf("%w: revoke: %w", ErrIsolation, err)
		}
	})
	return g.err
}

func entryStrings(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}
