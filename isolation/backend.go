package isolation

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Sentinel errors returned by the isolation package.
var (
	// ErrIsolation indicates the firewall could not be programmed. It is
	// fatal for the run and never retried.
	ErrIsolation = errors.New("isolation: cannot apply network isolation")

	// ErrIsolationActive indicates another session is already active on
	// this controller.
	ErrIsolationActive = errors.New("isolation: a session is already active")

	// ErrReverted indicates the session has already been reverted.
	ErrReverted = errors.New("isolation: session already reverted")

	// ErrUnsupported indicates no firewall backend exists for this system.
	ErrUnsupported = errors.New("isolation: no firewall backend for this system")
)

// Backend programs the host firewall. Each run owns a private set of rules
// keyed by its run id; a backend must never touch rules it did not add.
type Backend interface {
	// Name returns a short identifier such as "iptables" or "memory".
	Name() string

	// Available reports whether the backend can program the firewall on
	// this system right now.
	Available() bool

	// CheckDependencies inspects the system for binaries and privileges.
	CheckDependencies() *DependencyCheck

	// Install creates the run's default-deny policy with base allowed.
	Install(ctx context.Context, runID string, base []Entry) error

	// Grant adds entries to an installed run.
	Grant(ctx context.Context, runID string, entries []Entry) error

	// Revoke removes entries previously granted. Missing entries are
	// ignored.
	Revoke(ctx context.Context, runID string, entries []Entry) error

	// Remove deletes everything the run installed. It is idempotent.
	Remove(ctx context.Context, runID string) error
}

// DependencyCheck holds the result of a backend dependency check.
type DependencyCheck struct {
	// Errors lists problems that prevent isolation.
	Errors []string

	// Warnings lists issues that weaken isolation without preventing it.
	Warnings []string
}

// OK returns true if no critical dependency errors were found.
func (d *DependencyCheck) OK() bool {
	return len(d.Errors) == 0
}

// DetectOption configures Detect and NewIPTables.
type DetectOption func(*detectOptions)

type detectOptions struct {
	ipv6Disabled bool
}

// IPv6Disabled declares that the host has no IPv6 egress. Only then may the
// iptables backend run without ip6tables; otherwise a missing or broken
// ip6tables makes the backend unavailable, since IPv6 traffic would bypass
// the session.
func IPv6Disabled(v bool) DetectOption {
	return func(o *detectOptions) { o.ipv6Disabled = v }
}

// Detect returns the best backend for this system. On Linux this is the
// iptables backend; elsewhere it is a stub that is never Available.
func Detect(logger *slog.Logger, opts ...DetectOption) Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var o detectOptions
	for _, opt := range opts {
		opt(&o)
	}
	return detectBackend(logger, o)
}

// unsupportedBackend is returned where no firewall backend exists.
type unsupportedBackend struct{}

// NewUnsupported returns a Backend that always reports as unavailable.
func NewUnsupported() Backend { return unsupportedBackend{} }

func (unsupportedBackend) Name() string    { return "unsupported" }
func (unsupportedBackend) Available() bool { return false }

func (unsupportedBackend) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{Errors: []string{"no firewall backend for this operating system"}}
}

func (unsupportedBackend) Install(context.Context, string, []Entry) error { return ErrUnsupported }
func (unsupportedBackend) Grant(context.Context, string, []Entry) error   { return ErrUnsupported }
func (unsupportedBackend) Revoke(context.Context, string, []Entry) error  { return nil }
func (unsupportedBackend) Remove(context.Context, string) error           { return nil }
