// Package supervise runs proxy binaries as child processes and decides
// when they are ready to carry probe traffic.
//
// A Supervisor starts each binary in its own process group with a
// sanitized environment, waits for its local SOCKS listener to answer,
// and hands back a Process that can be stopped gracefully, or forcefully
// once the stop timeout runs out. Nothing is spawned unless the caller's
// Guard reports that network isolation is active.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhangyunhao116/tunnelcheck/internal/envutil"
	"github.com/zhangyunhao116/tunnelcheck/internal/pathutil"
	"github.com/zhangyunhao116/tunnelcheck/render"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultOutputLimit  = 64 * 1024
)

// Guard reports whether network isolation is in force. *isolation.State
// satisfies it.
type Guard interface {
	Active() bool
}

// Config configures a Supervisor.
type Config struct {
	// ReadyTimeout bounds how long Start waits for the listener.
	ReadyTimeout time.Duration

	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration

	// PollInterval paces readiness checks.
	PollInterval time.Duration

	// OutputLimit is how many trailing bytes of output are kept.
	OutputLimit int

	// Env holds extra "KEY=value" entries for the child. Proxy variables
	// are stripped after merging.
	Env []string

	// Logger receives lifecycle events. Nil discards them.
	Logger *slog.Logger
}

// Supervisor starts proxy processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Supervisor for cfg.
func New(cfg Config) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Start runs binary with the configuration in h and waits until its
// listener is ready. On any failure the process, if spawned, has been
// stopped by the time Start returns.
func (s *Supervisor) Start(ctx context.Context, binary string, guard Guard, h *render.Handle) (*Process, error) {
	if h == nil || h.Variant == nil {
		return nil, errors.New("supervise: nil configuration handle")
	}
	if err := pathutil.CheckExecutable(binary); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
	}
	if guard == nil || !guard.Active() {
		return nil, ErrIsolationInactive
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives ctx; only Stop ends it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, binary, h.Args()...)
	cmd.Env = s.childEnv()
	out := newTailWriter(s.cfg.OutputLimit)
	cmd.Stdout = out
	cmd.Stderr = out
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("supervise: start %s: %w", binary, err)
	}

	p := &Process{
		cmd:         cmd,
		cancel:      cancel,
		binary:      binary,
		listen:      h.Listen,
		output:      out,
		stopTimeout: s.cfg.StopTimeout,
		logger:      s.logger.With("pid", cmd.Process.Pid, "listen", h.Listen.String()),
		state:       Starting,
		done:        make(chan struct{}),
	}
	go p.wait()
	p.logger.Debug("proxy spawned", "binary", binary, "config", h.Path)

	if err := s.awaitReady(ctx, p, guard, h); err != nil {
		_ = p.Stop(context.WithoutCancel(ctx))
		return nil, err
	}
	p.logger.Info("proxy ready")
	return p, nil
}

// childEnv is the parent environment plus Config.Env, minus proxy
// variables so the binary reaches its upstream directly.
func (s *Supervisor) childEnv() []string {
	return envutil.StripProxy(envutil.Merge(os.Environ(), s.cfg.Env))
}

// awaitReady polls the variant's readiness check until it succeeds, the
// process exits, or the ready timeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, p *Process, guard Guard, h *render.Handle) error {
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(readyCtx); err != nil {
			break
		}
		select {
		case <-p.done:
			return p.startupExit()
		default:
		}
		if !guard.Active() {
			return ErrIsolationInactive
		}

		lastErr = h.Variant.Ready(readyCtx, h.Listen)
		if lastErr != nil {
			continue
		}
		// Isolation could have been reverted while the check ran.
		if !guard.Active() {
			return ErrIsolationInactive
		}
		if err := p.transition(Ready); err != nil {
			return p.startupExit()
		}
		return nil
	}

	select {
	case <-p.done:
		return p.startupExit()
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %s: %w", ErrStartupTimeout, s.cfg.ReadyTimeout, lastErr)
	}
	return fmt.Errorf("%w after %s", ErrStartupTimeout, s.cfg.ReadyTimeout)
}
