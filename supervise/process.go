package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running proxy binary. Only its Supervisor signals it.
type Process struct {
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	binary      string
	listen      netip.AddrPort
	output      *tailWriter
	stopTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	exitCode int
	done     chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// PID returns the process id, which is also its process group id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Addr returns the local SOCKS listener address.
func (p *Process) Addr() netip.AddrPort { return p.listen }

// Binary returns the executable path.
func (p *Process) Binary() string { return p.binary }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Output returns the tail of the combined stdout and stderr.
func (p *Process) Output() string { return p.output.String() }

// Crashed reports whether the process exited without a stop request.
func (p *Process) Crashed() bool { return p.State() == Crashed }

// Err returns an *ExitError wrapping ErrCrashed if the process exited
// without a stop request, and nil otherwise. It is the liveness check
// handed to the probe engine.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Crashed {
		return nil
	}
	return &ExitError{Kind: ErrCrashed, ExitCode: p.exitCode, Output: p.output.String()}
}

// Stop terminates the process group: SIGTERM, then SIGKILL if the process
// is still running after the stop timeout or when ctx is done. It is safe
// to call in any state and more than once.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	if err := p.transition(Stopping); err != nil {
		return err
	}
	defer p.cancel()

	pid := p.PID()
	select {
	case <-p.done:
	default:
		if err := terminate(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("terminate proxy", "error", err)
		}
		timer := time.NewTimer(p.stopTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warn("proxy ignored SIGTERM, killing", "timeout", p.stopTimeout)
			p.cancel()
			<-p.done
		case <-ctx.Done():
			p.cancel()
			<-p.done
		}
	}
	// Reap helpers the binary may have left in its group.
	_ = killGroup(pid)

	if err := p.transition(Stopped); err != nil {
		return err
	}
	p.logger.Info("proxy stopped")
	return nil
}

// wait reaps the process. An exit that was not requested is a crash.
func (p *Process) wait() {
	_ = p.cmd.Wait()

	p.mu.Lock()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	crashed := p.state != Stopping
	if crashed {
		p.state = Crashed
	}
	code := p.exitCode
	p.mu.Unlock()

	if crashed {
		p.logger.Warn("proxy exited unexpectedly", "exit_code", code)
	}
	close(p.done)
}

// startupExit describes an exit observed before Ready.
func (p *Process) startupExit() error {
	<-p.done
	p.mu.Lock()
	code := p.exitCode
	p.mu.Unlock()
	return &ExitError{Kind: ErrCrashedOnStartup, ExitCode: code, Output: p.output.String()}
}

func (p *Process) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !canTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	return nil
}
