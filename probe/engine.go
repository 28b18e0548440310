package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// defaultProbeTimeout applies to probes reporting a zero Timeout.
const defaultProbeTimeout = 10 * time.Second

// Engine runs probes in order against one proxy.
type Engine struct {
	Probes []Probe
	Logger *slog.Logger
}

// NewEngine returns an engine running probes in the given order.
func NewEngine(logger *slog.Logger, probes ...Probe) *Engine {
	return &Engine{Probes: probes, Logger: logger}
}

// Run executes the probes and returns one Result per probe, in order.
//
// alive, when non-nil, is consulted before each probe and after any probe
// that did not succeed. If it reports an error the remaining probes are
// Skipped and Run returns an error wrapping ErrProcessCrashed. If ctx is
// done the remaining probes are Skipped and ctx.Err() is returned. Probe
// failures themselves are never errors.
func (e *Engine) Run(ctx context.Context, env Env, alive func() error) ([]Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("target", env.Target)

	results := make([]Result, 0, len(e.Probes))
	var (
		skipReason string
		runErr     error
	)
	for _, p := range e.Probes {
		if skipReason == "" {
			if err := ctx.Err(); err != nil {
				skipReason = "run canceled"
				runErr = err
			} else if err := checkAlive(alive); err != nil {
				skipReason = "proxy process crashed"
				runErr = err
			}
		}
		if skipReason != "" {
			results = append(results, skipped(p.Name(), skipReason))
			continue
		}

		r := e.runOne(ctx, env, p)
		results = append(results, r)
		logger.Info("probe finished",
			"probe", r.Name,
			"outcome", string(r.Outcome),
			"latency", r.Latency,
			"reason", r.Reason,
		)
		if r.OK() {
			continue
		}
		if err := checkAlive(alive); err != nil {
			skipReason = "proxy process crashed"
			runErr = err
		} else if p.Required() {
			skipReason = fmt.Sprintf("required probe %s did not succeed", p.Name())
		}
	}
	return results, runErr
}

func checkAlive(alive func() error) error {
	if alive == nil {
		return nil
	}
	if err := alive(); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessCrashed, err)
	}
	return nil
}

// runOne runs p under its timeout. A panic becomes a Failure.
func (e *Engine) runOne(ctx context.Context, env Env, p Probe) (r Result) {
	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			r = Result{Outcome: Failure, Reason: fmt.Sprintf("probe panicked: %v", v)}
		}
		if r.Outcome == "" {
			r.Outcome = Failure
			r.Reason = "probe reported no outcome"
		}
		if r.Outcome == Failure && ctx.Err() == context.DeadlineExceeded {
			r.Outcome = Timeout
		}
		r.Name = p.Name()
		r.Duration = time.Since(start)
		r.Timestamp = start
	}()
	return p.Run(ctx, env)
}

func skipped(name, reason string) Result {
	return Result{Name: name, Outcome: Skipped, Reason: reason, Timestamp: time.Now()}
}
