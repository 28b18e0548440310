package tunnelcheck

import (
	"errors"
	"fmt"

	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/probe"
	"github.com/zhangyunhao116/tunnelcheck/render"
	"github.com/zhangyunhao116/tunnelcheck/report"
	"github.com/zhangyunhao116/tunnelcheck/supervise"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// Sentinel errors returned by the tunnelcheck package.
var (
	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("tunnelcheck: invalid configuration")

	// ErrFatalSetup matches every *FatalSetupError.
	ErrFatalSetup = errors.New("tunnelcheck: fatal setup error")

	// ErrRunAborted indicates a strict run stopped at a target's setup
	// failure.
	ErrRunAborted = errors.New("tunnelcheck: run aborted")

	// ErrRevertFailed indicates isolation could not be removed at the end
	// of a run. The firewall rules stay in place until reverted by run id.
	ErrRevertFailed = errors.New("tunnelcheck: isolation revert failed")
)

// FatalSetupError is a failure to prepare something before any probe could
// run: the isolation session, a target's configuration, or its binary.
// errors.Is matches both ErrFatalSetup and the wrapped error.
type FatalSetupError struct {
	// Stage names the step that failed, e.g. "isolation" or "binary".
	Stage string
	// Err is the underlying error.
	Err error
}

func (e *FatalSetupError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrFatalSetup.Error(), e.Stage, e.Err)
}

func (e *FatalSetupError) Unwrap() error { return e.Err }

func (e *FatalSetupError) Is(target error) bool { return target == ErrFatalSetup }

// ProcessError is a proxy process that would not start or died while
// being probed.
type ProcessError struct {
	// Target is the target key.
	Target string
	// Err is the underlying supervise or probe error.
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("tunnelcheck: proxy process for %s: %v", e.Target, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Tier classifies err for reports. Setup problems are fatal_setup, process
// startup and crashes are process, anything else is probe.
func Tier(err error) report.Tier {
	var (
		fatal *FatalSetupError
		proc  *ProcessError
	)
	switch {
	case err == nil:
		return report.TierNone
	case errors.As(err, &fatal):
		return report.TierFatalSetup
	case errors.As(err, &proc):
		return report.TierProcess
	case errors.Is(err, ErrConfigInvalid),
		errors.Is(err, isolation.ErrIsolation),
		errors.Is(err, render.ErrConfig),
		errors.Is(err, target.ErrInvalidTarget),
		errors.Is(err, supervise.ErrBinaryNotFound),
		errors.Is(err, supervise.ErrIsolationInactive):
		return report.TierFatalSetup
	case errors.Is(err, supervise.ErrCrashedOnStartup),
		errors.Is(err, supervise.ErrStartupTimeout),
		errors.Is(err, supervise.ErrCrashed),
		errors.Is(err, probe.ErrProcessCrashed):
		return report.TierProcess
	default:
		return report.TierProbe
	}
}

// abortsStrictRun reports whether a target setup failure stops a strict
// run: the configuration cannot be rendered or the binary is missing.
func abortsStrictRun(err error) bool {
	return errors.Is(err, render.ErrConfig) ||
		errors.Is(err, target.ErrInvalidTarget) ||
		errors.Is(err, supervise.ErrBinaryNotFound)
}
