//go:build unix

package supervise

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroupWaitDelay bounds how long Wait keeps reading output pipes
// after the process group was killed.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup runs cmd in its own session so the whole group, including
// any helpers the proxy forks, can be signalled at once. Cancelling the
// command's context kills the group with SIGKILL.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// terminate asks the process group to exit.
func terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killGroup kills whatever is left in the process group.
func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	// kill(-1) signals every process we own and kill(0) our own group.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
