//go:build !unix

package supervise

import (
	"os"
	"os/exec"
	"time"
)

const processGroupWaitDelay = 3 * time.Second

func setupProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// terminate has no graceful form here; the stop timeout is skipped.
func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(int) error { return nil }
