//go:build !windows

package cli

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// configureProcess isolates the child in its own process group so
// cancellation reaches every process it spawned. SIGTERM goes first; Wait
// escalates to SIGKILL after grace.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = grace
}
