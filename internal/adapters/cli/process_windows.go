//go:build windows

package cli

import (
	"os/exec"
	"time"
)

// configureProcess falls back to Process.Kill on cancellation; Windows has
// no process groups to signal.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}
