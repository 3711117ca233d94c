//go:build !windows

package harness

import (
	"os/exec"
	"syscall"
)

// terminateProcess asks the agent process to exit. SIGTERM lets it flush
// buffered events before the pipe closes.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}
