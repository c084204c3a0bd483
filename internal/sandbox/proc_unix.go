//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup starts the script as leader of its own process group
// so that a timeout can take down every child it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole group
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
