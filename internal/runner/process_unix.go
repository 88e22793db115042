//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the child in its own process group so the
// whole tree can be signalled on timeout.
func configureProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(c *exec.Cmd) {
	signalGroup(c, syscall.SIGTERM)
}

func killProcessGroup(c *exec.Cmd) {
	signalGroup(c, syscall.SIGKILL)
}

func signalGroup(c *exec.Cmd, sig syscall.Signal) {
	if c.Process == nil {
		return
	}
	if err := syscall.Kill(-c.Process.Pid, sig); err != nil {
		_ = c.Process.Signal(sig)
	}
}
