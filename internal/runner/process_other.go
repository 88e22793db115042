//go:build !unix

package runner

import "os/exec"

func configureProcessGroup(c *exec.Cmd) {}

func terminateProcessGroup(c *exec.Cmd) {
	killProcessGroup(c)
}

func killProcessGroup(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}
