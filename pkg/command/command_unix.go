//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

func shellInvocation() (string, string) {
	return "/bin/sh", "-c"
}

// setupProcessAttributes puts the shell into its own process group so that a
// timeout or forced shutdown takes down everything the command spawned.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
