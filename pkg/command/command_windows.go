//go:build windows

package command

import (
	"os/exec"
)

func shellInvocation() (string, string) {
	return "cmd.exe", "/C"
}

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
