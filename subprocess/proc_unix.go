//go:build unix

package subprocess

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup places the child in its own process group so
// cancellation terminates the whole tree, not only the shell.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
