//go:build !unix

package subprocess

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
