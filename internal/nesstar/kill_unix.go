//go:build !windows

package nesstar

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the converter in its own process group so a timeout
// kill also reaches children it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
