//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the command in its own process group so children it
// spawns can be killed with it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGKILL to the command's whole process group.
// The process group ID equals the PID of the group leader.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
