//go:build windows

package command

import "os/exec"

// setProcAttr is a no-op on Windows.
func setProcAttr(cmd *exec.Cmd) {}

// terminate kills the direct child; Windows has no POSIX process groups.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
