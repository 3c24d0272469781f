//go:build windows

package sandbox

import "os/exec"

// setProcessGroup is a no-op on Windows; killProcessTree falls back to
// killing the direct child only.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
