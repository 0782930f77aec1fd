//go:build windows

package engine

import "os/exec"

// Windows has no POSIX process groups; best effort is killing the direct child.

func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
