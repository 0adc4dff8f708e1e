//go:build windows

package envmgr

import "os/exec"

func isolateProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

// killGroup is a no-op: without process groups there is nothing left to
// reap once the child has been waited on.
func killGroup(*exec.Cmd) error { return nil }
