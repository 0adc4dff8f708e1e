//go:build !windows

package envmgr

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolateProcess starts the child in its own process group so a timeout can
// kill everything it spawned.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := killGroup(cmd); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// killGroup sends SIGKILL to the child's process group. A group that is
// already gone is not an error.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole group.
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
