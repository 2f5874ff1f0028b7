//go:build !windows

package lifecycle

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the worker in its own process group so signals reach
// the whole tree on shutdown.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the worker's process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
