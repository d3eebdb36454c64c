//go:build unix

package worker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the worker in its own process group so terminal
// signals aimed at the parent's group do not kill it behind the parent's
// back. The parent decides when the lock goes away.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// descriptorOpen reports whether fd is an open descriptor in this process.
func descriptorOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
