//go:build !unix

package worker

import "os/exec"

func setSysProcAttr(_ *exec.Cmd) {}

func descriptorOpen(fd int) bool { return fd >= 0 }
