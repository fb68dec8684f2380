//go:build !unix

package gateway

import (
	"io/fs"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(sig)
}

func executable(path string, mode fs.FileMode) bool {
	return mode.Perm()&0o111 != 0
}
