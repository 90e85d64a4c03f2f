//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func newProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killGroup kills p and every process it started. The engine runs as a child
// of cmd.exe, so killing p alone would leave it running.
func killGroup(p *os.Process) error {
	tree := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(p.Pid))
	if tree.Run() == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
