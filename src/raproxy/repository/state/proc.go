package state

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive reports whether pid refers to an existing process. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
