package session

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive reports whether the process with the given pid is alive,
// using a zero-signal probe. "No such process" means dead; a permission
// error means the process exists but belongs to another user, so it
// counts as alive (fail open — never report a live operator-owned run
// as crashed because the probe was disallowed).
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		// On unix FindProcess always succeeds; treat failure as dead
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return false
	}
	return true
}
