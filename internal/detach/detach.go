// Package detach re-executes the CLI as a detached background process
// so long research runs survive the terminal closing.
package detach

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Relaunch starts the current executable with args in its own session,
// stdout and stderr redirected to a log file under logDir. Returns the
// child pid and the log path. The caller exits afterwards; the child
// runs to completion on its own.
func Relaunch(args []string, logDir string) (int, string, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, "", fmt.Errorf("resolving executable: %w", err)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("research-%s.log", time.Now().Format("20060102-150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	// New session: the child survives the parent's terminal and is not
	// reached by its signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("starting detached process: %w", err)
	}
	pid := cmd.Process.Pid

	// Let go of the child so it is not reaped through this process.
	if err := cmd.Process.Release(); err != nil {
		return pid, logPath, fmt.Errorf("releasing detached process: %w", err)
	}
	return pid, logPath, nil
}
