package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRunning is returned when another live process owns the PID file
var ErrRunning = errors.New("already running")

// Path returns the PID file for a daemon role
func Path(dir, role string) string {
	return filepath.Join(dir, fmt.Sprintf("relay-%s.pid", role))
}

// Write records the current PID, refusing if a live process already owns path.
// A PID file left by a dead process is replaced.
func Write(path string) error {
	if running, pid := IsRunning(path); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Read returns the PID stored in path
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether the process recorded in path is alive
func IsRunning(path string) (bool, int) {
	pid, err := Read(path)
	if err != nil {
		return false, 0
	}
	return Alive(pid), pid
}

// Remove deletes path if it still records the current process
func Remove(path string) error {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// Alive reports whether a local process with pid exists
func Alive(pid int) bool {
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

// Terminate sends SIGTERM, waits up to grace for the process to exit, then sends SIGKILL.
// It returns true if the process was still alive when SIGKILL was sent.
func Terminate(pid int, grace time.Duration) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return true, nil
}

// Stop terminates the daemon recorded in path and removes the file
func Stop(path string, grace time.Duration) (int, error) {
	running, pid := IsRunning(path)
	if !running {
		_ = os.Remove(path)
		return 0, fmt.Errorf("not running")
	}
	if _, err := Terminate(pid, grace); err != nil {
		return pid, err
	}
	_ = os.Remove(path)
	return pid, nil
}
