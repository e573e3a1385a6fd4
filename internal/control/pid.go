package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when the PID file names another live process.
var ErrAlreadyRunning = errors.New("another instance is already running")

// WritePID writes pid to path. The file is replaced atomically so a
// reader never sees a partial PID during a hand-off.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPID читает PID из файла
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning проверяет что процесс запущен
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 only checks existence; EPERM means it exists under another user.
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// CheckPIDFile fails with ErrAlreadyRunning when path names a live process
// other than the current one. Missing, malformed and stale files pass.
func CheckPIDFile(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		return nil
	}
	if pid == os.Getpid() || !IsRunning(pid) {
		return nil
	}
	return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
}

// RemovePID removes the PID file if it still names pid. A successor that
// already rewrote the file keeps it.
func RemovePID(path string, pid int) error {
	current, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
