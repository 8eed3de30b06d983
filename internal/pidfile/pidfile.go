//go:build unix

// Package pidfile manages the master recovery file: the master's pid, written
// once at startup and removed on clean shutdown.
//
// The first line is the pid. The second line is optional metadata
// {"start_unix": N}; when present, a live process whose start time differs is
// a reused pid and does not count as the master.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var ErrRunning = errors.New("pidfile: master already running")

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Read returns the pid stored in path.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pidfile: %s: invalid pid %d", path, pid)
	}
	return pid, nil
}

// readMeta returns the metadata line of path, zero when absent.
func readMeta(path string) meta {
	var m meta
	b, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m)
	}
	return m
}

// Write stores pid and its start time in path, creating parent directories.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// #nosec G302
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	m, err := json.Marshal(meta{StartUnix: StartUnix(pid)})
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n" + string(m) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Running returns the recorded pid when it belongs to a live process other
// than the caller.
func Running(path string) (int, bool) {
	pid, err := Read(path)
	if err != nil || pid == os.Getpid() {
		return 0, false
	}
	if m := readMeta(path); m.StartUnix > 0 {
		if cur := StartUnix(pid); cur > 0 && cur != m.StartUnix {
			return pid, false
		}
	}
	return pid, Alive(pid)
}

// Acquire records the current process in path unless another live master
// already owns it. A stale file is overwritten.
func Acquire(path string) error {
	if pid, ok := Running(path); ok {
		return fmt.Errorf("%w: pid %d (%s)", ErrRunning, pid, path)
	}
	if err := Write(path, os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}
