// Package lifecycle handles process-level coordination: the single-instance
// pid lock file that keeps two daemons from sharing one queue.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// LockFileName is the lock file created inside the data directory.
const LockFileName = "taskloopd.lock"

// ErrAlreadyRunning is returned when another live daemon holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held single-instance lock.
type Lock struct {
	path   string
	logger *logger.Logger
}

// Acquire takes the single-instance lock in dataDir. A stale lock left by a
// dead process is overwritten; a lock held by a live process is an error.
func Acquire(dataDir string, log *logger.Logger) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)

	if pid, ok := readLockPid(path); ok {
		if processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, lock file %s)", ErrAlreadyRunning, pid, path)
		}
		log.Warn("Overwriting stale lock file",
			zap.Int("stale_pid", pid),
			zap.String("path", path))
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	log.Info("Acquired instance lock", zap.Int("pid", pid), zap.String("path", path))
	return &Lock{path: path, logger: log}, nil
}

// Release removes the lock file. Safe to call once on clean exit.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to remove lock file", zap.Error(err))
		return
	}
	l.logger.Info("Released instance lock")
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readLockPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
