// Package lockfile guards a data directory so that only one PatientSim server
// uses a given SQLite database at a time.
//
// Locks are flock(2) locks, released by the kernel when the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the guarded directory.
const LockFileName = "patientsim.lock"

// Info describes the holder of a lock, as written into the lock file.
type Info struct {
	PID     int
	Started time.Time
	Owner   string
}

// String renders the info as key=value lines.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	if i.Owner != "" {
		fmt.Fprintf(&b, "owner=%s\n", i.Owner)
	}
	return b.String()
}

// parseInfo reads key=value lines; unknown keys are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(val)
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, val)
		case "owner":
			info.Owner = val
		}
	}
	return info
}

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on dir, creating it if needed. owner is a
// free-form label (such as the listen address) recorded for diagnostics.
// If another process holds the lock a *LockError is returned.
func Acquire(dir, owner string) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// No O_TRUNC: the current holder's info must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("lockfile.Acquire: directory is locked by another PatientSim server", "lock_path", lockPath, "holder", holder)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), Started: time.Now(), Owner: owner}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: lock acquired", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a new holder never loses its file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another PatientSim server is already using this data directory (lock file: %s", e.LockPath)
	if e.Holder != "" {
		msg += ", holder: " + e.Holder
	}
	return msg + "); if no such server is running, remove the lock file and retry"
}

func (e *LockError) Unwrap() error { return e.Cause }

// describeHolder summarizes the lock file of the current holder.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown"
	}
	info := parseInfo(string(data))
	if info.PID <= 0 {
		return "unknown"
	}
	state := "not running, stale lock"
	if isProcessRunning(info.PID) {
		state = "running"
	}
	desc := fmt.Sprintf("PID %d (%s)", info.PID, state)
	if info.Owner != "" {
		desc += " owner " + info.Owner
	}
	return desc
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
