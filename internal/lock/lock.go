// Package lock keeps two relay processes from running the same instance,
// which matters when they would share one SQLite file.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the instance lock.
type HeldError struct {
	PID      int
	Instance string
	Path     string
}

func (e *HeldError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("instance %q locked by PID %d (%s)", e.Instance, e.PID, e.Path)
	}
	return fmt.Sprintf("instance lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on path, creating parent
// directories as needed. The file records the owner for diagnostics.
// Returns HeldError if another process already holds it.
func Acquire(path, instance string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		owner := parse(string(data))
		_ = f.Close()
		return nil, &HeldError{PID: owner.pid, Instance: owner.instance, Path: path}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ninstance=%s\ntime=%s\n",
		os.Getpid(), instance, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so the next owner never sees stale content.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

type owner struct {
	pid      int
	instance string
}

func parse(content string) owner {
	var o owner
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			o.pid, _ = strconv.Atoi(after)
		}
		if after, ok := strings.CutPrefix(line, "instance="); ok {
			o.instance = after
		}
	}
	return o
}
