// Package lock enforces one active realtime session per profile.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	PID       int
	SessionID string
	Path      string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("profile in use by PID %d (session %s, %s)", e.PID, e.SessionID, e.Path)
}

// Lock is an acquired profile lock. Its ID identifies this client session
// in logs.
type Lock struct {
	ID   string
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK. It returns a
// *HeldError if another process already holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, "LOCK")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		held := &HeldError{Path: path}
		held.PID, held.SessionID = readHolder(path)
		return nil, held
	}

	l := &Lock{ID: uuid.New().String(), file: f, path: path}
	if err := l.stamp(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return l, nil
}

func (l *Lock) stamp() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(l.file, "pid=%d\nsession=%s\ntime=%s\n",
		os.Getpid(), l.ID, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release removes the lock file and drops the lock. Safe on a nil receiver
// and safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func readHolder(path string) (pid int, session string) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ""
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			pid, _ = strconv.Atoi(value)
		case "session":
			session = value
		}
	}
	return pid, session
}
