// Package lock provides per-key mutexes and the single-instance daemon lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked means another process holds the file lock.
var ErrLocked = errors.New("lock held by another process")

// MutexMap serializes work per key. Entries are dropped once no caller
// holds or waits on them, so short-lived keys such as task ids do not
// accumulate.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*refMutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	m.mu.Unlock()

	rm.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		m.mu.Unlock()
		panic("lock: unlock of unlocked key " + key)
	}
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
	m.mu.Unlock()

	rm.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

// FileLock is an exclusive flock on a file that also records who holds it,
// so a second daemon can say which process owns the state directory.
type FileLock struct {
	path  string
	owner string
	file  *os.File
}

// Holder is what the lock file says about its owner.
type Holder struct {
	PID   int
	Owner string
	Since time.Time
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown holder"
	}
	s := fmt.Sprintf("pid %d", h.PID)
	if h.Owner != "" {
		s += " owner " + h.Owner
	}
	if !h.Since.IsZero() {
		s += " since " + h.Since.Format(time.RFC3339)
	}
	return s
}

// NewFileLock returns an unlocked lock on path. owner is recorded next to
// the pid once the lock is taken; it may be empty.
func NewFileLock(path, owner string) *FileLock {
	return &FileLock{path: path, owner: owner}
}

// TryLock takes the lock without blocking. It fails with ErrLocked while
// another open file description holds it, even within this process.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s (%s)", ErrLocked, fl.path, ReadHolder(fl.path))
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := writeHolder(f, fl.owner); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("record lock holder: %w", err)
	}
	fl.file = f
	return nil
}

func writeHolder(f *os.File, owner string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if owner == "" {
		owner = "-"
	}
	if _, err := fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return f.Sync()
}

// Held reports whether this FileLock currently owns the lock.
func (fl *FileLock) Held() bool { return fl.file != nil }

// Unlock releases the lock. Calling it on an unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	// Remove before releasing so a successor never reads our stale holder line.
	_ = os.Remove(fl.path)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// ReadHolder parses the holder line of the lock file at path. Missing or
// unreadable files yield the zero Holder.
func ReadHolder(path string) Holder {
	b, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return Holder{}
	}
	var h Holder
	if h.PID, err = strconv.Atoi(fields[0]); err != nil {
		return Holder{}
	}
	if len(fields) > 1 && fields[1] != "-" {
		h.Owner = fields[1]
	}
	if len(fields) > 2 {
		h.Since, _ = time.Parse(time.RFC3339, fields[2])
	}
	return h
}
