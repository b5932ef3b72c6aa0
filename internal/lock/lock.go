// Package lock manages per-component process records: a pid file that its owner holds an
// exclusive flock on for as long as it runs.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	acquireWait  = 200 * time.Millisecond
	acquireRetry = 10 * time.Millisecond
)

// ErrHeld is returned when another live process holds the record.
var ErrHeld = errors.New("process record held by another process")

// PIDFile is one component's process record.
type PIDFile struct {
	path string
	file *os.File
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// PathFor returns the record path of a component under dir.
func PathFor(dir, component string) string {
	return filepath.Join(dir, component+".pid")
}

func (p *PIDFile) Path() string { return p.path }

// Acquire locks the record and writes the current pid into it. It fails with ErrHeld
// when another running instance of the component holds the lock.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}

	if err := lockWithin(f, acquireWait); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("acquire %s: %w", filepath.Base(p.path), ErrHeld)
		}
		return fmt.Errorf("acquire %s: %w", filepath.Base(p.path), err)
	}

	fail := func(step string, err error) error {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s pid file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	p.file = f
	return nil
}

// lockWithin takes an exclusive lock on f, retrying for up to wait. WritePID holds the
// lock only for the length of one write, so a launcher recording the pid of a component
// that is starting up does not make the component fail.
func lockWithin(f *os.File, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil || !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(acquireRetry)
	}
}

// Release drops the lock and removes the record.
func (p *PIDFile) Release() error {
	if p.file == nil {
		return nil
	}
	os.Remove(p.path)

	if err := unix.Flock(int(p.file.Fd()), unix.LOCK_UN); err != nil {
		p.file.Close()
		p.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return fmt.Errorf("close pid file: %w", err)
	}
	return nil
}

// WritePID records pid for a process started by someone else, such as the watchdog
// launching a component. The record is written in place so its inode stays the one the
// component locks. If the component already holds the record, it has written its own
// pid and the record is left alone.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil
		}
		return fmt.Errorf("lock pid file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return f.Sync()
}

// ReadPID returns the recorded pid, or 0 if there is no usable record.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Alive reports whether pid names a running process. EPERM means the process exists
// but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
