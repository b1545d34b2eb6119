package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/shockwatch/internal/errors"
)

const (
	pidFile = "shockwatch.pid"
)

// File guards against two monitors driving the same buzzer.
type File struct {
	path string
}

// New returns a PID file in dir. An empty dir selects os.TempDir().
func New(dir string) *File {
	if dir == "" {
		dir = os.TempDir()
	}

	return &File{path: filepath.Join(dir, pidFile)}
}

// Path returns the location of the PID file.
func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. A file left behind by
// a process that is no longer running is replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if owner, err := f.read(); err == nil {
		if owner != os.Getpid() && running(owner) {
			return errFactory.WithData(errors.ErrAlreadyRunning, owner)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (f *File) read() (int, error) {
	bytes, err := os.ReadFile(f.path)
	if err != nil {
		return 0, err
	}

	owner, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil {
		// Garbage is treated like a stale file.
		return 0, nil
	}

	return owner, nil
}

func running(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

// Write writes the current process ID to the default PID file.
func Write() error {
	return New("").Write()
}

// Remove removes the default PID file.
func Remove() error {
	return New("").Remove()
}
