//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// PidFile is an exclusively locked pid file. The lock lives as long as the
// file descriptor, so a crashed relay never leaves a stale lock behind.
type PidFile struct {
	path string
	file *os.File
}

// acquireAttempts bounds how often AcquirePidFile reopens a path that was
// replaced while it waited for the lock.
const acquireAttempts = 8

// AcquirePidFile locks path and writes the current pid into it.
func AcquirePidFile(path string) (*PidFile, error) {
	for range acquireAttempts {
		file, err := lockPidFile(path)
		if err != nil {
			return nil, err
		}
		current, err := isCurrent(path, file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if !current {
			// The previous owner removed the file between our open and lock.
			_ = file.Close()
			continue
		}
		if err := file.Truncate(0); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate pid file %s: %w", path, err)
		}
		if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write pid file %s: %w", path, err)
		}

		return &PidFile{path: path, file: file}, nil
	}

	return nil, fmt.Errorf("lock pid file %s: replaced %d times while locking", path, acquireAttempts)
}

func lockPidFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock pid file %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}

	return file, nil
}

// isCurrent reports whether path still names the inode behind file.
func isCurrent(path string, file *os.File) (bool, error) {
	held, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat pid file %s: %w", path, err)
	}
	named, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat pid file %s: %w", path, err)
	}

	return os.SameFile(held, named), nil
}

// Path returns the pid file location.
func (p *PidFile) Path() string {
	return p.path
}

// Release removes the pid file and then drops the lock. The file is only
// removed while it is still the one this process locked.
func (p *PidFile) Release() error {
	if p == nil || p.file == nil {
		return nil
	}
	var removeErr error
	current, err := isCurrent(p.path, p.file)
	switch {
	case err != nil:
		removeErr = err
	case current:
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			removeErr = fmt.Errorf("remove pid file %s: %w", p.path, err)
		}
	}
	closeErr := p.file.Close()
	p.file = nil
	if removeErr != nil {
		return removeErr
	}
	if closeErr != nil {
		return fmt.Errorf("close pid file %s: %w", p.path, closeErr)
	}

	return nil
}
