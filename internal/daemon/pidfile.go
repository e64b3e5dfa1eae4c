// Package daemon holds process-level helpers: the exclusive pid file that
// keeps a second relay from starting on the same spool.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked reports a pid file held by another running process.
var ErrLocked = errors.New("daemon: pid file locked by another process")

// ReadPid returns the pid recorded in path.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parse pid file %s: pid must be > 0", path)
	}

	return pid, nil
}
